package meeting

import (
	"context"
	"errors"
	"sync"
)

// DeviceInfo describes one capture device.
type DeviceInfo struct {
	ID    string
	Label string
	Kind  TrackKind
}

// MediaDevices abstracts local capture device access. The empty device
// ID selects the platform default device.
type MediaDevices interface {
	// ListDevices enumerates available capture devices.
	ListDevices(ctx context.Context) ([]DeviceInfo, error)

	// AcquireAudio opens a microphone and returns its track.
	AcquireAudio(ctx context.Context, deviceID string) (LocalTrack, error)

	// AcquireVideo opens a camera and returns its track.
	AcquireVideo(ctx context.Context, deviceID string) (LocalTrack, error)
}

// DeviceSettings is the user's capture preferences. The zero value
// selects default devices with the microphone enabled and the camera
// disabled until turned on.
type DeviceSettings struct {
	AudioDeviceID string
	VideoDeviceID string
	AudioEnabled  *bool // nil means enabled
	VideoEnabled  bool
}

// DeviceManager wraps MediaDevices with preference tracking and
// fall-back acquisition: when the preferred device has disappeared the
// default device is tried before giving up. Permission errors are never
// retried.
type DeviceManager struct {
	devices MediaDevices
	logger  Logger

	mu       sync.RWMutex
	settings DeviceSettings
}

// NewDeviceManager creates a manager over the given device source.
func NewDeviceManager(devices MediaDevices, logger Logger) *DeviceManager {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return &DeviceManager{devices: devices, logger: logger}
}

// UpdateSettings replaces the stored preferences.
func (d *DeviceManager) UpdateSettings(settings DeviceSettings) {
	d.mu.Lock()
	d.settings = settings
	d.mu.Unlock()
}

// Settings returns a copy of the stored preferences.
func (d *DeviceManager) Settings() DeviceSettings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

// AudioEnabled reports whether the microphone preference is on.
func (d *DeviceManager) AudioEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings.AudioEnabled == nil || *d.settings.AudioEnabled
}

// VideoEnabled reports whether the camera preference is on.
func (d *DeviceManager) VideoEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings.VideoEnabled
}

// ListDevices enumerates capture devices.
func (d *DeviceManager) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	return d.devices.ListDevices(ctx)
}

// AcquireAudio opens the preferred microphone, falling back to the
// default device if the preferred one is gone. The acquired track's
// enabled state matches the stored preference.
func (d *DeviceManager) AcquireAudio(ctx context.Context) (LocalTrack, error) {
	d.mu.RLock()
	deviceID := d.settings.AudioDeviceID
	d.mu.RUnlock()

	track, err := d.acquire(ctx, deviceID, d.devices.AcquireAudio)
	if err != nil {
		return nil, err
	}
	track.SetEnabled(d.AudioEnabled())
	return track, nil
}

// AcquireVideo opens the preferred camera, falling back to the default
// device if the preferred one is gone.
func (d *DeviceManager) AcquireVideo(ctx context.Context) (LocalTrack, error) {
	d.mu.RLock()
	deviceID := d.settings.VideoDeviceID
	d.mu.RUnlock()

	track, err := d.acquire(ctx, deviceID, d.devices.AcquireVideo)
	if err != nil {
		return nil, err
	}
	track.SetEnabled(d.VideoEnabled())
	return track, nil
}

func (d *DeviceManager) acquire(
	ctx context.Context,
	deviceID string,
	open func(ctx context.Context, deviceID string) (LocalTrack, error),
) (LocalTrack, error) {
	track, err := open(ctx, deviceID)
	if err == nil {
		return track, nil
	}
	if deviceID == "" || !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}

	d.logger.Warn("preferred device unavailable, trying default", "deviceID", deviceID)
	return open(ctx, "")
}

// DeviceErrorMessage renders a device acquisition error as a short,
// actionable message for display.
func DeviceErrorMessage(kind TrackKind, err error) string {
	device := "microphone"
	if kind == TrackKindVideo {
		device = "camera"
	}
	switch {
	case errors.Is(err, ErrDevicePermissionDenied):
		return "Permission to use the " + device + " was denied. Allow access and try again."
	case errors.Is(err, ErrDeviceNotFound):
		return "No " + device + " was found. Connect one and try again."
	case errors.Is(err, ErrDeviceInUse):
		return "The " + device + " is in use by another application. Close it and try again."
	default:
		return "The " + device + " could not be started."
	}
}
