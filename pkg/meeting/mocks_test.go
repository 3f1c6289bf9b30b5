package meeting

import (
	"context"
	"image"
	"sync"
)

func boolPtr(b bool) *bool { return &b }

// fakeRoom implements Room for session tests. Payloads sent through
// SendData are recorded and can be looped back through the event sink.
type fakeRoom struct {
	mu           sync.Mutex
	identity     string
	events       RoomEvents
	sent         [][]byte
	published    []LocalTrack
	unpublished  []string
	quality      int
	stats        *TransportStats
	disconnected bool
	sendErr      error
}

func (r *fakeRoom) LocalIdentity() string { return r.identity }

func (r *fakeRoom) PublishTrack(track LocalTrack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, track)
	return nil
}

func (r *fakeRoom) UnpublishTrack(trackID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unpublished = append(r.unpublished, trackID)
	return nil
}

func (r *fakeRoom) SendData(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.sent = append(r.sent, cp)
	return nil
}

func (r *fakeRoom) sentPayloads() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *fakeRoom) QualityLevel() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quality
}

func (r *fakeRoom) Stats() (*TransportStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats == nil {
		return nil, false
	}
	cp := *r.stats
	return &cp, true
}

func (r *fakeRoom) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = true
}

// fakeTransport hands out fakeRooms and remembers the event sinks so
// tests can inject provider events.
type fakeTransport struct {
	mu       sync.Mutex
	rooms    []*fakeRoom
	connects int
	failNext int
	err      error

	// When set, Connect blocks on dialGate until the test releases it,
	// simulating a slow dial.
	dialGate chan struct{}
}

func (t *fakeTransport) Connect(ctx context.Context, opts ConnectOptions) (Room, error) {
	t.mu.Lock()
	gate := t.dialGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.failNext > 0 {
		t.failNext--
		if t.err != nil {
			return nil, t.err
		}
		return nil, &Error{Code: "DIAL_FAILED", Message: "fake dial failure"}
	}
	room := &fakeRoom{identity: opts.Identity, events: opts.Events}
	t.rooms = append(t.rooms, room)
	return room, nil
}

func (t *fakeTransport) lastRoom() *fakeRoom {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rooms) == 0 {
		return nil
	}
	return t.rooms[len(t.rooms)-1]
}

// fakeLocalTrack implements LocalTrack.
type fakeLocalTrack struct {
	mu        sync.Mutex
	id        string
	kind      TrackKind
	enabled   bool
	stopped   bool
	transform func(*image.RGBA) *image.RGBA
}

func (t *fakeLocalTrack) SetFrameTransform(fn func(*image.RGBA) *image.RGBA) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transform = fn
}

func (t *fakeLocalTrack) frameTransform() func(*image.RGBA) *image.RGBA {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transform
}

func (t *fakeLocalTrack) ID() string      { return t.id }
func (t *fakeLocalTrack) Kind() TrackKind { return t.kind }

func (t *fakeLocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeLocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeLocalTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// fakeDevices implements MediaDevices with configurable failures.
type fakeDevices struct {
	mu       sync.Mutex
	audioErr error
	videoErr error
	// notFoundIDs makes specific device IDs fail with ErrDeviceNotFound.
	notFoundIDs map[string]bool
	acquired    []string
	lastVideo   *fakeLocalTrack
}

func (d *fakeDevices) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	return []DeviceInfo{
		{ID: "mic-1", Label: "Microphone", Kind: TrackKindAudio},
		{ID: "cam-1", Label: "Camera", Kind: TrackKindVideo},
	}, nil
}

func (d *fakeDevices) AcquireAudio(ctx context.Context, deviceID string) (LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.audioErr != nil {
		return nil, d.audioErr
	}
	if d.notFoundIDs[deviceID] {
		return nil, ErrDeviceNotFound
	}
	d.acquired = append(d.acquired, "audio:"+deviceID)
	return &fakeLocalTrack{id: "audio-" + deviceID, kind: TrackKindAudio, enabled: true}, nil
}

func (d *fakeDevices) AcquireVideo(ctx context.Context, deviceID string) (LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.videoErr != nil {
		return nil, d.videoErr
	}
	if d.notFoundIDs[deviceID] {
		return nil, ErrDeviceNotFound
	}
	d.acquired = append(d.acquired, "video:"+deviceID)
	track := &fakeLocalTrack{id: "video-" + deviceID, kind: TrackKindVideo, enabled: true}
	d.lastVideo = track
	return track, nil
}

// fakeRemoteTrack implements RemoteTrack.
type fakeRemoteTrack struct {
	id      string
	kind    TrackKind
	enabled bool
}

func (t *fakeRemoteTrack) ID() string      { return t.id }
func (t *fakeRemoteTrack) Kind() TrackKind { return t.kind }
func (t *fakeRemoteTrack) Enabled() bool   { return t.enabled }

// fakeAudioSource implements PCMReader over a frame channel.
type fakeAudioSource struct {
	frames chan []float32
}

func newFakeAudioSource() *fakeAudioSource {
	return &fakeAudioSource{frames: make(chan []float32, 16)}
}

func (s *fakeAudioSource) ReadPCM() ([]float32, error) {
	frame, ok := <-s.frames
	if !ok {
		return nil, ErrRecognizerClosed
	}
	return frame, nil
}

// fakeRemoteAudioTrack combines RemoteTrack identity with a PCM source.
type fakeRemoteAudioTrack struct {
	fakeRemoteTrack
	*fakeAudioSource
}

func newFakeRemoteAudioTrack(id string) *fakeRemoteAudioTrack {
	return &fakeRemoteAudioTrack{
		fakeRemoteTrack: fakeRemoteTrack{id: id, kind: TrackKindAudio, enabled: true},
		fakeAudioSource: newFakeAudioSource(),
	}
}
