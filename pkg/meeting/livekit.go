package meeting

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LiveKitTransport is the production Transport over the LiveKit SDK.
type LiveKitTransport struct {
	serverURL string
	logger    Logger
}

// NewLiveKitTransport creates a transport for the given LiveKit server.
func NewLiveKitTransport(serverURL string, logger Logger) *LiveKitTransport {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return &LiveKitTransport{serverURL: serverURL, logger: logger}
}

// Connect joins a LiveKit room with the provided token.
func (t *LiveKitTransport) Connect(ctx context.Context, opts ConnectOptions) (Room, error) {
	r := &liveKitRoom{
		identity: opts.Identity,
		logger:   t.logger,
		pubs:     make(map[string]*lksdk.LocalTrackPublication),
	}

	callback := t.roomCallbacks(r, opts.Events)
	room, err := lksdk.ConnectToRoomWithToken(t.serverURL, opts.Token, callback)
	if err != nil {
		return nil, err
	}
	r.room = room
	return r, nil
}

func (t *LiveKitTransport) roomCallbacks(r *liveKitRoom, events RoomEvents) *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		OnDisconnected: func() {
			if events.OnDisconnected != nil {
				events.OnDisconnected(!r.leaving.Load())
			}
		},
		OnParticipantConnected: func(participant *lksdk.RemoteParticipant) {
			if events.OnParticipantJoined != nil {
				events.OnParticipantJoined(participant.Identity(), participant.Name())
			}
		},
		OnParticipantDisconnected: func(participant *lksdk.RemoteParticipant) {
			if events.OnParticipantLeft != nil {
				events.OnParticipantLeft(participant.Identity())
			}
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished: func(publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if events.OnTrackPublished != nil {
					kind := TrackKindAudio
					if publication.Kind() == lksdk.TrackKindVideo {
						kind = TrackKindVideo
					}
					events.OnTrackPublished(rp.Identity(), publication.SID(), kind)
				}
			},
			OnTrackSubscribed: func(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if events.OnTrackSubscribed != nil {
					events.OnTrackSubscribed(rp.Identity(), newRemoteTrack(track, publication))
				}
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if events.OnTrackUnpublished != nil {
					events.OnTrackUnpublished(rp.Identity(), publication.SID())
				}
			},
			OnTrackUnpublished: func(publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if events.OnTrackUnpublished != nil {
					events.OnTrackUnpublished(rp.Identity(), publication.SID())
				}
			},
			OnTrackMuted: func(pub lksdk.TrackPublication, p lksdk.Participant) {
				if events.OnTrackMuted != nil && p != nil {
					events.OnTrackMuted(p.Identity(), pub.SID())
				}
			},
			OnTrackUnmuted: func(pub lksdk.TrackPublication, p lksdk.Participant) {
				if events.OnTrackUnmuted != nil && p != nil {
					events.OnTrackUnmuted(p.Identity(), pub.SID())
				}
			},
			OnConnectionQualityChanged: func(update *livekit.ConnectionQualityInfo, p lksdk.Participant) {
				if p == nil || p.Identity() != r.identity {
					return
				}
				level := qualityToLevel(update.Quality)
				r.quality.Store(int32(level))
				if events.OnQualityChanged != nil {
					events.OnQualityChanged(level)
				}
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				if events.OnDataReceived == nil || params.Sender == nil {
					return
				}
				protoData := data.ToProto()
				if protoData == nil {
					return
				}
				events.OnDataReceived(params.Sender.Identity(), protoData.GetUser().GetPayload())
			},
		},
	}
}

// qualityToLevel maps LiveKit's connection quality onto the 0-5 scale.
func qualityToLevel(q livekit.ConnectionQuality) int {
	switch q {
	case livekit.ConnectionQuality_EXCELLENT:
		return 5
	case livekit.ConnectionQuality_GOOD:
		return 3
	case livekit.ConnectionQuality_POOR:
		return 1
	default:
		return 0
	}
}

type liveKitRoom struct {
	room     *lksdk.Room
	identity string
	logger   Logger

	quality atomic.Int32
	leaving atomic.Bool

	mu   sync.Mutex
	pubs map[string]*lksdk.LocalTrackPublication
}

func (r *liveKitRoom) LocalIdentity() string { return r.identity }

func (r *liveKitRoom) PublishTrack(track LocalTrack) error {
	lt, ok := track.(*LiveKitLocalTrack)
	if !ok {
		return &Error{Code: "UNSUPPORTED_TRACK", Message: "track was not created by LiveKitDevices"}
	}

	opts := &lksdk.TrackPublicationOptions{Name: lt.name}
	switch lt.kind {
	case TrackKindAudio:
		opts.Source = livekit.TrackSource_MICROPHONE
	case TrackKindVideo:
		opts.Source = livekit.TrackSource_CAMERA
	}

	pub, err := r.room.LocalParticipant.PublishTrack(lt.sample, opts)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.pubs[lt.ID()] = pub
	r.mu.Unlock()
	return nil
}

func (r *liveKitRoom) UnpublishTrack(trackID string) error {
	r.mu.Lock()
	pub, ok := r.pubs[trackID]
	delete(r.pubs, trackID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.room.LocalParticipant.UnpublishTrack(pub.SID())
}

func (r *liveKitRoom) SendData(payload []byte) error {
	return r.room.LocalParticipant.PublishData(payload, lksdk.WithDataPublishReliable(true))
}

func (r *liveKitRoom) QualityLevel() int {
	return int(r.quality.Load())
}

// Stats reports no transport metrics: the SDK surfaces only the quality
// level, so telemetry derives estimates from it.
func (r *liveKitRoom) Stats() (*TransportStats, bool) {
	return nil, false
}

func (r *liveKitRoom) Disconnect() {
	if r.leaving.Swap(true) {
		return
	}
	r.room.Disconnect()
}

// --- local tracks ---

// MediaSource supplies encoded media frames for a published track.
type MediaSource interface {
	// Codec describes the encoded frames.
	Codec() webrtc.RTPCodecCapability

	// NextSample blocks until the next frame. Returns an error to end
	// the track.
	NextSample() (media.Sample, error)
}

// FrameSource supplies raw camera frames and encodes them for
// publication. A video source built on this instead of MediaSource
// lets the session apply background effects between capture and
// encode.
type FrameSource interface {
	// Codec describes the encoded output.
	Codec() webrtc.RTPCodecCapability

	// NextFrame blocks until the next raw frame and its duration.
	NextFrame() (*image.RGBA, time.Duration, error)

	// Encode turns a (possibly transformed) frame into a sample.
	Encode(frame *image.RGBA, duration time.Duration) (media.Sample, error)
}

// frameSourceAdapter runs a FrameSource as a MediaSource, applying the
// installed transform to each frame before encoding.
type frameSourceAdapter struct {
	src       FrameSource
	transform atomic.Pointer[func(*image.RGBA) *image.RGBA]
}

func (a *frameSourceAdapter) Codec() webrtc.RTPCodecCapability { return a.src.Codec() }

func (a *frameSourceAdapter) NextSample() (media.Sample, error) {
	frame, duration, err := a.src.NextFrame()
	if err != nil {
		return media.Sample{}, err
	}
	if fn := a.transform.Load(); fn != nil {
		frame = (*fn)(frame)
	}
	return a.src.Encode(frame, duration)
}

func (a *frameSourceAdapter) setTransform(fn func(*image.RGBA) *image.RGBA) {
	if fn == nil {
		a.transform.Store(nil)
		return
	}
	a.transform.Store(&fn)
}

// LiveKitLocalTrack publishes a MediaSource through a LiveKit sample
// track. While disabled the pump keeps consuming the source but writes
// nothing, so re-enabling resumes with fresh media.
type LiveKitLocalTrack struct {
	id     string
	name   string
	kind   TrackKind
	sample *lksdk.LocalSampleTrack
	pcm    PCMReader
	frames *frameSourceAdapter

	enabled atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	logger  Logger
}

// ID returns the track identifier.
func (t *LiveKitLocalTrack) ID() string { return t.id }

// Kind returns the media kind.
func (t *LiveKitLocalTrack) Kind() TrackKind { return t.kind }

// Enabled reports whether the track is live.
func (t *LiveKitLocalTrack) Enabled() bool { return t.enabled.Load() }

// SetEnabled mutes or unmutes the track.
func (t *LiveKitLocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stop ends the pump and releases the source.
func (t *LiveKitLocalTrack) Stop() {
	t.stopped.Do(func() { close(t.stopCh) })
}

// SetFrameTransform installs a per-frame transform ahead of encoding.
// Only video tracks built on a FrameSource apply it; for others this is
// a no-op.
func (t *LiveKitLocalTrack) SetFrameTransform(fn func(*image.RGBA) *image.RGBA) {
	if t.frames != nil {
		t.frames.setTransform(fn)
	}
}

// ReadPCM exposes the capture's PCM tee for mixing. Only audio tracks
// created with a PCM tee support it.
func (t *LiveKitLocalTrack) ReadPCM() ([]float32, error) {
	if t.pcm == nil {
		return nil, &Error{Code: "NO_PCM", Message: "track has no PCM tee"}
	}
	return t.pcm.ReadPCM()
}

func (t *LiveKitLocalTrack) pump(src MediaSource) {
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		sample, err := src.NextSample()
		if err != nil {
			t.logger.Debug("media source ended", "trackID", t.id, "error", err)
			return
		}
		if !t.enabled.Load() {
			continue
		}
		if err := t.sample.WriteSample(sample, nil); err != nil {
			t.logger.Warn("failed to write media sample", "trackID", t.id, "error", err)
		}
	}
}

// LiveKitDevices adapts application-supplied capture sources into
// publishable LiveKit tracks. Device IDs select between the configured
// sources; the empty ID picks the first audio or video source.
type LiveKitDevices struct {
	audio    map[string]DeviceSource
	video    map[string]DeviceSource
	audioIDs []string
	videoIDs []string
	logger   Logger
}

// DeviceSource pairs a capture source with its descriptor. PCM is an
// optional tee of the raw audio used for mixing and speaker
// attribution; video sources leave it nil. A video source may supply
// Frames instead of Source to make its raw frames available for
// background effects.
type DeviceSource struct {
	Label  string
	Source MediaSource
	Frames FrameSource
	PCM    PCMReader
}

// NewLiveKitDevices creates a device registry from capture sources
// keyed by device ID.
func NewLiveKitDevices(audio, video map[string]DeviceSource, logger Logger) *LiveKitDevices {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	d := &LiveKitDevices{audio: audio, video: video, logger: logger}
	for id := range audio {
		d.audioIDs = append(d.audioIDs, id)
	}
	for id := range video {
		d.videoIDs = append(d.videoIDs, id)
	}
	return d
}

// ListDevices enumerates the configured sources.
func (d *LiveKitDevices) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	for id, src := range d.audio {
		out = append(out, DeviceInfo{ID: id, Label: src.Label, Kind: TrackKindAudio})
	}
	for id, src := range d.video {
		out = append(out, DeviceInfo{ID: id, Label: src.Label, Kind: TrackKindVideo})
	}
	return out, nil
}

// AcquireAudio opens a microphone source as a publishable track.
func (d *LiveKitDevices) AcquireAudio(ctx context.Context, deviceID string) (LocalTrack, error) {
	return d.acquire(deviceID, d.audio, d.audioIDs, TrackKindAudio)
}

// AcquireVideo opens a camera source as a publishable track.
func (d *LiveKitDevices) AcquireVideo(ctx context.Context, deviceID string) (LocalTrack, error) {
	return d.acquire(deviceID, d.video, d.videoIDs, TrackKindVideo)
}

func (d *LiveKitDevices) acquire(
	deviceID string,
	sources map[string]DeviceSource,
	ids []string,
	kind TrackKind,
) (LocalTrack, error) {
	if deviceID == "" {
		if len(ids) == 0 {
			return nil, ErrDeviceNotFound
		}
		deviceID = ids[0]
	}
	src, ok := sources[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}

	source := src.Source
	var frames *frameSourceAdapter
	if src.Frames != nil {
		frames = &frameSourceAdapter{src: src.Frames}
		source = frames
	}

	sample, err := lksdk.NewLocalSampleTrack(source.Codec())
	if err != nil {
		return nil, err
	}

	track := &LiveKitLocalTrack{
		id:     deviceID,
		name:   src.Label,
		kind:   kind,
		sample: sample,
		pcm:    src.PCM,
		frames: frames,
		stopCh: make(chan struct{}),
		logger: d.logger,
	}
	track.enabled.Store(true)
	go track.pump(source)
	return track, nil
}

// --- remote tracks ---

type liveKitRemoteTrack struct {
	track *webrtc.TrackRemote
	pub   *lksdk.RemoteTrackPublication
}

type liveKitRemoteAudioTrack struct {
	liveKitRemoteTrack
	decoder opus.Decoder
	decoded []byte
}

func newRemoteTrack(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication) RemoteTrack {
	base := liveKitRemoteTrack{track: track, pub: pub}
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		return &liveKitRemoteAudioTrack{
			liveKitRemoteTrack: base,
			decoder:            opus.NewDecoder(),
			decoded:            make([]byte, 1920*2),
		}
	}
	return &base
}

func (t *liveKitRemoteTrack) ID() string { return t.pub.SID() }

func (t *liveKitRemoteTrack) Kind() TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeAudio {
		return TrackKindAudio
	}
	return TrackKindVideo
}

func (t *liveKitRemoteTrack) Enabled() bool { return !t.pub.IsMuted() }

// ReadPCM decodes the next Opus packet and downsamples the 48 kHz
// decoder output to the 16 kHz mixing rate.
func (t *liveKitRemoteAudioTrack) ReadPCM() ([]float32, error) {
	pkt, _, err := t.track.ReadRTP()
	if err != nil {
		return nil, err
	}
	if len(pkt.Payload) == 0 {
		return nil, nil
	}

	if _, _, err := t.decoder.Decode(pkt.Payload, t.decoded); err != nil {
		return nil, err
	}
	return downsamplePCM(t.decoded, 3), nil
}

// downsamplePCM converts little-endian int16 samples to float32,
// keeping one sample per factor.
func downsamplePCM(s16le []byte, factor int) []float32 {
	n := len(s16le) / 2
	out := make([]float32, 0, n/factor+1)
	for i := 0; i < n; i += factor {
		v := int16(uint16(s16le[2*i]) | uint16(s16le[2*i+1])<<8)
		out = append(out, float32(v)/32768)
	}
	return out
}
