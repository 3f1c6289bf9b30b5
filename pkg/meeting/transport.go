package meeting

import (
	"context"
	"image"
	"time"
)

// Transport abstracts the media transport provider so the session engine
// can be exercised against a fake in tests. The production implementation
// is the LiveKit adapter in livekit.go.
type Transport interface {
	// Connect joins a room and returns a live Room handle. The callbacks in
	// opts.Events fire on provider goroutines; the caller is responsible
	// for serializing them.
	Connect(ctx context.Context, opts ConnectOptions) (Room, error)
}

// ConnectOptions carries room credentials and the event sinks for a
// single connection attempt.
type ConnectOptions struct {
	RoomName string
	Token    string
	Identity string
	Events   RoomEvents
}

// RoomEvents is the set of provider callbacks a connection delivers.
// Nil callbacks are ignored.
type RoomEvents struct {
	// OnParticipantJoined fires when a remote participant connects.
	OnParticipantJoined func(identity, name string)

	// OnParticipantLeft fires when a remote participant disconnects.
	OnParticipantLeft func(identity string)

	// OnTrackPublished fires when a remote participant announces a track,
	// before the local side has subscribed to it and before any media
	// flows.
	OnTrackPublished func(identity string, trackID string, kind TrackKind)

	// OnTrackSubscribed fires once the remote track's media is flowing.
	OnTrackSubscribed func(identity string, track RemoteTrack)

	// OnTrackUnpublished fires when a remote track is removed.
	OnTrackUnpublished func(identity string, trackID string)

	// OnTrackMuted and OnTrackUnmuted report remote enabled-state flips.
	OnTrackMuted   func(identity string, trackID string)
	OnTrackUnmuted func(identity string, trackID string)

	// OnDataReceived fires for each inbound data channel payload.
	OnDataReceived func(identity string, payload []byte)

	// OnQualityChanged reports the provider's connection quality level
	// for the local participant, normalized to the 0-5 scale.
	OnQualityChanged func(level int)

	// OnDisconnected fires when the connection drops. unexpected is false
	// for a locally requested disconnect.
	OnDisconnected func(unexpected bool)
}

// Room is a live connection to a transport room.
type Room interface {
	// LocalIdentity returns the identity this connection joined with.
	LocalIdentity() string

	// PublishTrack publishes a local media track to the room.
	PublishTrack(track LocalTrack) error

	// UnpublishTrack removes a previously published track.
	UnpublishTrack(trackID string) error

	// SendData broadcasts a payload on the reliable ordered data channel.
	SendData(payload []byte) error

	// QualityLevel returns the most recent local connection quality on the
	// 0-5 scale, or 0 if the provider has not reported one yet.
	QualityLevel() int

	// Stats returns current transport statistics if the provider exposes
	// them. ok is false when only the quality level is available.
	Stats() (*TransportStats, bool)

	// Disconnect leaves the room. Safe to call more than once.
	Disconnect()
}

// TransportStats is a point-in-time sample of transport-level metrics.
type TransportStats struct {
	RTT         time.Duration
	Jitter      time.Duration
	PacketLoss  float64 // fraction, 0..1
	BitrateKbps int
}

// LocalTrack is a locally captured media track that can be published.
type LocalTrack interface {
	// ID returns the track identifier, stable for the track's lifetime.
	ID() string

	// Kind returns the media kind of the track.
	Kind() TrackKind

	// Enabled reports whether the track is live (unmuted).
	Enabled() bool

	// SetEnabled mutes or unmutes the track without unpublishing it.
	SetEnabled(enabled bool)

	// Stop releases the underlying capture resource.
	Stop()
}

// FrameTransformer is implemented by local video tracks that can run a
// per-frame transform between capture and encoding. The session
// installs the compositor through it when one is configured.
type FrameTransformer interface {
	SetFrameTransform(fn func(*image.RGBA) *image.RGBA)
}

// RemoteTrack is a track published by a remote participant.
type RemoteTrack interface {
	// ID returns the provider's track identifier.
	ID() string

	// Kind returns the media kind of the track.
	Kind() TrackKind

	// Enabled reports whether the remote side has the track unmuted.
	Enabled() bool
}

// RemoteAudioTrack is a remote audio track whose decoded samples can be
// read for mixing. Implementations decode the provider's codec to 16 kHz
// mono PCM.
type RemoteAudioTrack interface {
	RemoteTrack

	// ReadPCM blocks until the next decoded frame of 16 kHz mono samples
	// is available. Returns an error once the track ends.
	ReadPCM() ([]float32, error)
}
