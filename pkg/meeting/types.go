// Package meeting provides a real-time meeting session engine built on a
// room-based media transport provider. The engine manages the connect /
// disconnect / reconnect lifecycle of a multi-participant audio/video/data
// session, synthesizes a JSON signaling protocol over the provider's
// reliable ordered data channel, mixes participant audio into a single
// stream for live speech recognition with energy-based speaker attribution,
// composites synthetic backgrounds into the outgoing video frames, samples
// network telemetry, and fans out prompt-based analysis tasks over the
// accumulated transcript.
//
// Key features:
//   - Explicit session state machine with bounded-backoff reconnection
//   - Track registry tolerant of out-of-order provider events
//   - Size-checked signaling codec with de-duplication and host rules
//   - Dynamic audio mixing graph feeding a streaming recognizer
//   - Background compositing (blur, solid color, image) with track swap
//   - Concurrent transcript analysis with partial-failure isolation
//
// All session state is mutated on a single reactor goroutine; provider
// callbacks, timers, and API calls post into one serialized command queue.
// CPU-bound work (frame compositing, PCM conversion, energy analysis) runs
// on worker goroutines that publish results back through the same queue.
package meeting

import (
	"time"

	"go.uber.org/zap"
)

// SessionState represents the lifecycle state of a meeting session.
type SessionState int

const (
	// StateDisconnected is the initial and final state of a session.
	StateDisconnected SessionState = iota

	// StateConnecting means local media is ready and the transport
	// connection is being established.
	StateConnecting

	// StateConnected means the session is live: tracks are published and
	// provider events are flowing.
	StateConnected

	// StateReconnecting means the transport dropped and a bounded-backoff
	// reconnect is scheduled or in flight.
	StateReconnecting

	// StateFailed means reconnection attempts are exhausted. Terminal until
	// the user reconnects explicitly.
	StateFailed
)

// String returns the string representation of SessionState.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TrackKind identifies the media kind of a published or subscribed track.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
	TrackKindData  TrackKind = "data"
)

// Error represents a typed error with a stable code and message.
// Error codes can be used for programmatic error handling via errors.Is.
type Error struct {
	// Code is a stable identifier for the error type.
	Code string

	// Message provides human-readable error details.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Common errors returned by the meeting engine.
var (
	// ErrNotConnected indicates an operation that requires a live session.
	ErrNotConnected = &Error{Code: "NOT_CONNECTED", Message: "session is not connected"}

	// ErrAlreadyConnected indicates a connect call on a live session.
	ErrAlreadyConnected = &Error{Code: "ALREADY_CONNECTED", Message: "session is already connected"}

	// ErrConnectionFailed indicates a failure to establish the transport connection.
	ErrConnectionFailed = &Error{Code: "CONNECTION_FAILED", Message: "failed to connect to transport provider"}

	// ErrReconnectExhausted indicates all bounded reconnection attempts failed.
	ErrReconnectExhausted = &Error{Code: "RECONNECT_EXHAUSTED", Message: "connection lost, reconnection attempts exhausted"}

	// ErrPayloadTooLarge indicates a signaling payload above the data-channel ceiling.
	ErrPayloadTooLarge = &Error{Code: "PAYLOAD_TOO_LARGE", Message: "signaling payload exceeds data channel limit"}

	// ErrFileTooLarge indicates a file attachment above the raw size cap.
	ErrFileTooLarge = &Error{Code: "FILE_TOO_LARGE", Message: "file attachment exceeds size limit"}

	// ErrEmptyTranscript indicates analysis was requested with no transcript.
	ErrEmptyTranscript = &Error{Code: "EMPTY_TRANSCRIPT", Message: "transcript is empty"}

	// ErrNoTasks indicates the model configuration has no enabled tasks.
	ErrNoTasks = &Error{Code: "NO_TASKS", Message: "no enabled analysis tasks configured"}

	// ErrDevicePermissionDenied indicates the user denied device access.
	ErrDevicePermissionDenied = &Error{Code: "DEVICE_PERMISSION_DENIED", Message: "device access denied"}

	// ErrDeviceNotFound indicates no matching capture device exists.
	ErrDeviceNotFound = &Error{Code: "DEVICE_NOT_FOUND", Message: "no capture device found"}

	// ErrDeviceInUse indicates the device is held by another application.
	ErrDeviceInUse = &Error{Code: "DEVICE_IN_USE", Message: "capture device is in use by another application"}

	// ErrRecognizerClosed indicates a write on a closed recognition stream.
	ErrRecognizerClosed = &Error{Code: "RECOGNIZER_CLOSED", Message: "recognition stream is closed"}
)

// Logger interface for pluggable logging.
// Implement this interface to integrate with your application's logging
// system. The fields parameter accepts key-value pairs for structured logging.
type Logger interface {
	// Debug logs a debug-level message with optional fields.
	Debug(msg string, fields ...interface{})

	// Info logs an info-level message with optional fields.
	Info(msg string, fields ...interface{})

	// Warn logs a warning-level message with optional fields.
	Warn(msg string, fields ...interface{})

	// Error logs an error-level message with optional fields.
	Error(msg string, fields ...interface{})
}

// DefaultLogger is a zap-backed implementation of Logger.
type DefaultLogger struct {
	sugar *zap.SugaredLogger
}

// NewDefaultLogger creates a production zap logger wrapped in the Logger
// interface. Falls back to a no-op logger if zap initialization fails.
func NewDefaultLogger() Logger {
	zl, err := zap.NewProduction()
	if err != nil {
		zl = zap.NewNop()
	}
	return &DefaultLogger{sugar: zl.Sugar()}
}

// Debug logs a debug message.
func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	l.sugar.Debugw(msg, fields...)
}

// Info logs an info message.
func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	l.sugar.Infow(msg, fields...)
}

// Warn logs a warning message.
func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	l.sugar.Warnw(msg, fields...)
}

// Error logs an error message.
func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	l.sugar.Errorw(msg, fields...)
}

// SessionOptions configures a meeting session.
// Zero values are filled with defaults by NewSession.
type SessionOptions struct {
	// Identity is the local participant identity. Required.
	Identity string

	// RoomName is the transport room to join. Required.
	RoomName string

	// Token is the transport access token for the room.
	Token string

	// IsHost marks the local participant as the meeting host.
	// Hosts ignore inbound muteAll messages and may send muteAll/kick.
	IsHost bool

	// LocalName is the display name carried in signaling messages.
	LocalName string

	// Devices supplies local media acquisition. Required.
	Devices MediaDevices

	// Transport is the media transport provider. Required.
	Transport Transport

	// MaxReconnectAttempts bounds reconnection after a transport drop.
	// Default: 5.
	MaxReconnectAttempts int

	// ReconnectBaseDelay is the first reconnect delay; doubles per attempt.
	// Default: 1s.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the exponential backoff. Default: 30s.
	ReconnectMaxDelay time.Duration

	// ChatHistoryRequestDelay is how long after connect the session waits
	// before requesting the chat backlog from peers. Default: 2s.
	ChatHistoryRequestDelay time.Duration

	// ReactionTTL is how long a reaction stays active before expiring.
	// Default: 3s.
	ReactionTTL time.Duration

	// TelemetryInterval is the network sampling cadence. Default: 2s.
	TelemetryInterval time.Duration

	// Recognizer, if set, receives mixed audio and drives the transcript.
	Recognizer *Recognizer

	// Analyzer, if set, serves Analyze calls over the transcript.
	Analyzer *Analyzer

	// Compositor, if set, is exposed for background control. The session
	// does not process frames itself; the video capture pipeline calls
	// Compositor.Process per frame.
	Compositor *Compositor

	// Events receives session callbacks. All callbacks run on the
	// session's reactor goroutine; do not block in them.
	Events SessionEvents

	// Logger for session-level events. If nil, a default logger is used.
	Logger Logger
}

const (
	defaultMaxReconnectAttempts    = 5
	defaultReconnectBaseDelay      = time.Second
	defaultReconnectMaxDelay       = 30 * time.Second
	defaultChatHistoryRequestDelay = 2 * time.Second
	defaultReactionTTL             = 3 * time.Second
	defaultTelemetryInterval       = 2 * time.Second
)
