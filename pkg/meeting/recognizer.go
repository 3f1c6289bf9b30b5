package meeting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TurnEvent is one recognition update from the streaming recognizer.
// Non-final events carry the partial transcript of the turn in progress;
// EndOfTurn marks the turn finalized with the given confidence.
type TurnEvent struct {
	Transcript string
	EndOfTurn  bool
	Confidence float64
	Timestamp  time.Time
}

// RecognizerStats tracks recognition stream activity.
type RecognizerStats struct {
	BytesSent      int64
	EventsReceived int64
	TurnsFinalized int64
	Errors         int64
	ConnectedAt    time.Time
}

// WebSocketConn abstracts the recognition stream connection, allowing
// tests to inject fakes.
type WebSocketConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialFunc establishes a recognition stream connection.
type DialFunc func(ctx context.Context, url string, header http.Header) (WebSocketConn, error)

// turnMessage is the recognizer's wire format for turn events.
type turnMessage struct {
	Type          string  `json:"type"`
	Transcript    string  `json:"transcript"`
	EndOfTurn     bool    `json:"end_of_turn"`
	EndOfTurnConf float64 `json:"end_of_turn_confidence"`
}

// RecognizerOptions configures a Recognizer.
type RecognizerOptions struct {
	// URL is the wss endpoint of the streaming recognition service.
	URL string

	// APIKey is sent as the Authorization header.
	APIKey string

	// TokenProvider mints a short-lived token for each connection.
	// When set it takes precedence over APIKey.
	TokenProvider func(ctx context.Context) (string, error)

	// SampleRate of the PCM stream. Default: 16000.
	SampleRate int

	// OnTurn receives every recognition event. Runs on the read goroutine.
	OnTurn func(ev TurnEvent)

	// OnError receives stream errors after which the stream is closed.
	OnError func(err error)

	// Dial overrides the connection dialer. Default: gorilla/websocket.
	Dial DialFunc

	Logger Logger
}

// Recognizer streams 16 kHz mono little-endian int16 PCM to a speech
// recognition service over a websocket and surfaces turn events.
//
// Key features:
//   - Buffered outbound audio with a dedicated writer goroutine
//   - Turn events decoded on a dedicated reader goroutine
//   - Graceful termination handshake on Close
type Recognizer struct {
	opts RecognizerOptions

	mu         sync.Mutex
	conn       WebSocketConn
	sendCh     chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closed     bool
	wg         sync.WaitGroup

	statsMu sync.RWMutex
	stats   RecognizerStats
}

// NewRecognizer creates a recognizer. Call Connect to open the stream.
func NewRecognizer(opts RecognizerOptions) *Recognizer {
	if opts.SampleRate <= 0 {
		opts.SampleRate = MixerSampleRate
	}
	if opts.Logger == nil {
		opts.Logger = NewDefaultLogger()
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, url string, header http.Header) (WebSocketConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
			return conn, err
		}
	}
	return &Recognizer{opts: opts}
}

// SetTurnHandler replaces the turn callback. Call before Connect.
func (r *Recognizer) SetTurnHandler(fn func(ev TurnEvent)) {
	r.mu.Lock()
	r.opts.OnTurn = fn
	r.mu.Unlock()
}

// Connect opens the recognition stream and starts the reader and writer
// goroutines.
func (r *Recognizer) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}
	if r.closed {
		return ErrRecognizerClosed
	}

	auth := r.opts.APIKey
	if r.opts.TokenProvider != nil {
		token, err := r.opts.TokenProvider(ctx)
		if err != nil {
			return &Error{Code: "RECOGNIZER_TOKEN_FAILED", Message: err.Error()}
		}
		auth = token
	}
	header := http.Header{}
	if auth != "" {
		header.Set("Authorization", auth)
	}
	url := fmt.Sprintf("%s?sample_rate=%d&encoding=pcm_s16le", r.opts.URL, r.opts.SampleRate)

	conn, err := r.opts.Dial(ctx, url, header)
	if err != nil {
		return &Error{Code: "RECOGNIZER_DIAL_FAILED", Message: err.Error()}
	}

	r.conn = conn
	r.sendCh = make(chan []byte, 64)
	r.done = make(chan struct{})
	r.writerDone = make(chan struct{})

	r.statsMu.Lock()
	r.stats.ConnectedAt = time.Now()
	r.statsMu.Unlock()

	r.wg.Add(2)
	go r.writeLoop(conn, r.sendCh, r.done, r.writerDone)
	go r.readLoop(conn)

	r.opts.Logger.Info("recognition stream connected", "url", r.opts.URL, "sampleRate", r.opts.SampleRate)
	return nil
}

// WritePCM queues an audio frame for transmission. Frames are dropped
// when the outbound buffer is full rather than blocking the mix loop.
// Safe to call concurrently with Close: the send channel is never
// closed, shutdown is signalled out of band.
func (r *Recognizer) WritePCM(pcm []byte) error {
	r.mu.Lock()
	ch := r.sendCh
	done := r.done
	closed := r.closed
	r.mu.Unlock()

	if closed || ch == nil {
		return ErrRecognizerClosed
	}

	select {
	case <-done:
		return ErrRecognizerClosed
	case ch <- pcm:
		return nil
	default:
		r.opts.Logger.Warn("recognition stream backlogged, dropping frame", "bytes", len(pcm))
		return nil
	}
}

// Close terminates the stream and waits for the goroutines to exit.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	done := r.done
	writerDone := r.writerDone
	r.conn = nil
	r.sendCh = nil
	r.done = nil
	r.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn == nil {
		return nil
	}
	// Let the writer flush and send the termination handshake, then drop
	// the connection to unblock the reader.
	if writerDone != nil {
		<-writerDone
	}
	err := conn.Close()
	r.wg.Wait()
	return err
}

// GetStats returns a copy of the stream counters.
func (r *Recognizer) GetStats() RecognizerStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.stats
}

func (r *Recognizer) writeLoop(conn WebSocketConn, ch <-chan []byte, done <-chan struct{}, writerDone chan<- struct{}) {
	defer r.wg.Done()
	defer close(writerDone)
	for {
		select {
		case <-done:
			// Flush what is already queued, then send the termination
			// handshake.
			for {
				select {
				case pcm := <-ch:
					if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
						return
					}
				default:
					terminate, _ := json.Marshal(map[string]string{"type": "Terminate"})
					_ = conn.WriteMessage(websocket.TextMessage, terminate)
					return
				}
			}
		case pcm := <-ch:
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				r.reportError(err)
				return
			}
			r.statsMu.Lock()
			r.stats.BytesSent += int64(len(pcm))
			r.statsMu.Unlock()
		}
	}
}

func (r *Recognizer) readLoop(conn WebSocketConn) {
	defer r.wg.Done()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			wasClosed := r.closed
			r.mu.Unlock()
			if !wasClosed {
				r.reportError(err)
			}
			return
		}

		var msg turnMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.opts.Logger.Warn("dropping malformed recognition event", "error", err)
			continue
		}
		if msg.Type != "" && msg.Type != "Turn" {
			continue
		}

		r.statsMu.Lock()
		r.stats.EventsReceived++
		if msg.EndOfTurn {
			r.stats.TurnsFinalized++
		}
		r.statsMu.Unlock()

		if r.opts.OnTurn != nil {
			r.opts.OnTurn(TurnEvent{
				Transcript: msg.Transcript,
				EndOfTurn:  msg.EndOfTurn,
				Confidence: msg.EndOfTurnConf,
				Timestamp:  time.Now(),
			})
		}
	}
}

func (r *Recognizer) reportError(err error) {
	r.statsMu.Lock()
	r.stats.Errors++
	r.statsMu.Unlock()
	r.opts.Logger.Error("recognition stream error", "error", err)
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
}
