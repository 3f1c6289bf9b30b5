package meeting

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SessionEvents receives session lifecycle and room activity callbacks.
// Nil callbacks are ignored. Callbacks run on the session's reactor
// goroutine, so they observe a consistent session state but must not
// block or call back into the session synchronously.
type SessionEvents struct {
	// OnStateChanged fires on every state machine transition.
	OnStateChanged func(oldState, newState SessionState)

	// OnParticipantsChanged fires when the remote roster or a
	// participant's media flags change.
	OnParticipantsChanged func()

	// OnChat fires for every chat message, inbound and locally sent.
	OnChat func(msg Message)

	// OnReaction fires when a participant sends an emoji reaction.
	OnReaction func(identity, emoji string)

	// OnReactionExpired fires when a reaction's display window ends.
	OnReactionExpired func(identity string)

	// OnHandRaised fires when a participant flips their hand state.
	OnHandRaised func(identity string, raised bool)

	// OnSpeakerChanged fires when audio energy attributes a new active
	// speaker. Empty identity means nobody is above the threshold.
	OnSpeakerChanged func(identity string)

	// OnTurn fires for every recognition event, partial and final.
	OnTurn func(ev TurnEvent)

	// OnTranscriptUpdated fires after a finalized turn lands in the
	// transcript.
	OnTranscriptUpdated func()

	// OnTelemetry fires for each network sample.
	OnTelemetry func(sample TelemetrySample)

	// OnKicked fires when the host removes the local participant. The
	// session disconnects itself afterwards.
	OnKicked func(by string)

	// OnError fires for asynchronous failures: reconnect exhaustion,
	// recognition stream errors, send failures inside timers.
	OnError func(err error)
}

// SessionStats tracks session lifecycle counters.
type SessionStats struct {
	State             SessionState
	ConnectedAt       time.Time
	StateChanges      int64
	ReconnectAttempts int64
	Reconnects        int64
	ChatMessages      int64
}

// Session is a meeting participant's connection to a room: it owns the
// state machine, the participant registry, the signaling codec, and the
// audio/recognition pipeline, and coordinates them over one reactor
// goroutine.
//
// Key features:
//   - Connect / Disconnect / automatic bounded-backoff reconnect
//   - All state mutations serialized through a single command queue
//   - Chat with file attachments, backlog sync, reactions, hand raise
//   - Host controls: mute-all and kick
//   - Speaker-attributed live transcript with on-demand analysis
type Session struct {
	opts SessionOptions

	registry   *Registry
	transcript *Transcript
	devices    *DeviceManager
	logger     Logger

	// Reactor-owned state. Only the run goroutine touches these.
	state             SessionState
	epoch             uint64
	room              Room
	signaling         *Signaling
	mixer             *Mixer
	telemetry         *TelemetryMonitor
	localAudio        LocalTrack
	localVideo        LocalTrack
	chatLog           []Message
	reactionTimers    map[string]*time.Timer
	historyTimer      *time.Timer
	reconnectTimer    *time.Timer
	reconnectAttempts int
	currentSpeaker    string
	lastSpeaker       string
	speakerNames      map[string]string

	commands chan func()
	closedCh chan struct{}
	closed   sync.Once
	wg       sync.WaitGroup

	statsMu sync.RWMutex
	stats   SessionStats
}

// NewSession creates a session. Required options: Identity, RoomName,
// Transport, Devices.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Identity == "" {
		return nil, &Error{Code: "INVALID_OPTIONS", Message: "identity is required"}
	}
	if opts.RoomName == "" {
		return nil, &Error{Code: "INVALID_OPTIONS", Message: "room name is required"}
	}
	if opts.Transport == nil {
		return nil, &Error{Code: "INVALID_OPTIONS", Message: "transport is required"}
	}
	if opts.Devices == nil {
		return nil, &Error{Code: "INVALID_OPTIONS", Message: "devices is required"}
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if opts.ChatHistoryRequestDelay <= 0 {
		opts.ChatHistoryRequestDelay = defaultChatHistoryRequestDelay
	}
	if opts.ReactionTTL <= 0 {
		opts.ReactionTTL = defaultReactionTTL
	}
	if opts.TelemetryInterval <= 0 {
		opts.TelemetryInterval = defaultTelemetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = NewDefaultLogger()
	}

	s := &Session{
		opts:           opts,
		registry:       NewRegistry(opts.Identity, opts.Logger),
		transcript:     NewTranscript(),
		devices:        NewDeviceManager(opts.Devices, opts.Logger),
		logger:         opts.Logger,
		state:          StateDisconnected,
		reactionTimers: make(map[string]*time.Timer),
		speakerNames:   make(map[string]string),
		commands:       make(chan func(), 256),
		closedCh:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

// run is the reactor loop. Every mutation of session state happens here.
func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case cmd := <-s.commands:
			cmd()
		case <-s.closedCh:
			// Drain anything already queued so senders are not stranded.
			for {
				select {
				case cmd := <-s.commands:
					cmd()
				default:
					return
				}
			}
		}
	}
}

// post schedules fn on the reactor. Dropped after Close.
func (s *Session) post(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.closedCh:
	}
}

// call runs fn on the reactor and waits for it to finish.
func (s *Session) call(fn func()) {
	done := make(chan struct{})
	s.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-s.closedCh:
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	var st SessionState
	s.call(func() { st = s.state })
	return st
}

// AudioAvailable reports whether a local microphone track is live.
func (s *Session) AudioAvailable() bool {
	var ok bool
	s.call(func() { ok = s.localAudio != nil })
	return ok
}

// VideoAvailable reports whether a local camera track is live.
func (s *Session) VideoAvailable() bool {
	var ok bool
	s.call(func() { ok = s.localVideo != nil })
	return ok
}

// Registry exposes the participant registry.
func (s *Session) Registry() *Registry { return s.registry }

// Transcript exposes the accumulated transcript.
func (s *Session) Transcript() *Transcript { return s.transcript }

// Devices exposes the device manager for settings changes.
func (s *Session) Devices() *DeviceManager { return s.devices }

// Compositor returns the video compositor, or nil if none is configured.
func (s *Session) Compositor() *Compositor { return s.opts.Compositor }

// GetStats returns a copy of the session counters.
func (s *Session) GetStats() SessionStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// Connect acquires local media, joins the room, publishes tracks, and
// starts the audio and telemetry pipelines. Returns once the session is
// live or the initial connection failed.
func (s *Session) Connect(ctx context.Context) error {
	var stateErr error
	var epoch uint64
	s.call(func() {
		if s.state != StateDisconnected && s.state != StateFailed {
			stateErr = ErrAlreadyConnected
			return
		}
		s.setState(StateConnecting)
		epoch = s.epoch
	})
	if stateErr != nil {
		return stateErr
	}

	// Device failures never block joining: each medium is acquired
	// independently and the session continues with whatever is
	// available, surfacing the failure through OnError.
	audio, err := s.devices.AcquireAudio(ctx)
	if err != nil {
		s.logger.Warn("microphone unavailable, continuing without audio", "error", err)
		audioErr := err
		s.post(func() { s.emitError(audioErr) })
		audio = nil
	}
	video, err := s.devices.AcquireVideo(ctx)
	if err != nil {
		s.logger.Warn("camera unavailable, continuing without video", "error", err)
		videoErr := err
		s.post(func() { s.emitError(videoErr) })
		video = nil
	}
	if video != nil && s.opts.Compositor != nil {
		if ft, ok := video.(FrameTransformer); ok {
			ft.SetFrameTransform(s.opts.Compositor.Process)
		}
	}

	room, err := s.dial(ctx)
	if err != nil {
		if audio != nil {
			audio.Stop()
		}
		if video != nil {
			video.Stop()
		}
		s.call(func() {
			if s.state == StateConnecting && s.epoch == epoch {
				s.setState(StateDisconnected)
			}
		})
		return &Error{Code: ErrConnectionFailed.Code, Message: err.Error()}
	}

	// A Disconnect or Close that landed while the dial was in flight has
	// already torn the session down; the freshly dialed room must not
	// resurrect it.
	aborted := true
	s.call(func() {
		if s.state != StateConnecting || s.epoch != epoch {
			return
		}
		aborted = false
		s.localAudio = audio
		s.localVideo = video
		s.attachRoom(room)
		s.setState(StateConnected)
		s.statsMu.Lock()
		s.stats.ConnectedAt = time.Now()
		s.statsMu.Unlock()
	})
	if aborted {
		room.Disconnect()
		if audio != nil {
			audio.Stop()
		}
		if video != nil {
			video.Stop()
		}
		return &Error{Code: ErrConnectionFailed.Code, Message: "session left while connecting"}
	}
	return nil
}

// Disconnect leaves the room and releases local media. Idempotent.
func (s *Session) Disconnect() {
	s.call(func() { s.teardown(StateDisconnected) })
}

// Close disconnects and stops the reactor. The session cannot be reused.
func (s *Session) Close() {
	s.Disconnect()
	s.closed.Do(func() { close(s.closedCh) })
	s.wg.Wait()
}

// dial connects the transport with callbacks that post into the reactor.
func (s *Session) dial(ctx context.Context) (Room, error) {
	return s.opts.Transport.Connect(ctx, ConnectOptions{
		RoomName: s.opts.RoomName,
		Token:    s.opts.Token,
		Identity: s.opts.Identity,
		Events: RoomEvents{
			OnParticipantJoined: func(identity, name string) {
				s.post(func() { s.handleParticipantJoined(identity, name) })
			},
			OnParticipantLeft: func(identity string) {
				s.post(func() { s.handleParticipantLeft(identity) })
			},
			OnTrackPublished: func(identity, trackID string, kind TrackKind) {
				s.post(func() { s.handleTrackPublished(identity, trackID, kind) })
			},
			OnTrackSubscribed: func(identity string, track RemoteTrack) {
				s.post(func() { s.handleTrackSubscribed(identity, track) })
			},
			OnTrackUnpublished: func(identity, trackID string) {
				s.post(func() { s.handleTrackUnpublished(identity, trackID) })
			},
			OnTrackMuted: func(identity, trackID string) {
				s.post(func() { s.handleTrackMuted(identity, trackID, true) })
			},
			OnTrackUnmuted: func(identity, trackID string) {
				s.post(func() { s.handleTrackMuted(identity, trackID, false) })
			},
			OnDataReceived: func(identity string, payload []byte) {
				s.post(func() {
					if s.signaling != nil {
						s.signaling.Receive(identity, payload)
					}
				})
			},
			OnQualityChanged: func(level int) {
				// The telemetry monitor reads this from the room on its
				// own cadence; nothing to do here.
			},
			OnDisconnected: func(unexpected bool) {
				s.post(func() { s.handleDisconnected(unexpected) })
			},
		},
	})
}

// attachRoom wires a freshly connected room into the session. Runs on
// the reactor.
func (s *Session) attachRoom(room Room) {
	s.room = room

	s.signaling = NewSignaling(SignalingOptions{
		LocalIdentity: s.opts.Identity,
		LocalName:     s.opts.LocalName,
		IsHost:        s.opts.IsHost,
		Send:          room.SendData,
		Logger:        s.logger,
		Handlers: SignalingHandlers{
			OnChat:           func(msg Message) { s.handleChat(msg) },
			OnReaction:       func(msg Message) { s.handleReaction(msg.Sender, msg.Emoji) },
			OnHandRaised:     func(msg Message) { s.emitHandRaised(msg.Sender, msg.Raised) },
			OnMuteAll:        func(Message) { s.handleMuteAll() },
			OnKick:           func(msg Message) { s.handleKick(msg.Sender) },
			OnAudioMuted:     func(identity string, muted bool) { s.handleAudioMuted(identity, muted) },
			OnVideoDisabled:  func(identity string, disabled bool) { s.handleVideoDisabled(identity, disabled) },
			OnHistoryRequest: func(identity string) { s.handleHistoryRequest(identity) },
			OnHistory:        func(msgs []Message) { s.handleHistory(msgs) },
		},
	})

	if s.localAudio != nil {
		if err := room.PublishTrack(s.localAudio); err != nil {
			s.logger.Error("failed to publish audio track", "error", err)
		}
	}
	if s.localVideo != nil {
		if err := room.PublishTrack(s.localVideo); err != nil {
			s.logger.Error("failed to publish video track", "error", err)
		}
	}

	s.mixer = NewMixer(MixerOptions{
		Logger: s.logger,
		OnFrame: func(pcm []byte) {
			if s.opts.Recognizer != nil {
				_ = s.opts.Recognizer.WritePCM(pcm)
			}
		},
		OnSpeaker: func(identity string) {
			s.post(func() { s.handleSpeakerChanged(identity) })
		},
	})
	s.mixer.Start()

	// The local microphone participates in speaker attribution too.
	if s.localAudio != nil {
		if reader, ok := s.localAudio.(PCMReader); ok {
			s.mixer.AddInput(s.localAudio.ID(), s.opts.Identity, reader)
		}
	}

	if s.opts.Recognizer != nil {
		s.opts.Recognizer.SetTurnHandler(func(ev TurnEvent) {
			s.post(func() { s.handleTurn(ev) })
		})
		if err := s.opts.Recognizer.Connect(context.Background()); err != nil {
			s.logger.Error("recognition stream unavailable", "error", err)
		}
	}

	s.telemetry = NewTelemetryMonitor(TelemetryOptions{
		Room:     room,
		Interval: s.opts.TelemetryInterval,
		Logger:   s.logger,
		OnSample: func(sample TelemetrySample) {
			s.post(func() { s.emitTelemetry(sample) })
		},
	})
	s.telemetry.Start()

	// Peers are asked for the chat backlog shortly after joining, once
	// the data channel has settled.
	s.historyTimer = time.AfterFunc(s.opts.ChatHistoryRequestDelay, func() {
		s.post(func() {
			if s.signaling != nil {
				if err := s.signaling.SendHistoryRequest(); err != nil {
					s.logger.Warn("chat history request failed", "error", err)
				}
			}
		})
	})
}

// teardown releases everything room-bound and transitions to next.
// Runs on the reactor.
func (s *Session) teardown(next SessionState) {
	if s.state == StateDisconnected && next == StateDisconnected {
		return
	}
	// Invalidate any Connect still dialing so it cannot attach later.
	s.epoch++

	if s.historyTimer != nil {
		s.historyTimer.Stop()
		s.historyTimer = nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	for identity, timer := range s.reactionTimers {
		timer.Stop()
		delete(s.reactionTimers, identity)
	}

	if s.telemetry != nil {
		s.telemetry.Stop()
		s.telemetry = nil
	}
	if s.mixer != nil {
		s.mixer.Stop()
		s.mixer = nil
	}
	if s.opts.Recognizer != nil && next == StateDisconnected {
		_ = s.opts.Recognizer.Close()
	}

	if s.room != nil {
		s.room.Disconnect()
		s.room = nil
	}
	s.signaling = nil

	if next == StateDisconnected || next == StateFailed {
		if s.localAudio != nil {
			s.localAudio.Stop()
			s.localAudio = nil
		}
		if s.localVideo != nil {
			s.localVideo.Stop()
			s.localVideo = nil
		}
		s.reconnectAttempts = 0
	}

	s.registry.Clear()
	s.currentSpeaker = ""
	s.lastSpeaker = ""
	s.setState(next)
}

// setState transitions the state machine. Runs on the reactor.
func (s *Session) setState(next SessionState) {
	if s.state == next {
		return
	}
	old := s.state
	s.state = next

	s.statsMu.Lock()
	s.stats.State = next
	s.stats.StateChanges++
	s.statsMu.Unlock()

	s.logger.Info("session state changed", "from", old.String(), "to", next.String())
	if s.opts.Events.OnStateChanged != nil {
		s.opts.Events.OnStateChanged(old, next)
	}
}

// emitError surfaces an asynchronous failure. Runs on the reactor.
func (s *Session) emitError(err error) {
	if s.opts.Events.OnError != nil {
		s.opts.Events.OnError(err)
	}
}

// --- reconnection ---

func (s *Session) handleDisconnected(unexpected bool) {
	if s.state != StateConnected {
		return
	}
	if !unexpected {
		s.teardown(StateDisconnected)
		return
	}

	s.logger.Warn("connection lost, reconnecting")
	s.teardown(StateReconnecting)
	s.scheduleReconnect()
}

// reconnectDelay doubles per attempt from the base, capped at the max.
func (s *Session) reconnectDelay(attempt int) time.Duration {
	delay := s.opts.ReconnectBaseDelay << (attempt - 1)
	if delay > s.opts.ReconnectMaxDelay || delay <= 0 {
		delay = s.opts.ReconnectMaxDelay
	}
	return delay
}

func (s *Session) scheduleReconnect() {
	s.reconnectAttempts++
	attempt := s.reconnectAttempts

	if attempt > s.opts.MaxReconnectAttempts {
		s.logger.Error("reconnection attempts exhausted", "attempts", attempt-1)
		s.teardown(StateFailed)
		if s.opts.Events.OnError != nil {
			s.opts.Events.OnError(ErrReconnectExhausted)
		}
		return
	}

	delay := s.reconnectDelay(attempt)
	s.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay.String())

	s.statsMu.Lock()
	s.stats.ReconnectAttempts++
	s.statsMu.Unlock()

	s.reconnectTimer = time.AfterFunc(delay, func() {
		// Dial off the reactor; only the result is posted back.
		room, err := s.dial(context.Background())
		s.post(func() { s.handleReconnectResult(room, err) })
	})
}

func (s *Session) handleReconnectResult(room Room, err error) {
	if s.state != StateReconnecting {
		if room != nil {
			room.Disconnect()
		}
		return
	}
	if err != nil {
		s.logger.Warn("reconnect attempt failed", "attempt", s.reconnectAttempts, "error", err)
		s.scheduleReconnect()
		return
	}

	s.reconnectAttempts = 0
	s.attachRoom(room)
	s.setState(StateConnected)

	s.statsMu.Lock()
	s.stats.Reconnects++
	s.stats.ConnectedAt = time.Now()
	s.statsMu.Unlock()
}

// --- roster and track events ---

func (s *Session) handleParticipantJoined(identity, name string) {
	s.registry.AddParticipant(identity, name)
	if name != "" {
		s.speakerNames[identity] = name
	}
	s.emitParticipantsChanged()
}

func (s *Session) handleParticipantLeft(identity string) {
	trackIDs := s.registry.RemoveParticipant(identity)
	if s.mixer != nil {
		for _, id := range trackIDs {
			s.mixer.RemoveInput(id)
		}
	}
	if s.currentSpeaker == identity {
		s.handleSpeakerChanged("")
	}
	s.emitParticipantsChanged()
}

func (s *Session) handleTrackPublished(identity, trackID string, kind TrackKind) {
	s.registry.NoteTrackPublished(identity, kind)
	s.logger.Debug("remote track published", "identity", identity, "trackID", trackID, "kind", kind)
	s.emitParticipantsChanged()
}

func (s *Session) handleTrackSubscribed(identity string, track RemoteTrack) {
	s.registry.AddTrack(identity, track)
	if audio, ok := track.(RemoteAudioTrack); ok && s.mixer != nil {
		s.mixer.AddInput(track.ID(), identity, audio)
	}
	s.emitParticipantsChanged()
}

func (s *Session) handleTrackUnpublished(identity, trackID string) {
	s.registry.RemoveTrack(identity, trackID)
	if s.mixer != nil {
		s.mixer.RemoveInput(trackID)
	}
	s.emitParticipantsChanged()
}

func (s *Session) handleTrackMuted(identity, trackID string, muted bool) {
	s.registry.SetTrackMuted(identity, trackID, muted)
	s.emitParticipantsChanged()
}

func (s *Session) emitParticipantsChanged() {
	if s.opts.Events.OnParticipantsChanged != nil {
		s.opts.Events.OnParticipantsChanged()
	}
}

// --- speaker attribution and transcript ---

func (s *Session) handleSpeakerChanged(identity string) {
	if identity == s.currentSpeaker {
		return
	}
	s.currentSpeaker = identity
	if identity != "" {
		s.lastSpeaker = identity
	}
	s.registry.SetSpeaking(identity)
	if s.opts.Events.OnSpeakerChanged != nil {
		s.opts.Events.OnSpeakerChanged(identity)
	}
}

// speakerName resolves the display name of the attributed speaker. A
// turn arriving during a silent window is attributed to whoever spoke
// last; before anyone has, the neutral label is used.
func (s *Session) speakerName() string {
	identity := s.currentSpeaker
	if identity == "" {
		identity = s.lastSpeaker
	}
	if identity == "" {
		return "Meeting Participant"
	}
	if identity == s.opts.Identity {
		if s.opts.LocalName != "" {
			return s.opts.LocalName
		}
		return s.opts.Identity
	}
	if name, ok := s.speakerNames[identity]; ok && name != "" {
		return name
	}
	return identity
}

func (s *Session) handleTurn(ev TurnEvent) {
	if s.opts.Events.OnTurn != nil {
		s.opts.Events.OnTurn(ev)
	}
	if !ev.EndOfTurn {
		return
	}
	s.transcript.AddTurn(s.speakerName(), ev.Transcript, ev.Confidence, ev.Timestamp)
	if s.opts.Events.OnTranscriptUpdated != nil {
		s.opts.Events.OnTranscriptUpdated()
	}
}

// --- chat, reactions, hand raise ---

// SendChat broadcasts a chat message with an optional file attachment
// and records it in the local backlog.
func (s *Session) SendChat(text string, file *FileAttachment) error {
	var err error
	s.call(func() {
		if s.signaling == nil {
			err = ErrNotConnected
			return
		}
		var msg Message
		msg, err = s.signaling.SendChat(text, file)
		if err != nil {
			return
		}
		s.appendChat(msg)
		if s.opts.Events.OnChat != nil {
			s.opts.Events.OnChat(msg)
		}
	})
	return err
}

// SendReaction broadcasts an emoji reaction.
func (s *Session) SendReaction(emoji string) error {
	var err error
	s.call(func() {
		if s.signaling == nil {
			err = ErrNotConnected
			return
		}
		if _, err = s.signaling.SendReaction(emoji); err != nil {
			return
		}
		s.handleReaction(s.opts.Identity, emoji)
	})
	return err
}

// RaiseHand broadcasts the local hand-raise state.
func (s *Session) RaiseHand(raised bool) error {
	var err error
	s.call(func() {
		if s.signaling == nil {
			err = ErrNotConnected
			return
		}
		err = s.signaling.SendHandRaised(raised)
	})
	return err
}

// MuteAll asks every non-host participant to mute. Host only.
func (s *Session) MuteAll() error {
	if !s.opts.IsHost {
		return &Error{Code: "NOT_HOST", Message: "only the host can mute all participants"}
	}
	var err error
	s.call(func() {
		if s.signaling == nil {
			err = ErrNotConnected
			return
		}
		err = s.signaling.SendMuteAll()
	})
	return err
}

// Kick removes a participant from the meeting. Host only.
func (s *Session) Kick(identity string) error {
	if !s.opts.IsHost {
		return &Error{Code: "NOT_HOST", Message: "only the host can remove participants"}
	}
	var err error
	s.call(func() {
		if s.signaling == nil {
			err = ErrNotConnected
			return
		}
		err = s.signaling.SendKick(identity)
	})
	return err
}

// SetAudioEnabled mutes or unmutes the local microphone and announces
// the new state to peers.
func (s *Session) SetAudioEnabled(enabled bool) error {
	var err error
	s.call(func() {
		if s.state != StateConnected {
			err = ErrNotConnected
			return
		}
		if s.localAudio == nil {
			err = ErrDeviceNotFound
			return
		}
		s.localAudio.SetEnabled(enabled)
		if s.signaling != nil {
			err = s.signaling.SendAudioMuted(!enabled)
		}
	})
	return err
}

// SetVideoEnabled enables or disables the local camera and announces
// the new state to peers.
func (s *Session) SetVideoEnabled(enabled bool) error {
	var err error
	s.call(func() {
		if s.state != StateConnected {
			err = ErrNotConnected
			return
		}
		if s.localVideo == nil {
			err = ErrDeviceNotFound
			return
		}
		s.localVideo.SetEnabled(enabled)
		if s.signaling != nil {
			err = s.signaling.SendVideoDisabled(!enabled)
		}
	})
	return err
}

// ChatHistory returns a copy of the chat backlog in timestamp order.
func (s *Session) ChatHistory() []Message {
	var out []Message
	s.call(func() {
		out = make([]Message, len(s.chatLog))
		copy(out, s.chatLog)
	})
	return out
}

func (s *Session) handleChat(msg Message) {
	s.appendChat(msg)
	if s.opts.Events.OnChat != nil {
		s.opts.Events.OnChat(msg)
	}
}

func (s *Session) appendChat(msg Message) {
	s.chatLog = append(s.chatLog, msg)
	s.statsMu.Lock()
	s.stats.ChatMessages++
	s.statsMu.Unlock()
}

func (s *Session) handleReaction(identity, emoji string) {
	if s.opts.Events.OnReaction != nil {
		s.opts.Events.OnReaction(identity, emoji)
	}

	// A newer reaction restarts the participant's display window.
	if timer, ok := s.reactionTimers[identity]; ok {
		timer.Stop()
	}
	s.reactionTimers[identity] = time.AfterFunc(s.opts.ReactionTTL, func() {
		s.post(func() {
			delete(s.reactionTimers, identity)
			if s.opts.Events.OnReactionExpired != nil {
				s.opts.Events.OnReactionExpired(identity)
			}
		})
	})
}

func (s *Session) emitHandRaised(identity string, raised bool) {
	if s.opts.Events.OnHandRaised != nil {
		s.opts.Events.OnHandRaised(identity, raised)
	}
}

func (s *Session) handleMuteAll() {
	if s.localAudio == nil {
		return
	}
	s.localAudio.SetEnabled(false)
	if s.signaling != nil {
		if err := s.signaling.SendAudioMuted(true); err != nil {
			s.logger.Warn("failed to announce mute", "error", err)
		}
	}
}

func (s *Session) handleKick(by string) {
	s.logger.Info("removed from meeting by host", "by", by)
	if s.opts.Events.OnKicked != nil {
		s.opts.Events.OnKicked(by)
	}
	s.teardown(StateDisconnected)
}

func (s *Session) handleAudioMuted(identity string, muted bool) {
	s.registry.SetAudioEnabled(identity, !muted)
	s.emitParticipantsChanged()
}

func (s *Session) handleVideoDisabled(identity string, disabled bool) {
	s.registry.SetVideoEnabled(identity, !disabled)
	s.emitParticipantsChanged()
}

func (s *Session) handleHistoryRequest(identity string) {
	if s.signaling == nil || len(s.chatLog) == 0 {
		return
	}
	if err := s.signaling.SendHistory(s.chatLog); err != nil {
		s.logger.Warn("failed to send chat history", "to", identity, "error", err)
	}
}

// handleHistory merges a peer's backlog into the local one, dropping
// messages already present by ID and restoring timestamp order.
func (s *Session) handleHistory(msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	known := make(map[string]struct{}, len(s.chatLog))
	for _, m := range s.chatLog {
		known[m.ID] = struct{}{}
	}
	added := false
	for _, m := range msgs {
		if m.Type != MessageChat {
			continue
		}
		if _, dup := known[m.ID]; dup {
			continue
		}
		known[m.ID] = struct{}{}
		s.chatLog = append(s.chatLog, m)
		added = true
	}
	if !added {
		return
	}
	sort.SliceStable(s.chatLog, func(i, j int) bool {
		return s.chatLog[i].Timestamp < s.chatLog[j].Timestamp
	})
	if s.opts.Events.OnChat != nil {
		// Consumers re-render from ChatHistory after a merge.
		s.opts.Events.OnChat(Message{Type: MessageChatHistory})
	}
}

func (s *Session) emitTelemetry(sample TelemetrySample) {
	if s.opts.Events.OnTelemetry != nil {
		s.opts.Events.OnTelemetry(sample)
	}
}

// Analyze runs the configured analysis tasks over the transcript.
func (s *Session) Analyze(ctx context.Context, tasks []AnalysisTask) ([]AnalysisResult, error) {
	if s.opts.Analyzer == nil {
		return nil, &Error{Code: "NO_ANALYZER", Message: "no analyzer configured"}
	}
	return s.opts.Analyzer.Run(ctx, s.transcript.Export(), tasks)
}
