package meeting

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// MessageType identifies a signaling message carried on the data channel.
type MessageType string

const (
	MessageChat               MessageType = "chatMessage"
	MessageReaction           MessageType = "reaction"
	MessageHandRaised         MessageType = "handRaised"
	MessageMuteAll            MessageType = "muteAll"
	MessageKick               MessageType = "kick"
	MessageAudioMuted         MessageType = "audioMuted"
	MessageVideoDisabled      MessageType = "videoDisabled"
	MessageRequestChatHistory MessageType = "requestChatHistory"
	MessageChatHistory        MessageType = "chatHistory"
)

// MaxSignalPayload is the size ceiling for a single encoded signaling
// payload on the data channel, in bytes.
const MaxSignalPayload = 80000

// MaxFileSize is the cap on a raw file attachment before base64 encoding.
const MaxFileSize = 50 * 1024

// FileAttachment is an inline file carried in a chat message. Data is
// the base64 encoding of the raw file bytes.
type FileAttachment struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	MimeType string `json:"type"`
	Data     string `json:"data"`
}

// Message is the wire format of all signaling messages. Fields not used
// by a given type are omitted from the encoding.
type Message struct {
	Type       MessageType `json:"type"`
	ID         string      `json:"id,omitempty"`
	Sender     string      `json:"sender,omitempty"`
	SenderName string      `json:"senderName,omitempty"`
	Timestamp  int64       `json:"timestamp,omitempty"` // unix milliseconds

	// Chat fields.
	Text string          `json:"text,omitempty"`
	File *FileAttachment `json:"fileData,omitempty"`

	// Reaction emoji.
	Emoji string `json:"emoji,omitempty"`

	// Hand raise state.
	Raised bool `json:"raised,omitempty"`

	// Microphone/camera state announcements.
	Muted    *bool `json:"muted,omitempty"`
	Disabled *bool `json:"disabled,omitempty"`

	// Kick target identity.
	Target string `json:"target,omitempty"`

	// Chat backlog carried by chatHistory replies.
	History []Message `json:"history,omitempty"`
}

// SignalingHandlers receives decoded inbound messages. Nil handlers are
// ignored. Handlers run on the caller's goroutine.
type SignalingHandlers struct {
	OnChat           func(msg Message)
	OnReaction       func(msg Message)
	OnHandRaised     func(msg Message)
	OnMuteAll        func(msg Message)
	OnKick           func(msg Message)
	OnAudioMuted     func(identity string, muted bool)
	OnVideoDisabled  func(identity string, disabled bool)
	OnHistoryRequest func(identity string)
	OnHistory        func(msgs []Message)
}

// SignalingStats tracks codec activity.
type SignalingStats struct {
	MessagesSent     int64
	MessagesReceived int64
	Duplicates       int64
	Oversized        int64
	RateLimited      int64
	DecodeErrors     int64
}

// dedupWindow bounds the remembered message IDs.
const dedupWindow = 512

// Signaling encodes outbound and decodes inbound data channel messages.
//
// Key features:
//   - Stable message IDs with a bounded de-duplication window
//   - Outbound payload size enforcement against the data channel ceiling
//   - Token-bucket rate limiting of outbound sends
//   - Host rules: hosts ignore inbound muteAll; kick applies only when
//     the local identity is the target
type Signaling struct {
	localIdentity string
	localName     string
	isHost        bool
	send          func(payload []byte) error
	handlers      SignalingHandlers
	limiter       *rate.Limiter
	logger        Logger

	mu          sync.Mutex
	seen        map[string]struct{}
	seenOrder   []string
	recentChats map[string]time.Time

	statsMu sync.RWMutex
	stats   SignalingStats
}

// SignalingOptions configures a Signaling codec.
type SignalingOptions struct {
	LocalIdentity string
	LocalName     string
	IsHost        bool

	// Send transmits an encoded payload on the data channel. Required.
	Send func(payload []byte) error

	Handlers SignalingHandlers

	// SendRate limits outbound messages per second. Default: 20, burst 40.
	SendRate  float64
	SendBurst int

	Logger Logger
}

// NewSignaling creates a signaling codec.
func NewSignaling(opts SignalingOptions) *Signaling {
	if opts.SendRate <= 0 {
		opts.SendRate = 20
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 40
	}
	if opts.Logger == nil {
		opts.Logger = NewDefaultLogger()
	}
	return &Signaling{
		localIdentity: opts.LocalIdentity,
		localName:     opts.LocalName,
		isHost:        opts.IsHost,
		send:          opts.Send,
		handlers:      opts.Handlers,
		limiter:       rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst),
		logger:        opts.Logger,
		seen:          make(map[string]struct{}),
		recentChats:   make(map[string]time.Time),
	}
}

// SendChat broadcasts a chat message, optionally with a file attachment.
func (s *Signaling) SendChat(text string, file *FileAttachment) (Message, error) {
	msg := s.newMessage(MessageChat)
	msg.Text = text
	msg.File = file
	return msg, s.sendMessage(msg)
}

// SendReaction broadcasts an emoji reaction.
func (s *Signaling) SendReaction(emoji string) (Message, error) {
	msg := s.newMessage(MessageReaction)
	msg.Emoji = emoji
	return msg, s.sendMessage(msg)
}

// SendHandRaised broadcasts the local hand-raise state.
func (s *Signaling) SendHandRaised(raised bool) error {
	msg := s.newMessage(MessageHandRaised)
	msg.Raised = raised
	return s.sendMessage(msg)
}

// SendMuteAll asks all non-host participants to mute their microphones.
func (s *Signaling) SendMuteAll() error {
	return s.sendMessage(s.newMessage(MessageMuteAll))
}

// SendKick asks the targeted participant to leave the meeting.
func (s *Signaling) SendKick(target string) error {
	msg := s.newMessage(MessageKick)
	msg.Target = target
	return s.sendMessage(msg)
}

// SendAudioMuted announces the local microphone state.
func (s *Signaling) SendAudioMuted(muted bool) error {
	msg := s.newMessage(MessageAudioMuted)
	msg.Muted = &muted
	return s.sendMessage(msg)
}

// SendVideoDisabled announces the local camera state.
func (s *Signaling) SendVideoDisabled(disabled bool) error {
	msg := s.newMessage(MessageVideoDisabled)
	msg.Disabled = &disabled
	return s.sendMessage(msg)
}

// SendHistoryRequest asks peers for their chat backlog.
func (s *Signaling) SendHistoryRequest() error {
	return s.sendMessage(s.newMessage(MessageRequestChatHistory))
}

// SendHistory replies with the local chat backlog.
func (s *Signaling) SendHistory(history []Message) error {
	msg := s.newMessage(MessageChatHistory)
	msg.History = history
	return s.sendMessage(msg)
}

// AttachFile builds a file attachment from raw bytes, enforcing the raw
// size cap before base64 expansion.
func AttachFile(name, mimeType string, raw []byte) (*FileAttachment, error) {
	if len(raw) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return &FileAttachment{
		Name:     name,
		Size:     len(raw),
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// Receive decodes an inbound payload from the given participant and
// dispatches it to the handlers. Duplicate, malformed, and
// locally-originated payloads are dropped.
func (s *Signaling) Receive(identity string, payload []byte) {
	if identity == s.localIdentity {
		return
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.bumpStat(func(st *SignalingStats) { st.DecodeErrors++ })
		s.logger.Warn("dropping malformed signaling payload", "from", identity, "error", err)
		return
	}
	if msg.Sender == "" {
		msg.Sender = identity
	}

	if msg.ID != "" && !s.markSeen(msg.ID) {
		s.bumpStat(func(st *SignalingStats) { st.Duplicates++ })
		return
	}
	s.bumpStat(func(st *SignalingStats) { st.MessagesReceived++ })

	switch msg.Type {
	case MessageChat:
		// Chat is also de-duped by content: a retransmit under a fresh
		// ID from the same sender within a second is the same message.
		if s.isRecentChat(msg.Sender, msg.Text) {
			s.bumpStat(func(st *SignalingStats) { st.Duplicates++ })
			return
		}
		if s.handlers.OnChat != nil {
			s.handlers.OnChat(msg)
		}
	case MessageReaction:
		if s.handlers.OnReaction != nil {
			s.handlers.OnReaction(msg)
		}
	case MessageHandRaised:
		if s.handlers.OnHandRaised != nil {
			s.handlers.OnHandRaised(msg)
		}
	case MessageMuteAll:
		// Hosts issue muteAll; they never honor one.
		if s.isHost {
			return
		}
		if s.handlers.OnMuteAll != nil {
			s.handlers.OnMuteAll(msg)
		}
	case MessageKick:
		if msg.Target != s.localIdentity {
			return
		}
		if s.handlers.OnKick != nil {
			s.handlers.OnKick(msg)
		}
	case MessageAudioMuted:
		if msg.Muted != nil && s.handlers.OnAudioMuted != nil {
			s.handlers.OnAudioMuted(msg.Sender, *msg.Muted)
		}
	case MessageVideoDisabled:
		if msg.Disabled != nil && s.handlers.OnVideoDisabled != nil {
			s.handlers.OnVideoDisabled(msg.Sender, *msg.Disabled)
		}
	case MessageRequestChatHistory:
		if s.handlers.OnHistoryRequest != nil {
			s.handlers.OnHistoryRequest(msg.Sender)
		}
	case MessageChatHistory:
		if s.handlers.OnHistory != nil {
			s.handlers.OnHistory(msg.History)
		}
	default:
		s.logger.Debug("ignoring unknown signaling type", "type", msg.Type, "from", identity)
	}
}

// GetStats returns a copy of the codec counters.
func (s *Signaling) GetStats() SignalingStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

func (s *Signaling) newMessage(t MessageType) Message {
	return Message{
		Type:       t,
		ID:         uuid.NewString(),
		Sender:     s.localIdentity,
		SenderName: s.localName,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func (s *Signaling) sendMessage(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxSignalPayload {
		s.bumpStat(func(st *SignalingStats) { st.Oversized++ })
		return ErrPayloadTooLarge
	}
	if !s.limiter.Allow() {
		s.bumpStat(func(st *SignalingStats) { st.RateLimited++ })
		return &Error{Code: "RATE_LIMITED", Message: "signaling send rate exceeded"}
	}
	// Own IDs are remembered so a looped-back broadcast is ignored.
	s.markSeen(msg.ID)
	if err := s.send(payload); err != nil {
		return err
	}
	s.bumpStat(func(st *SignalingStats) { st.MessagesSent++ })
	return nil
}

// markSeen records an ID in the dedup window. Returns false if the ID
// was already present.
func (s *Signaling) markSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > dedupWindow {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
	}
	return true
}

// recentChatWindow is how long a (sender, text) pair shadows
// retransmits arriving under a different message ID.
const recentChatWindow = time.Second

// isRecentChat reports whether the same sender delivered the same text
// within the window, recording the pair either way.
func (s *Signaling) isRecentChat(sender, text string) bool {
	key := sender + "\x00" + text
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.recentChats {
		if now.Sub(at) > recentChatWindow {
			delete(s.recentChats, k)
		}
	}
	if at, ok := s.recentChats[key]; ok && now.Sub(at) <= recentChatWindow {
		return true
	}
	s.recentChats[key] = now
	return false
}

func (s *Signaling) bumpStat(fn func(*SignalingStats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}
