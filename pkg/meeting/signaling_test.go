package meeting

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSignaling(t *testing.T, isHost bool, handlers SignalingHandlers) (*Signaling, *[][]byte) {
	t.Helper()
	var sent [][]byte
	s := NewSignaling(SignalingOptions{
		LocalIdentity: "me",
		LocalName:     "Me",
		IsHost:        isHost,
		Handlers:      handlers,
		Send: func(payload []byte) error {
			sent = append(sent, payload)
			return nil
		},
	})
	return s, &sent
}

func TestSignalingChatRoundTrip(t *testing.T) {
	var received []Message
	rx, _ := newTestSignaling(t, false, SignalingHandlers{
		OnChat: func(msg Message) { received = append(received, msg) },
	})
	tx, sent := newTestSignaling(t, false, SignalingHandlers{})

	msg, err := tx.SendChat("hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "me", msg.Sender)
	assert.Equal(t, "Me", msg.SenderName)
	assert.NotEmpty(t, msg.ID)
	require.Len(t, *sent, 1)

	rx.Receive("peer", (*sent)[0])
	require.Len(t, received, 1)
	assert.Equal(t, "hello", received[0].Text)
	assert.Equal(t, msg.ID, received[0].ID)
}

// paddedChatSize builds a chat text so the encoded payload is exactly
// target bytes long.
func paddedChat(t *testing.T, s *Signaling, target int) Message {
	t.Helper()
	msg := s.newMessage(MessageChat)
	msg.Text = "x"
	base, err := json.Marshal(msg)
	require.NoError(t, err)
	msg.Text = strings.Repeat("x", target-len(base)+1)
	encoded, err := json.Marshal(msg)
	require.NoError(t, err)
	require.Equal(t, target, len(encoded))
	return msg
}

func TestSignalingPayloadCeiling(t *testing.T) {
	s, sent := newTestSignaling(t, false, SignalingHandlers{})

	// A payload exactly at the ceiling goes out.
	at := paddedChat(t, s, MaxSignalPayload)
	require.NoError(t, s.sendMessage(at))
	assert.Len(t, *sent, 1)

	// One byte over is rejected.
	over := paddedChat(t, s, MaxSignalPayload+1)
	err := s.sendMessage(over)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Len(t, *sent, 1)

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats.Oversized)
}

func TestAttachFileSizeCap(t *testing.T) {
	raw := make([]byte, MaxFileSize)
	file, err := AttachFile("notes.pdf", "application/pdf", raw)
	require.NoError(t, err)
	assert.Equal(t, "notes.pdf", file.Name)
	assert.Equal(t, MaxFileSize, file.Size)
	assert.NotEmpty(t, file.Data)

	_, err = AttachFile("big.pdf", "application/pdf", make([]byte, MaxFileSize+1))
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestSignalingDeduplicates(t *testing.T) {
	var count int
	s, _ := newTestSignaling(t, false, SignalingHandlers{
		OnChat: func(Message) { count++ },
	})

	payload, _ := json.Marshal(Message{Type: MessageChat, ID: "dup-1", Sender: "peer", Text: "hi"})
	s.Receive("peer", payload)
	s.Receive("peer", payload)

	assert.Equal(t, 1, count)
	assert.Equal(t, int64(1), s.GetStats().Duplicates)
}

func TestSignalingDeduplicatesByContent(t *testing.T) {
	var count int
	s, _ := newTestSignaling(t, false, SignalingHandlers{
		OnChat: func(Message) { count++ },
	})

	// A retransmit under a fresh ID from the same sender is dropped.
	first, _ := json.Marshal(Message{Type: MessageChat, ID: "m-1", Sender: "peer", Text: "hi"})
	second, _ := json.Marshal(Message{Type: MessageChat, ID: "m-2", Sender: "peer", Text: "hi"})
	s.Receive("peer", first)
	s.Receive("peer", second)

	assert.Equal(t, 1, count)
	assert.Equal(t, int64(1), s.GetStats().Duplicates)

	// The same text from a different sender is a separate message.
	other, _ := json.Marshal(Message{Type: MessageChat, ID: "m-3", Sender: "other", Text: "hi"})
	s.Receive("other", other)
	assert.Equal(t, 2, count)
}

func TestSignalingIgnoresOwnLoopback(t *testing.T) {
	var count int
	s, sent := newTestSignaling(t, false, SignalingHandlers{
		OnChat: func(Message) { count++ },
	})

	_, err := s.SendChat("hello", nil)
	require.NoError(t, err)

	// The provider loops the broadcast back under the local identity.
	s.Receive("me", (*sent)[0])
	assert.Equal(t, 0, count)

	// A relay under another identity is still suppressed by the ID.
	s.Receive("relay", (*sent)[0])
	assert.Equal(t, 0, count)
}

func TestSignalingHostIgnoresMuteAll(t *testing.T) {
	var muted bool
	host, _ := newTestSignaling(t, true, SignalingHandlers{
		OnMuteAll: func(Message) { muted = true },
	})
	guest, _ := newTestSignaling(t, false, SignalingHandlers{
		OnMuteAll: func(Message) { muted = true },
	})

	payload, _ := json.Marshal(Message{Type: MessageMuteAll, ID: "m1", Sender: "host"})
	host.Receive("host", payload)
	assert.False(t, muted, "hosts never honor muteAll")

	guest.Receive("host", payload)
	assert.True(t, muted)
}

func TestSignalingKickOnlyForTarget(t *testing.T) {
	var kicked bool
	s, _ := newTestSignaling(t, false, SignalingHandlers{
		OnKick: func(Message) { kicked = true },
	})

	other, _ := json.Marshal(Message{Type: MessageKick, ID: "k1", Sender: "host", Target: "bob"})
	s.Receive("host", other)
	assert.False(t, kicked)

	mine, _ := json.Marshal(Message{Type: MessageKick, ID: "k2", Sender: "host", Target: "me"})
	s.Receive("host", mine)
	assert.True(t, kicked)
}

func TestSignalingMediaStateAnnouncements(t *testing.T) {
	type state struct {
		identity string
		flag     bool
	}
	var audio, video []state
	s, _ := newTestSignaling(t, false, SignalingHandlers{
		OnAudioMuted:    func(id string, m bool) { audio = append(audio, state{id, m}) },
		OnVideoDisabled: func(id string, d bool) { video = append(video, state{id, d}) },
	})

	muted := true
	payload, _ := json.Marshal(Message{Type: MessageAudioMuted, ID: "a1", Sender: "alice", Muted: &muted})
	s.Receive("alice", payload)
	require.Len(t, audio, 1)
	assert.Equal(t, state{"alice", true}, audio[0])

	disabled := false
	payload, _ = json.Marshal(Message{Type: MessageVideoDisabled, ID: "v1", Sender: "alice", Disabled: &disabled})
	s.Receive("alice", payload)
	require.Len(t, video, 1)
	assert.Equal(t, state{"alice", false}, video[0])
}

func TestSignalingHistoryExchange(t *testing.T) {
	var requests []string
	var history []Message
	s, sent := newTestSignaling(t, false, SignalingHandlers{
		OnHistoryRequest: func(id string) { requests = append(requests, id) },
		OnHistory:        func(msgs []Message) { history = msgs },
	})

	req, _ := json.Marshal(Message{Type: MessageRequestChatHistory, ID: "r1", Sender: "alice"})
	s.Receive("alice", req)
	assert.Equal(t, []string{"alice"}, requests)

	backlog := []Message{{Type: MessageChat, ID: "c1", Sender: "alice", Text: "old"}}
	require.NoError(t, s.SendHistory(backlog))
	require.Len(t, *sent, 1)

	reply, _ := json.Marshal(Message{Type: MessageChatHistory, ID: "h1", Sender: "alice", History: backlog})
	s.Receive("alice", reply)
	require.Len(t, history, 1)
	assert.Equal(t, "old", history[0].Text)
}

func TestSignalingMalformedPayload(t *testing.T) {
	s, _ := newTestSignaling(t, false, SignalingHandlers{})
	s.Receive("peer", []byte("{not json"))
	assert.Equal(t, int64(1), s.GetStats().DecodeErrors)
}

func TestSignalingRateLimit(t *testing.T) {
	var sent [][]byte
	s := NewSignaling(SignalingOptions{
		LocalIdentity: "me",
		SendRate:      1,
		SendBurst:     2,
		Send: func(payload []byte) error {
			sent = append(sent, payload)
			return nil
		},
	})

	require.NoError(t, s.SendHandRaised(true))
	require.NoError(t, s.SendHandRaised(false))

	err := s.SendHandRaised(true)
	require.Error(t, err)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "RATE_LIMITED", typed.Code)
	assert.Len(t, sent, 2)
}
