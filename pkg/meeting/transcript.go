package meeting

import (
	"strings"
	"sync"
	"time"
)

// Segment is one attributed turn of speech in the transcript.
type Segment struct {
	Speaker    string
	Text       string
	Confidence float64
	Start      time.Time
	End        time.Time
}

// TranscriptStats tracks transcript activity.
type TranscriptStats struct {
	TurnsAdded   int64
	TurnsMerged  int64
	TotalRunes   int64
	LastActivity time.Time
}

// Transcript accumulates finalized recognition turns attributed to
// speakers. Consecutive turns from the same speaker are merged into a
// single segment: text is appended and the confidence is averaged
// pairwise with each merge, weighting recent turns more heavily.
type Transcript struct {
	mu       sync.RWMutex
	segments []Segment

	statsMu sync.RWMutex
	stats   TranscriptStats
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// AddTurn appends a finalized turn. Empty text is ignored. now is the
// wall-clock completion time of the turn.
func (t *Transcript) AddTurn(speaker, text string, confidence float64, now time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	merged := false
	t.mu.Lock()
	if n := len(t.segments); n > 0 && t.segments[n-1].Speaker == speaker {
		seg := &t.segments[n-1]
		seg.Text = seg.Text + " " + text
		seg.Confidence = (seg.Confidence + confidence) / 2
		seg.End = now
		merged = true
	} else {
		t.segments = append(t.segments, Segment{
			Speaker:    speaker,
			Text:       text,
			Confidence: confidence,
			Start:      now,
			End:        now,
		})
	}
	t.mu.Unlock()

	t.statsMu.Lock()
	t.stats.TurnsAdded++
	if merged {
		t.stats.TurnsMerged++
	}
	t.stats.TotalRunes += int64(len([]rune(text)))
	t.stats.LastActivity = now
	t.statsMu.Unlock()
}

// Segments returns a copy of the merged segments.
func (t *Transcript) Segments() []Segment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Len returns the number of merged segments.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.segments)
}

// Export renders the transcript with one line per segment in the form
//
//	[HH:MM:SS] speaker: text
//
// using each segment's start time.
func (t *Transcript) Export() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var b strings.Builder
	for _, seg := range t.segments {
		b.WriteString("[")
		b.WriteString(seg.Start.Format("15:04:05"))
		b.WriteString("] ")
		b.WriteString(seg.Speaker)
		b.WriteString(": ")
		b.WriteString(seg.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// Clear discards all segments.
func (t *Transcript) Clear() {
	t.mu.Lock()
	t.segments = nil
	t.mu.Unlock()
}

// GetStats returns a copy of the transcript counters.
func (t *Transcript) GetStats() TranscriptStats {
	t.statsMu.RLock()
	defer t.statsMu.RUnlock()
	return t.stats
}
