package meeting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelForLevel(t *testing.T) {
	assert.Equal(t, QualityUnknown, LabelForLevel(0))
	assert.Equal(t, QualityUnknown, LabelForLevel(-1))
	assert.Equal(t, QualityPoor, LabelForLevel(1))
	assert.Equal(t, QualityFair, LabelForLevel(2))
	assert.Equal(t, QualityGood, LabelForLevel(3))
	assert.Equal(t, QualityExcellent, LabelForLevel(4))
	assert.Equal(t, QualityExcellent, LabelForLevel(5))
}

func TestTelemetrySampleWithProviderStats(t *testing.T) {
	room := &fakeRoom{
		quality: 3,
		stats: &TransportStats{
			RTT:         120 * time.Millisecond,
			Jitter:      8 * time.Millisecond,
			PacketLoss:  0.01,
			BitrateKbps: 900,
		},
	}
	m := NewTelemetryMonitor(TelemetryOptions{Room: room})

	sample := m.Sample()
	assert.Equal(t, 3, sample.Level)
	assert.Equal(t, QualityGood, sample.Label)
	assert.Equal(t, 120*time.Millisecond, sample.RTT)
	assert.False(t, sample.Estimated)
}

func TestTelemetrySampleEstimates(t *testing.T) {
	room := &fakeRoom{quality: 4}
	m := NewTelemetryMonitor(TelemetryOptions{Room: room})

	first := m.Sample()
	second := m.Sample()

	assert.True(t, first.Estimated)
	assert.Equal(t, QualityExcellent, first.Label)
	assert.NotZero(t, first.RTT)
	assert.NotZero(t, first.BitrateKbps)

	// Estimates are a pure function of the level.
	assert.Equal(t, first.RTT, second.RTT)
	assert.Equal(t, first.PacketLoss, second.PacketLoss)

	// Worse levels estimate worse metrics.
	room.quality = 1
	poor := m.Sample()
	assert.Greater(t, poor.RTT, first.RTT)
	assert.Greater(t, poor.PacketLoss, first.PacketLoss)
	assert.Less(t, poor.BitrateKbps, first.BitrateKbps)

	// Level zero yields an empty estimate.
	room.quality = 0
	unknown := m.Sample()
	assert.Zero(t, unknown.RTT)
	assert.Equal(t, QualityUnknown, unknown.Label)
}

func TestTelemetryMonitorLoop(t *testing.T) {
	room := &fakeRoom{quality: 5}
	var samples []TelemetrySample
	done := make(chan struct{})

	m := NewTelemetryMonitor(TelemetryOptions{
		Room:     room,
		Interval: 10 * time.Millisecond,
		OnSample: func(s TelemetrySample) {
			samples = append(samples, s)
			if len(samples) == 3 {
				close(done)
			}
		},
	})
	m.Start()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for samples")
	}
	m.Stop()

	require.GreaterOrEqual(t, len(m.History()), 3)
	stats := m.GetStats()
	assert.GreaterOrEqual(t, stats.SamplesTaken, int64(3))
	assert.Equal(t, stats.SamplesTaken, stats.Estimated)

	// Stop resets the last-seen quality to Unknown.
	last := samples[len(samples)-1]
	assert.Equal(t, QualityUnknown, last.Label)
	assert.Zero(t, last.Level)
	assert.Equal(t, last, stats.LastSample)

	m.Stop()
	assert.Equal(t, last, samples[len(samples)-1], "a repeated stop emits nothing")
}

func TestTelemetryHistoryBounded(t *testing.T) {
	room := &fakeRoom{quality: 2}
	m := NewTelemetryMonitor(TelemetryOptions{Room: room})

	for i := 0; i < telemetryHistorySize+20; i++ {
		m.Sample()
	}
	assert.Len(t, m.History(), telemetryHistorySize)
}
