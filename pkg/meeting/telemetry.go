package meeting

import (
	"sync"
	"time"
)

// QualityLabel is the human-readable connection quality bucket.
type QualityLabel string

const (
	QualityUnknown   QualityLabel = "unknown"
	QualityPoor      QualityLabel = "poor"
	QualityFair      QualityLabel = "fair"
	QualityGood      QualityLabel = "good"
	QualityExcellent QualityLabel = "excellent"
)

// LabelForLevel maps the provider's 0-5 quality level to a label.
func LabelForLevel(level int) QualityLabel {
	switch {
	case level <= 0:
		return QualityUnknown
	case level == 1:
		return QualityPoor
	case level == 2:
		return QualityFair
	case level == 3:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// TelemetrySample is one point-in-time network reading. Estimated is
// true when the provider exposed only a quality level and the metric
// values are derived from it.
type TelemetrySample struct {
	Level       int
	Label       QualityLabel
	RTT         time.Duration
	Jitter      time.Duration
	PacketLoss  float64
	BitrateKbps int
	Estimated   bool
	Timestamp   time.Time
}

// TelemetryStats tracks monitor activity.
type TelemetryStats struct {
	SamplesTaken int64
	Estimated    int64
	LastSample   TelemetrySample
}

// telemetryHistorySize bounds the retained sample window.
const telemetryHistorySize = 150

// TelemetryOptions configures a TelemetryMonitor.
type TelemetryOptions struct {
	// Room supplies quality level and transport stats. Required.
	Room Room

	// Interval between samples. Default: 2s.
	Interval time.Duration

	// OnSample fires for every sample taken.
	OnSample func(sample TelemetrySample)

	Logger Logger
}

// TelemetryMonitor periodically samples connection quality from the
// transport. When the provider exposes real transport statistics they
// are reported directly; otherwise the monitor derives deterministic
// estimates from the quality level so consumers always see a full
// sample.
type TelemetryMonitor struct {
	room     Room
	interval time.Duration
	onSample func(sample TelemetrySample)
	logger   Logger

	mu      sync.RWMutex
	history []TelemetrySample

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	statsMu sync.RWMutex
	stats   TelemetryStats
}

// NewTelemetryMonitor creates a monitor. Call Start to begin sampling.
func NewTelemetryMonitor(opts TelemetryOptions) *TelemetryMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = NewDefaultLogger()
	}
	return &TelemetryMonitor{
		room:     opts.Room,
		interval: opts.Interval,
		onSample: opts.OnSample,
		logger:   opts.Logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (m *TelemetryMonitor) Start() {
	m.wg.Add(1)
	go m.sampleLoop()
}

// Stop halts sampling and emits one final zero-level sample so consumers'
// last-seen quality returns to Unknown instead of freezing at the
// pre-disconnect reading.
func (m *TelemetryMonitor) Stop() {
	first := false
	m.stopped.Do(func() {
		close(m.stopCh)
		first = true
	})
	m.wg.Wait()
	if !first {
		return
	}

	reset := TelemetrySample{Label: QualityUnknown, Timestamp: time.Now()}
	m.statsMu.Lock()
	m.stats.LastSample = reset
	m.statsMu.Unlock()
	if m.onSample != nil {
		m.onSample(reset)
	}
}

// Sample takes one reading immediately.
func (m *TelemetryMonitor) Sample() TelemetrySample {
	level := m.room.QualityLevel()
	sample := TelemetrySample{
		Level:     level,
		Label:     LabelForLevel(level),
		Timestamp: time.Now(),
	}

	if stats, ok := m.room.Stats(); ok {
		sample.RTT = stats.RTT
		sample.Jitter = stats.Jitter
		sample.PacketLoss = stats.PacketLoss
		sample.BitrateKbps = stats.BitrateKbps
	} else {
		est := estimateForLevel(level)
		sample.RTT = est.RTT
		sample.Jitter = est.Jitter
		sample.PacketLoss = est.PacketLoss
		sample.BitrateKbps = est.BitrateKbps
		sample.Estimated = true
	}

	m.mu.Lock()
	m.history = append(m.history, sample)
	if len(m.history) > telemetryHistorySize {
		m.history = m.history[1:]
	}
	m.mu.Unlock()

	m.statsMu.Lock()
	m.stats.SamplesTaken++
	if sample.Estimated {
		m.stats.Estimated++
	}
	m.stats.LastSample = sample
	m.statsMu.Unlock()

	if m.onSample != nil {
		m.onSample(sample)
	}
	return sample
}

// History returns a copy of the retained sample window.
func (m *TelemetryMonitor) History() []TelemetrySample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TelemetrySample, len(m.history))
	copy(out, m.history)
	return out
}

// GetStats returns a copy of the monitor counters.
func (m *TelemetryMonitor) GetStats() TelemetryStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.stats
}

func (m *TelemetryMonitor) sampleLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// estimateForLevel derives representative transport metrics from a bare
// quality level. Values are fixed per level so repeated samples at the
// same level compare equal.
func estimateForLevel(level int) TransportStats {
	switch {
	case level >= 5:
		return TransportStats{RTT: 40 * time.Millisecond, Jitter: 5 * time.Millisecond, PacketLoss: 0.001, BitrateKbps: 2500}
	case level == 4:
		return TransportStats{RTT: 80 * time.Millisecond, Jitter: 10 * time.Millisecond, PacketLoss: 0.005, BitrateKbps: 1500}
	case level == 3:
		return TransportStats{RTT: 150 * time.Millisecond, Jitter: 20 * time.Millisecond, PacketLoss: 0.02, BitrateKbps: 800}
	case level == 2:
		return TransportStats{RTT: 300 * time.Millisecond, Jitter: 40 * time.Millisecond, PacketLoss: 0.05, BitrateKbps: 400}
	case level == 1:
		return TransportStats{RTT: 500 * time.Millisecond, Jitter: 80 * time.Millisecond, PacketLoss: 0.12, BitrateKbps: 150}
	default:
		return TransportStats{}
	}
}
