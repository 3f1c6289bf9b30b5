package meeting

import (
	"math"
	"sync"
	"time"
)

const (
	// MixerSampleRate is the PCM rate of all mixer inputs and output.
	MixerSampleRate = 16000

	// mixerFrameSize is samples per mixed frame (50 ms at 16 kHz).
	mixerFrameSize = 800

	// mixerFrameInterval is the cadence of the mix loop.
	mixerFrameInterval = 50 * time.Millisecond

	// speakingThreshold is the minimum mean byte-scale energy for an
	// input to be attributed as the active speaker.
	speakingThreshold = 30.0

	// inputBufferFrames bounds the per-input backlog before old frames
	// are dropped.
	inputBufferFrames = 8
)

// PCMReader supplies 16 kHz mono float32 frames. RemoteAudioTrack
// satisfies it, as do local microphone captures.
type PCMReader interface {
	ReadPCM() ([]float32, error)
}

// MixerStats tracks mixing activity.
type MixerStats struct {
	FramesMixed   int64
	FramesDropped int64
	InputsAdded   int64
	InputsRemoved int64
	ActiveInputs  int
	LastSpeaker   string
}

type mixerInput struct {
	identity string

	mu      sync.Mutex
	pending []float32
	closed  bool

	stop chan struct{}
}

// Mixer sums participant audio into one 16 kHz mono stream and
// attributes an active speaker per frame by comparing per-input signal
// energy on the same byte scale a frequency analyser reports. The
// attribution is a best-effort energy heuristic, not diarization: two
// people talking over each other resolve to whoever is louder.
//
// Key features:
//   - Dynamic input add/remove while running
//   - Per-input reader goroutines with bounded backlog
//   - Speaker attribution: highest mean energy above a fixed threshold
//   - Little-endian int16 output frames for the recognition stream
type Mixer struct {
	mu     sync.Mutex
	inputs map[string]*mixerInput

	onFrame   func(pcm []byte)
	onSpeaker func(identity string)

	lastSpeaker string

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	statsMu sync.RWMutex
	stats   MixerStats

	logger Logger
}

// MixerOptions configures a Mixer.
type MixerOptions struct {
	// OnFrame receives each mixed frame as little-endian int16 PCM.
	OnFrame func(pcm []byte)

	// OnSpeaker fires when the attributed speaker changes. The empty
	// identity means no input is above the speaking threshold.
	OnSpeaker func(identity string)

	Logger Logger
}

// NewMixer creates a mixer. Call Start to begin mixing.
func NewMixer(opts MixerOptions) *Mixer {
	if opts.Logger == nil {
		opts.Logger = NewDefaultLogger()
	}
	return &Mixer{
		inputs:    make(map[string]*mixerInput),
		onFrame:   opts.OnFrame,
		onSpeaker: opts.OnSpeaker,
		stopCh:    make(chan struct{}),
		logger:    opts.Logger,
	}
}

// Start launches the mix loop.
func (m *Mixer) Start() {
	m.wg.Add(1)
	go m.mixLoop()
}

// Stop halts mixing and all input readers.
func (m *Mixer) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	for id, in := range m.inputs {
		close(in.stop)
		delete(m.inputs, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// AddInput attaches a PCM source keyed by track ID and attributed to the
// given participant identity. Replaces any existing input with the same
// track ID.
func (m *Mixer) AddInput(trackID, identity string, src PCMReader) {
	in := &mixerInput{
		identity: identity,
		stop:     make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.inputs[trackID]; ok {
		close(old.stop)
	}
	m.inputs[trackID] = in
	active := len(m.inputs)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(in, src)

	m.statsMu.Lock()
	m.stats.InputsAdded++
	m.stats.ActiveInputs = active
	m.statsMu.Unlock()

	m.logger.Debug("mixer input added", "trackID", trackID, "identity", identity)
}

// RemoveInput detaches a PCM source. Unknown track IDs are ignored.
func (m *Mixer) RemoveInput(trackID string) {
	m.mu.Lock()
	in, ok := m.inputs[trackID]
	if ok {
		close(in.stop)
		delete(m.inputs, trackID)
	}
	active := len(m.inputs)
	m.mu.Unlock()

	if !ok {
		return
	}

	m.statsMu.Lock()
	m.stats.InputsRemoved++
	m.stats.ActiveInputs = active
	m.statsMu.Unlock()
}

// GetStats returns a copy of the mixer counters.
func (m *Mixer) GetStats() MixerStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.stats
}

func (m *Mixer) readLoop(in *mixerInput, src PCMReader) {
	defer m.wg.Done()
	for {
		select {
		case <-in.stop:
			return
		case <-m.stopCh:
			return
		default:
		}

		frame, err := src.ReadPCM()
		if err != nil {
			in.mu.Lock()
			in.closed = true
			in.mu.Unlock()
			return
		}

		in.mu.Lock()
		in.pending = append(in.pending, frame...)
		if max := inputBufferFrames * mixerFrameSize; len(in.pending) > max {
			dropped := len(in.pending) - max
			in.pending = in.pending[dropped:]
			in.mu.Unlock()
			m.statsMu.Lock()
			m.stats.FramesDropped++
			m.statsMu.Unlock()
			continue
		}
		in.mu.Unlock()
	}
}

func (m *Mixer) mixLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(mixerFrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mixFrame()
		}
	}
}

func (m *Mixer) mixFrame() {
	pruned := 0
	m.mu.Lock()
	inputs := make(map[string]*mixerInput, len(m.inputs))
	for id, in := range m.inputs {
		// An input whose source ended is kept until its backlog drains,
		// then dropped so ActiveInputs stays accurate.
		if in.done() {
			close(in.stop)
			delete(m.inputs, id)
			pruned++
			continue
		}
		inputs[id] = in
	}
	active := len(m.inputs)
	m.mu.Unlock()

	if pruned > 0 {
		m.statsMu.Lock()
		m.stats.InputsRemoved += int64(pruned)
		m.stats.ActiveInputs = active
		m.statsMu.Unlock()
	}

	mixed := make([]float32, mixerFrameSize)
	speaker := ""
	best := speakingThreshold

	for _, in := range inputs {
		frame := in.take(mixerFrameSize)
		if frame == nil {
			continue
		}
		for i, s := range frame {
			mixed[i] += s
		}
		if e := frameEnergy(frame); e > best {
			best = e
			speaker = in.identity
		}
	}

	if m.onFrame != nil {
		m.onFrame(pcmToBytes(mixed))
	}

	if speaker != m.lastSpeaker {
		m.lastSpeaker = speaker
		m.statsMu.Lock()
		m.stats.LastSpeaker = speaker
		m.statsMu.Unlock()
		if m.onSpeaker != nil {
			m.onSpeaker(speaker)
		}
	}

	m.statsMu.Lock()
	m.stats.FramesMixed++
	m.statsMu.Unlock()
}

// done reports whether the input's source ended and its backlog is
// fully drained.
func (in *mixerInput) done() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed && len(in.pending) == 0
}

// take pops up to n samples, zero-padding a short tail. Returns nil when
// no samples are pending.
func (in *mixerInput) take(n int) []float32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.pending) == 0 {
		return nil
	}
	frame := make([]float32, n)
	copied := copy(frame, in.pending)
	in.pending = in.pending[copied:]
	return frame
}

// frameEnergy maps a frame's mean signal power onto the 0-255 byte scale
// a frequency analyser reports: power in dB over the [-100, -30] dB
// window, scaled linearly to the byte range.
func frameEnergy(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var power float64
	for _, s := range frame {
		power += float64(s) * float64(s)
	}
	power /= float64(len(frame))
	if power <= 0 {
		return 0
	}
	db := 10 * math.Log10(power)
	scaled := 255 * (db + 100) / 70
	if scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}
	return scaled
}

// pcmToBytes converts float32 samples to little-endian int16, clamping
// to [-1, 1] and using the asymmetric int16 range.
func pcmToBytes(frame []float32) []byte {
	out := make([]byte, len(frame)*2)
	for i, s := range frame {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		out[2*i] = byte(v)
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}
