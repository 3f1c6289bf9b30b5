package meeting

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sineFrame(amplitude float64, n int) []float32 {
	frame := make([]float32, n)
	for i := range frame {
		frame[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/MixerSampleRate))
	}
	return frame
}

func TestPCMToBytesScaling(t *testing.T) {
	out := pcmToBytes([]float32{0, 1, -1, 2, -2, 0.5})
	require.Len(t, out, 12)

	read := func(i int) int16 {
		return int16(uint16(out[2*i]) | uint16(out[2*i+1])<<8)
	}

	assert.Equal(t, int16(0), read(0))
	assert.Equal(t, int16(0x7FFF), read(1))
	assert.Equal(t, int16(math.MinInt16), read(2))
	assert.Equal(t, int16(0x7FFF), read(3), "overshoot clamps to full scale")
	assert.Equal(t, int16(math.MinInt16), read(4))
	assert.Equal(t, int16(0x3FFF), read(5))
}

func TestFrameEnergy(t *testing.T) {
	assert.Zero(t, frameEnergy(nil))
	assert.Zero(t, frameEnergy(make([]float32, 800)), "silence carries no energy")

	quiet := frameEnergy(sineFrame(0.001, 800))
	loud := frameEnergy(sineFrame(0.5, 800))
	assert.Greater(t, loud, quiet)
	assert.Greater(t, loud, speakingThreshold)
	assert.LessOrEqual(t, loud, 255.0)

	// Full-scale input pegs the scale's ceiling region.
	full := frameEnergy(sineFrame(1.0, 800))
	assert.GreaterOrEqual(t, full, loud)

	// Near-silence stays under the speaking threshold.
	assert.Less(t, frameEnergy(sineFrame(1e-5, 800)), speakingThreshold)
}

// driveFrame injects pending samples directly and runs one mix cycle.
func driveFrame(m *Mixer, pending map[string][]float32, identities map[string]string) {
	m.mu.Lock()
	for trackID, samples := range pending {
		in, ok := m.inputs[trackID]
		if !ok {
			in = &mixerInput{identity: identities[trackID], stop: make(chan struct{})}
			m.inputs[trackID] = in
		}
		in.pending = append(in.pending, samples...)
	}
	m.mu.Unlock()
	m.mixFrame()
}

func TestMixerSpeakerAttribution(t *testing.T) {
	var speakers []string
	var frames [][]byte
	m := NewMixer(MixerOptions{
		OnFrame:   func(pcm []byte) { frames = append(frames, pcm) },
		OnSpeaker: func(id string) { speakers = append(speakers, id) },
	})

	ids := map[string]string{"t1": "alice", "t2": "bob"}

	// Alice is loud, Bob is quiet: Alice gets the frame.
	driveFrame(m, map[string][]float32{
		"t1": sineFrame(0.5, mixerFrameSize),
		"t2": sineFrame(0.001, mixerFrameSize),
	}, ids)
	require.Equal(t, []string{"alice"}, speakers)

	// Bob overtakes.
	driveFrame(m, map[string][]float32{
		"t1": sineFrame(0.001, mixerFrameSize),
		"t2": sineFrame(0.5, mixerFrameSize),
	}, ids)
	require.Equal(t, []string{"alice", "bob"}, speakers)

	// Everyone below threshold clears the speaker.
	driveFrame(m, map[string][]float32{
		"t1": sineFrame(1e-5, mixerFrameSize),
		"t2": sineFrame(1e-5, mixerFrameSize),
	}, ids)
	require.Equal(t, []string{"alice", "bob", ""}, speakers)

	// No repeated notification while the speaker is stable.
	driveFrame(m, map[string][]float32{
		"t1": sineFrame(1e-5, mixerFrameSize),
	}, ids)
	assert.Len(t, speakers, 3)

	assert.Len(t, frames, 4)
	assert.Len(t, frames[0], mixerFrameSize*2, "frames are 16-bit PCM")
}

func TestMixerSumsInputs(t *testing.T) {
	var frame []byte
	m := NewMixer(MixerOptions{
		OnFrame: func(pcm []byte) { frame = pcm },
	})

	constant := func(v float32) []float32 {
		out := make([]float32, mixerFrameSize)
		for i := range out {
			out[i] = v
		}
		return out
	}

	driveFrame(m, map[string][]float32{
		"t1": constant(0.25),
		"t2": constant(0.25),
	}, map[string]string{"t1": "a", "t2": "b"})

	require.NotNil(t, frame)
	v := int16(uint16(frame[0]) | uint16(frame[1])<<8)
	assert.Equal(t, int16(16383), v)
}

func TestMixerPrunesEndedInputs(t *testing.T) {
	m := NewMixer(MixerOptions{})
	m.Start()
	defer m.Stop()

	src := newFakeAudioSource()
	m.AddInput("t1", "alice", src)
	src.frames <- sineFrame(0.5, mixerFrameSize)
	close(src.frames)

	// Once the backlog drains the ended input is dropped from the mix.
	assert.Eventually(t, func() bool {
		stats := m.GetStats()
		return stats.ActiveInputs == 0 && stats.InputsRemoved == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMixerInputLifecycle(t *testing.T) {
	m := NewMixer(MixerOptions{})
	m.Start()

	src := newFakeAudioSource()
	m.AddInput("t1", "alice", src)
	src.frames <- sineFrame(0.5, mixerFrameSize)

	assert.Eventually(t, func() bool {
		return m.GetStats().FramesMixed > 0
	}, time.Second, 10*time.Millisecond)

	// Ending the source lets the reader goroutine drain out.
	close(src.frames)
	m.RemoveInput("t1")
	m.RemoveInput("missing")

	stats := m.GetStats()
	assert.Equal(t, int64(1), stats.InputsAdded)
	assert.Equal(t, int64(1), stats.InputsRemoved)
	assert.Equal(t, 0, stats.ActiveInputs)

	m.Stop()
}
