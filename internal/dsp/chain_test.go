package dsp

import (
	"errors"
	"math"
	"testing"

	"bken/aecd/internal/aec"
	"bken/aecd/internal/config"
	"bken/aecd/internal/device"
	"bken/aecd/internal/engine"
	"bken/aecd/internal/vad"
)

// noise returns n deterministic samples uniformly spread over [-amp, amp].
func noise(n int, amp float32, seed uint32) []float32 {
	out := make([]float32, n)
	s := seed
	for i := range out {
		s = s*1664525 + 1013904223
		out[i] = (float32(s>>8)/float32(1<<24)*2 - 1) * amp
	}
	return out
}

func energy(buf []float32) float64 {
	var e float64
	for _, v := range buf {
		e += float64(v) * float64(v)
	}
	return e
}

func onlyToggles(aecOn, ns, agcOn bool) config.AEC {
	cfg := config.Default()
	cfg.FramesPerBuffer = 256
	cfg.EnableAEC, cfg.EnableNoiseSuppression, cfg.EnableAGC = aecOn, ns, agcOn
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ChannelsPerFrame = 0
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalidConfiguration) {
		t.Fatalf("New = %v, want ErrInvalidConfiguration", err)
	}
	if _, err := Factory()(cfg); err == nil {
		t.Fatal("Factory accepted an invalid config")
	}
}

func TestAllStagesOffIsIdentity(t *testing.T) {
	tests := []struct {
		name      string
		channels  int
		numFrames int
	}{
		{"mono one block", 1, 256},
		{"mono short block", 1, 100},
		{"stereo chunks", 2, 640},
		{"quad", 4, 256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := onlyToggles(false, false, false)
			cfg.ChannelsPerFrame = tt.channels
			c, err := New(cfg)
			if err != nil {
				t.Fatal(err)
			}
			n := tt.numFrames * tt.channels
			mic := noise(n, 0.5, 1)
			ref := noise(n, 0.5, 2)
			out := make([]float32, n)
			if err := c.Process(mic, ref, out, tt.numFrames); err != nil {
				t.Fatal(err)
			}
			for i := range out {
				if out[i] != mic[i] {
					t.Fatalf("out[%d] = %v, want %v", i, out[i], mic[i])
				}
			}
		})
	}
}

func TestEchoIsCancelled(t *testing.T) {
	const (
		frames = 256
		blocks = 200
		delay  = 5
	)
	c, err := New(onlyToggles(true, false, false), WithTaps(32))
	if err != nil {
		t.Fatal(err)
	}

	far := noise(frames*blocks+delay, 0.5, 7)
	out := make([]float32, frames)
	mic := make([]float32, frames)

	var micTail, outTail float64
	for b := range blocks {
		ref := far[delay+b*frames : delay+(b+1)*frames]
		for i := range mic {
			mic[i] = 0.3 * far[b*frames+i]
		}
		if err := c.Process(mic, ref, out, frames); err != nil {
			t.Fatalf("block %d: %v", b, err)
		}
		if b >= blocks-10 {
			micTail += energy(mic)
			outTail += energy(out)
		}
	}
	if ratio := outTail / micTail; ratio > 0.01 {
		t.Fatalf("residual echo ratio = %.4f, want < 0.01", ratio)
	}
}

func TestEchoCancelledPerChannel(t *testing.T) {
	const frames = 256
	cfg := onlyToggles(true, false, false)
	cfg.ChannelsPerFrame = 2
	c, err := New(cfg, WithTaps(16))
	if err != nil {
		t.Fatal(err)
	}

	// Channel 0 carries echo of the reference; channel 1 is silent.
	far := noise(frames*150+3, 0.5, 11)
	mic := make([]float32, 2*frames)
	ref := make([]float32, 2*frames)
	out := make([]float32, 2*frames)
	var last []float32
	for b := range 150 {
		for i := range frames {
			mic[2*i] = 0.25 * far[b*frames+i]
			mic[2*i+1] = 0
			ref[2*i] = far[3+b*frames+i]
			ref[2*i+1] = far[3+b*frames+i]
		}
		if err := c.Process(mic, ref, out, frames); err != nil {
			t.Fatal(err)
		}
		last = out
	}
	var e0, e1 float64
	for i := range frames {
		e0 += float64(last[2*i]) * float64(last[2*i])
		e1 += float64(last[2*i+1]) * float64(last[2*i+1])
	}
	if e0 > 0.01*energy(mic) {
		t.Fatalf("channel 0 residual energy %.6f too high", e0)
	}
	if e1 != 0 {
		t.Fatalf("channel 1 should stay silent, energy %v", e1)
	}
}

func TestNoiseSuppressionAttenuatesFloor(t *testing.T) {
	c, err := New(onlyToggles(false, true, false))
	if err != nil {
		t.Fatal(err)
	}
	mic := make([]float32, 256)
	ref := make([]float32, 256)
	out := make([]float32, 256)
	for range 60 {
		for i := range mic {
			mic[i] = 0.001
		}
		c.Process(mic, ref, out, 256)
	}
	want := float32(0.001 * 0.0316)
	if got := out[255]; math.Abs(float64(got-want)) > 1e-6 {
		t.Fatalf("gated sample = %v, want %v", got, want)
	}
}

func TestAGCRaisesQuietInput(t *testing.T) {
	c, err := New(onlyToggles(false, false, true))
	if err != nil {
		t.Fatal(err)
	}
	ref := make([]float32, 256)
	out := make([]float32, 256)
	var in, gained float32
	for b := range 200 {
		mic := noise(256, 0.05, uint32(b))
		in = vad.RMS(mic)
		c.Process(mic, ref, out, 256)
		gained = vad.RMS(out)
	}
	if gained < 2*in {
		t.Fatalf("AGC output RMS %v, input %v: want at least double", gained, in)
	}
}

func TestApplyToggles(t *testing.T) {
	cfg := onlyToggles(false, false, false)
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	mic := make([]float32, 256)
	for i := range mic {
		mic[i] = 0.001
	}
	ref := make([]float32, 256)
	out := make([]float32, 256)
	c.Process(mic, ref, out, 256)
	if out[255] != 0.001 {
		t.Fatalf("gate off: out = %v", out[255])
	}

	cfg.EnableNoiseSuppression = true
	if err := c.Apply(cfg); err != nil {
		t.Fatal(err)
	}
	for range 60 {
		c.Process(mic, ref, out, 256)
	}
	if out[255] >= 0.001 {
		t.Fatalf("gate on: out = %v, want attenuation", out[255])
	}

	cfg.EnableNoiseSuppression = false
	c.Apply(cfg)
	c.Process(mic, ref, out, 256)
	if out[255] != 0.001 {
		t.Fatalf("gate off again: out = %v", out[255])
	}
}

func TestApplyRejectsFormatChanges(t *testing.T) {
	base := onlyToggles(true, true, true)
	c, err := New(base)
	if err != nil {
		t.Fatal(err)
	}
	changes := []func(*config.AEC){
		func(c *config.AEC) { c.SampleRate = 16000 },
		func(c *config.AEC) { c.ChannelsPerFrame = 2 },
		func(c *config.AEC) { c.FramesPerBuffer = 512 },
	}
	for i, change := range changes {
		next := base
		change(&next)
		if err := c.Apply(next); !errors.Is(err, ErrRestartRequired) {
			t.Errorf("change %d: Apply = %v, want ErrRestartRequired", i, err)
		}
	}
}

func TestProcessShortBuffers(t *testing.T) {
	c, _ := New(onlyToggles(true, true, true))
	full := make([]float32, 256)
	short := make([]float32, 255)
	tests := []struct {
		name          string
		mic, ref, out []float32
		frames        int
	}{
		{"short mic", short, full, full, 256},
		{"short ref", full, short, full, 256},
		{"short out", full, full, short, 256},
		{"zero frames", full, full, full, 0},
	}
	for _, tt := range tests {
		if err := c.Process(tt.mic, tt.ref, tt.out, tt.frames); !errors.Is(err, ErrBufferSize) {
			t.Errorf("%s: Process = %v, want ErrBufferSize", tt.name, err)
		}
	}
}

func TestDivergenceIsReported(t *testing.T) {
	c, _ := New(onlyToggles(true, false, false), WithTaps(8))
	mic := noise(256, 0.1, 3)
	ref := noise(256, 0.1, 4)
	ref[10] = float32(math.NaN())
	out := make([]float32, 256)
	if err := c.Process(mic, ref, out, 256); !errors.Is(err, aec.ErrDiverged) {
		t.Fatalf("Process = %v, want ErrDiverged", err)
	}
}

func TestDoubleTalkCounted(t *testing.T) {
	c, _ := New(onlyToggles(true, false, false), WithTaps(8))
	mic := noise(256, 0.8, 5)
	ref := noise(256, 0.1, 6)
	out := make([]float32, 256)
	c.Process(mic, ref, out, 256)
	if c.DoubleTalkBlocks() != 1 {
		t.Fatalf("DoubleTalkBlocks = %d, want 1", c.DoubleTalkBlocks())
	}
}

func TestDoubleTalkReachesEngineStats(t *testing.T) {
	e, err := engine.Open(device.NewMock(), onlyToggles(true, false, false), engine.WithAcoustic(Factory(WithTaps(8))))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	mic := noise(256, 0.8, 5)
	ref := noise(256, 0.1, 6)
	if err := e.ProcessFrames(mic, ref, make([]float32, 256), 256); err != nil {
		t.Fatal(err)
	}
	if got := e.Stats().DoubleTalk; got != 1 {
		t.Fatalf("engine DoubleTalk = %d, want 1", got)
	}
}

func TestChainDrivesEngine(t *testing.T) {
	cfg := onlyToggles(true, true, true)
	e, err := engine.Open(device.NewMock(), cfg, engine.WithAcoustic(Factory(WithTaps(64))))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	next := cfg
	next.EnableAGC = false
	if err := e.UpdateConfig(next); err != nil {
		t.Fatal(err)
	}
	if e.CurrentConfig() != next {
		t.Fatalf("CurrentConfig() = %+v", e.CurrentConfig())
	}

	mic := noise(256, 0.2, 9)
	out := make([]float32, 256)
	if err := e.ProcessFrames(mic, make([]float32, 256), out, 256); err != nil {
		t.Fatal(err)
	}
}
