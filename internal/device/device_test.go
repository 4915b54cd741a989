package device

import (
	"errors"
	"testing"
	"time"

	"github.com/gordonklaus/portaudio"

	"bken/aecd/internal/config"
)

func TestResolveDevice(t *testing.T) {
	devices := []*portaudio.DeviceInfo{{Name: "a"}, {Name: "b"}}
	def := &portaudio.DeviceInfo{Name: "default"}
	fallback := func() (*portaudio.DeviceInfo, error) { return def, nil }

	tests := []struct {
		idx  int
		want string
	}{
		{0, "a"},
		{1, "b"},
		{-1, "default"},
		{2, "default"},
	}
	for _, tt := range tests {
		got, err := resolveDevice(devices, tt.idx, fallback)
		if err != nil {
			t.Fatalf("resolveDevice(%d): %v", tt.idx, err)
		}
		if got.Name != tt.want {
			t.Errorf("resolveDevice(%d) = %q, want %q", tt.idx, got.Name, tt.want)
		}
	}
}

func TestInputs(t *testing.T) {
	all := []Info{
		{ID: 0, Name: "mic", MaxInputChannels: 1},
		{ID: 1, Name: "speakers", MaxOutputChannels: 2},
		{ID: 2, Name: "headset", MaxInputChannels: 1, MaxOutputChannels: 2},
	}
	in := Inputs(all)
	if len(in) != 2 || in[0].Name != "mic" || in[1].Name != "headset" {
		t.Fatalf("Inputs() = %+v", in)
	}
}

func TestMockManualRead(t *testing.T) {
	m := NewMock()
	m.Manual = true
	m.Fill = func(seq uint64, buf []float32) {
		for i := range buf {
			buf[i] = float32(seq)
		}
	}
	st, err := m.OpenInput(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	s := st.(*MockStream)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Read() }()
	if !s.Tick() {
		t.Fatal("Tick() = false on a running stream")
	}
	if err := <-done; err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(s.Buffer()) != 512 || s.Buffer()[0] != 0 {
		t.Fatalf("first block not filled with seq 0")
	}

	go func() { done <- s.Read() }()
	s.Tick()
	<-done
	if s.Buffer()[0] != 1 {
		t.Fatalf("second block = %v, want 1", s.Buffer()[0])
	}
	if s.Blocks() != 2 {
		t.Fatalf("Blocks() = %d, want 2", s.Blocks())
	}
}

func TestMockStopUnblocksRead(t *testing.T) {
	m := NewMock()
	m.Manual = true
	st, _ := m.OpenInput(config.Default())
	s := st.(*MockStream)

	done := make(chan error, 1)
	go func() { done <- s.Read() }()
	for !s.BlockedInRead.Load() {
		time.Sleep(time.Millisecond)
	}
	s.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("Read after Stop = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Stop")
	}
	if err := s.Read(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Read on stopped stream = %v, want ErrStopped", err)
	}
	if s.Tick() {
		t.Fatal("Tick() should report false once stopped")
	}
}

func TestMockPacedRead(t *testing.T) {
	m := NewMock()
	cfg := config.Default()
	cfg.FramesPerBuffer = 48 // 1 ms
	st, _ := m.OpenInput(cfg)

	start := time.Now()
	for range 3 {
		if err := st.Read(); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 3*time.Millisecond {
		t.Fatalf("three 1ms blocks took %v", elapsed)
	}
}

func TestMockFailures(t *testing.T) {
	openErr := errors.New("no device")
	m := NewMock()
	m.OpenErr = openErr
	if _, err := m.OpenInput(config.Default()); !errors.Is(err, openErr) {
		t.Fatalf("OpenInput = %v, want %v", err, openErr)
	}

	startErr := errors.New("busy")
	m = NewMock()
	m.StartErr = startErr
	st, _ := m.OpenInput(config.Default())
	if err := st.Start(); !errors.Is(err, startErr) {
		t.Fatalf("Start = %v, want %v", err, startErr)
	}

	readErr := errors.New("overrun")
	m = NewMock()
	m.Manual = true
	m.ReadErr = func(seq uint64) error {
		if seq == 0 {
			return readErr
		}
		return nil
	}
	st, _ = m.OpenInput(config.Default())
	done := make(chan error, 1)
	go func() { done <- st.Read() }()
	st.(*MockStream).Tick()
	if err := <-done; !errors.Is(err, readErr) {
		t.Fatalf("Read = %v, want %v", err, readErr)
	}
}

func TestMockCloseTwice(t *testing.T) {
	m := NewMock()
	st, _ := m.OpenInput(config.Default())
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err == nil {
		t.Fatal("second Close should fail")
	}
	if m.Last() != st.(*MockStream) || len(m.Streams()) != 1 {
		t.Fatal("Mock did not track the opened stream")
	}
	m.Close()
	if !m.Closed() {
		t.Fatal("Closed() = false after Close")
	}
}
