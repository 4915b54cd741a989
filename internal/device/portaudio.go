package device

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"bken/aecd/internal/config"
)

// PortAudio is a Backend over the host's PortAudio installation. The library
// is initialised on first use and terminated by Close.
type PortAudio struct {
	mu          sync.Mutex
	initialized bool
	input       int
}

// NewPortAudio returns a backend that opens the input device at index input,
// or the default input device when input is negative or out of range.
func NewPortAudio(input int) *PortAudio {
	return &PortAudio{input: input}
}

func (p *PortAudio) init() error {
	if p.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	p.initialized = true
	return nil
}

// OpenInput opens a blocking input stream for cfg.
func (p *PortAudio) OpenInput(cfg config.AEC) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.init(); err != nil {
		return nil, err
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	dev, err := resolveDevice(devices, p.input, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, fmt.Errorf("resolve input device: %w", err)
	}
	if dev.MaxInputChannels < cfg.ChannelsPerFrame {
		return nil, fmt.Errorf("device %q has %d input channels, need %d", dev.Name, dev.MaxInputChannels, cfg.ChannelsPerFrame)
	}

	buf := make([]float32, cfg.BlockSamples())
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.ChannelsPerFrame,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      cfg.SampleRate,
		FramesPerBuffer: cfg.FramesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("open input stream on %q: %w", dev.Name, err)
	}

	latency := dev.DefaultLowInputLatency
	if info := stream.Info(); info != nil {
		latency = info.InputLatency
	}
	slog.Debug("device: input opened", "device", dev.Name, "rate", cfg.SampleRate,
		"channels", cfg.ChannelsPerFrame, "frames", cfg.FramesPerBuffer, "latency", latency)
	return &paInput{stream: stream, buf: buf, latency: latency}, nil
}

// Devices lists all devices known to PortAudio.
func (p *PortAudio) Devices() ([]Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.init(); err != nil {
		return nil, err
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]Info, 0, len(devices))
	for i, d := range devices {
		out = append(out, Info{
			ID:                i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}

// Close terminates PortAudio if this backend initialised it. Streams must be
// closed first.
func (p *PortAudio) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}
	p.initialized = false
	return portaudio.Terminate()
}

// resolveDevice returns the device at idx if valid, otherwise calls fallback.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// paInput adapts *portaudio.Stream to Stream.
type paInput struct {
	stream  *portaudio.Stream
	buf     []float32
	latency time.Duration
}

func (s *paInput) Start() error           { return s.stream.Start() }
func (s *paInput) Stop() error            { return s.stream.Stop() }
func (s *paInput) Close() error           { return s.stream.Close() }
func (s *paInput) Read() error            { return s.stream.Read() }
func (s *paInput) Buffer() []float32      { return s.buf }
func (s *paInput) Latency() time.Duration { return s.latency }
