// Package device abstracts the hardware input stream that paces the echo
// cancellation loop. The PortAudio backend drives real microphones; Mock
// drives tests.
package device

import (
	"errors"
	"time"

	"bken/aecd/internal/config"
)

// ErrStopped is returned by Read once the stream has been stopped.
var ErrStopped = errors.New("device: stream stopped")

// Stream is an open blocking input stream. Read blocks until the next block
// of interleaved samples is in Buffer. Stop must make a blocked Read return;
// Close releases the stream and must only be called once no Read is in
// flight.
type Stream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Buffer() []float32
	// Latency is the input latency reported by the device.
	Latency() time.Duration
}

// Backend opens input streams.
type Backend interface {
	OpenInput(cfg config.AEC) (Stream, error)
	Close() error
}

// Info describes an audio device.
type Info struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
}

// Lister enumerates devices.
type Lister interface {
	Devices() ([]Info, error)
}

// Inputs filters devices to those with input channels.
func Inputs(devices []Info) []Info {
	var out []Info
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			out = append(out, d)
		}
	}
	return out
}
