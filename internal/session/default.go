package session

import (
	"sync"

	"bken/aecd/internal/capture"
	"bken/aecd/internal/config"
	"bken/aecd/internal/device"
	"bken/aecd/internal/dsp"
	"bken/aecd/internal/permission"
)

// ReferenceSource returns the SourceFactory selected by ref.Source.
func ReferenceSource(ref config.ReferenceConfig) SourceFactory {
	switch ref.Source {
	case config.SourceLoopback:
		return func(cfg config.AEC) (capture.Source, error) {
			return capture.NewLoopback(cfg), nil
		}
	case config.SourceRemote:
		return func(cfg config.AEC) (capture.Source, error) {
			return capture.NewRemote(capture.RemoteConfig{
				URL:         ref.URL,
				Format:      cfg,
				JitterDepth: ref.JitterDepth,
			})
		}
	default:
		return nil
	}
}

// LoopbackProbe opens and closes the loopback device once.
func LoopbackProbe() error {
	l := capture.NewLoopback(config.Default())
	if err := l.Start(func(capture.Block) {}); err != nil {
		return err
	}
	return l.Stop()
}

var (
	defaultMu   sync.Mutex
	defaultOrch *Orchestrator
)

// Default returns the process-wide orchestrator, building it on first use
// with the PortAudio backend, the DSP chain, loopback system audio and the
// device probes.
func Default() *Orchestrator {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultOrch == nil {
		fc := config.DefaultFile()
		pa := device.NewPortAudio(fc.Devices.Input)
		defaultOrch = New(Deps{
			Backend:     pa,
			Acoustic:    dsp.Factory(),
			Source:      ReferenceSource(fc.Reference),
			Permissions: permission.NewProbe(permission.InputProbe(pa), LoopbackProbe),
			Alignment:   AlignmentFrom(fc.Reference),
		})
	}
	return defaultOrch
}

// Shutdown stops and discards the process-wide orchestrator. The next
// Default call builds a fresh one.
func Shutdown() error {
	defaultMu.Lock()
	o := defaultOrch
	defaultOrch = nil
	defaultMu.Unlock()
	if o == nil {
		return nil
	}
	return o.Close()
}
