// Package permission reports whether the daemon may use the microphone and
// capture system audio. Platforms without a consent prompt are answered by
// probing the device: a probe that succeeds counts as authorized. Results
// are advisory; the engine still reports the real failure when a device
// cannot be opened.
package permission

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"bken/aecd/internal/device"
)

// Status is the permission state of one device type.
type Status string

const (
	NotDetermined Status = "not_determined"
	Denied        Status = "denied"
	Authorized    Status = "authorized"
	Restricted    Status = "restricted"
)

// DeviceType names a permission-guarded device class.
type DeviceType string

const (
	Microphone DeviceType = "microphone"
	Audio      DeviceType = "audio" // system audio capture
)

// DeviceTypes lists every known device type.
var DeviceTypes = []DeviceType{Microphone, Audio}

var (
	// ErrUnknownDevice is returned when parsing an unknown device type.
	ErrUnknownDevice = errors.New("permission: unknown device type")

	// ErrNoDevice is returned by a probe that found nothing to open.
	ErrNoDevice = errors.New("permission: no device available")

	// ErrRestricted is returned by a probe whose device is blocked by
	// system policy rather than by the user.
	ErrRestricted = errors.New("permission: restricted by policy")
)

// ParseDeviceType parses the wire name of a device type.
func ParseDeviceType(s string) (DeviceType, error) {
	for _, d := range DeviceTypes {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDevice, s)
}

// Checker reports and requests permissions. Request resolves asynchronously
// and calls done with the statuses of every device type.
type Checker interface {
	Permissions() map[DeviceType]Status
	Request(dev DeviceType, done func(map[DeviceType]Status))
}

// ProbeFunc checks that a device can be used.
type ProbeFunc func() error

// Probe is a Checker that resolves requests by running probes. Device types
// start as NotDetermined until requested.
type Probe struct {
	probes map[DeviceType]ProbeFunc

	mu       sync.Mutex
	statuses map[DeviceType]Status
}

// NewProbe returns a Probe with one probe per device type. A nil probe
// resolves its device type as Restricted.
func NewProbe(microphone, audio ProbeFunc) *Probe {
	p := &Probe{
		probes:   map[DeviceType]ProbeFunc{Microphone: microphone, Audio: audio},
		statuses: make(map[DeviceType]Status, len(DeviceTypes)),
	}
	for _, d := range DeviceTypes {
		p.statuses[d] = NotDetermined
	}
	return p
}

// Permissions returns a snapshot of the current statuses.
func (p *Probe) Permissions() map[DeviceType]Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.statuses)
}

// Request probes dev on a new goroutine. An unknown device type completes
// immediately with the unchanged statuses.
func (p *Probe) Request(dev DeviceType, done func(map[DeviceType]Status)) {
	probe, ok := p.probes[dev]
	if !ok {
		slog.Warn("permission: request for unknown device type", "device", dev)
		if done != nil {
			done(p.Permissions())
		}
		return
	}
	go func() {
		st := statusOf(probe)
		p.mu.Lock()
		p.statuses[dev] = st
		p.mu.Unlock()
		slog.Info("permission: resolved", "device", dev, "status", st)
		if done != nil {
			done(p.Permissions())
		}
	}()
}

func statusOf(probe ProbeFunc) Status {
	if probe == nil {
		return Restricted
	}
	err := probe()
	switch {
	case err == nil:
		return Authorized
	case errors.Is(err, ErrRestricted):
		return Restricted
	default:
		slog.Debug("permission: probe failed", "err", err)
		return Denied
	}
}

// Wait calls Request and blocks until it resolves.
func Wait(c Checker, dev DeviceType) map[DeviceType]Status {
	ch := make(chan map[DeviceType]Status, 1)
	c.Request(dev, func(m map[DeviceType]Status) { ch <- m })
	return <-ch
}

// InputProbe succeeds when l lists at least one input device.
func InputProbe(l device.Lister) ProbeFunc {
	return func() error {
		devs, err := l.Devices()
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		if len(device.Inputs(devs)) == 0 {
			return ErrNoDevice
		}
		return nil
	}
}

// Allowed reports whether every listed device type is Authorized or not yet
// determined.
func Allowed(statuses map[DeviceType]Status, devs ...DeviceType) bool {
	for _, d := range devs {
		if st := statuses[d]; st == Denied || st == Restricted {
			return false
		}
	}
	return true
}
