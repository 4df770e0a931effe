package platform

import (
	"fmt"

	"lautenbacher.net/gorotary/config"
	"lautenbacher.net/gorotary/input"
)

// Platform abstracts the edge-notification source and line access away
// from the decoding core, so the same decoders run against real GPIO
// hardware or the TUI simulation.
type Platform interface {
	// Start acquires line handles, attaches the decoders and begins
	// delivering edge notifications. Any failure leaves no partial
	// instance active.
	Start() error

	// Stop detaches everything and releases the hardware.
	Stop()

	// Events returns the channel of synchronized event batches from all
	// attached encoders.
	Events() <-chan *EncoderEvent

	// Suspend pauses event delivery for all encoders that are not
	// configured as wakeup sources. It never interrupts an in-flight
	// decode cycle.
	Suspend()

	// Resume re-enables event delivery after a Suspend.
	Resume()
}

// EncoderEvent is one synchronized batch of input events from a named
// encoder.
type EncoderEvent struct {
	Encoder string
	Events  []input.Event
}

// NewPlatform selects the platform implementation from the configuration:
// the TUI simulation unless real hardware is requested, otherwise the
// configured GPIO backend.
func NewPlatform(conf *config.Config) (Platform, error) {
	if !conf.RealHW {
		return NewTUIPlatform(conf), nil
	}
	switch conf.Hardware.GPIOLibrary {
	case "periph.io":
		return NewPeriphPlatform(conf), nil
	case "go-rpio":
		return NewRpioPlatform(conf), nil
	default:
		return nil, fmt.Errorf("unknown GPIO library: %s", conf.Hardware.GPIOLibrary)
	}
}
