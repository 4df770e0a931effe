package platform

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lautenbacher.net/gorotary/config"
	"lautenbacher.net/gorotary/decoder"
	"lautenbacher.net/gorotary/input"
)

// AbstractPlatform carries everything the concrete platforms share: the
// attached decoders and their input devices, event fan-in, the suspend
// gate, and the poll loop for backends without edge delivery.
type AbstractPlatform struct {
	config   *config.Config
	events   chan *EncoderEvent
	devices  map[string]*input.Device
	decoders map[string]*decoder.Decoder

	// observer, when set before Start, sees every batch before it is
	// forwarded. Used by the TUI simulation to render live state.
	observer func(*EncoderEvent)

	// suspendMu serializes suspend/resume against in-flight decode
	// cycles: dispatchers hold it shared for the whole cycle.
	suspendMu sync.RWMutex
	suspended bool

	forwardWg sync.WaitGroup
}

func newAbstractPlatform(conf *config.Config) *AbstractPlatform {
	return &AbstractPlatform{
		config:   conf,
		events:   make(chan *EncoderEvent, 64),
		devices:  make(map[string]*input.Device),
		decoders: make(map[string]*decoder.Decoder),
	}
}

// Events returns the merged event channel of all attached encoders.
func (p *AbstractPlatform) Events() <-chan *EncoderEvent {
	return p.events
}

// Suspend pauses dispatching for non-wakeup encoders. Taking the write
// lock waits for every in-flight decode cycle to finish first.
func (p *AbstractPlatform) Suspend() {
	p.suspendMu.Lock()
	p.suspended = true
	p.suspendMu.Unlock()
	slog.Info("Platform suspended")
}

// Resume re-enables dispatching.
func (p *AbstractPlatform) Resume() {
	p.suspendMu.Lock()
	p.suspended = false
	p.suspendMu.Unlock()
	slog.Info("Platform resumed")
}

// attachDecoders builds one input device and one decoder per configured
// encoder, wired to the given line samplers. On any failure nothing stays
// attached.
func (p *AbstractPlatform) attachDecoders(samplers map[string]decoder.LineSampler) error {
	for name, enc := range p.config.Encoders {
		sampler, ok := samplers[name]
		if !ok {
			p.detachDecoders()
			return fmt.Errorf("encoder %s: no line sampler", name)
		}

		dev := input.NewDevice(name)
		switch {
		case enc.RelativeAxis:
			dev.SetRelAxis(enc.Axis)
		case enc.AbsoluteEncoder:
			dev.SetAbsAxis(enc.Axis, 0, (1<<len(enc.Lines))-1)
		default:
			dev.SetAbsAxis(enc.Axis, 0, enc.Steps)
		}

		dec, err := decoder.New(decoder.Config{
			Lines:           len(enc.Lines),
			Steps:           enc.Steps,
			StepsPerPeriod:  enc.ResolveStepsPerPeriod(),
			Rollover:        enc.Rollover,
			RelativeAxis:    enc.RelativeAxis,
			AbsoluteEncoder: enc.AbsoluteEncoder,
			Axis:            enc.Axis,
		}, sampler, dev)
		if err != nil {
			dev.Close()
			p.detachDecoders()
			return fmt.Errorf("encoder %s: %w", name, err)
		}

		p.devices[name] = dev
		p.decoders[name] = dec
		p.forwardWg.Add(1)
		go p.forwardEvents(name, dev)
	}

	return nil
}

// detachDecoders closes all input devices and waits for the forwarders.
// The decoder runtime state is discarded with the decoders themselves.
func (p *AbstractPlatform) detachDecoders() {
	for _, dev := range p.devices {
		dev.Close()
	}
	p.forwardWg.Wait()
	p.devices = make(map[string]*input.Device)
	p.decoders = make(map[string]*decoder.Decoder)
}

func (p *AbstractPlatform) forwardEvents(name string, dev *input.Device) {
	defer p.forwardWg.Done()
	for batch := range dev.Events() {
		ev := &EncoderEvent{Encoder: name, Events: batch}
		if p.observer != nil {
			p.observer(ev)
		}
		select {
		case p.events <- ev:
		default:
			// Never park a forwarder on a consumer that went away, e.g.
			// during shutdown.
			slog.Warn("Merged event channel full, dropping batch", "encoder", name)
		}
	}
}

// dispatchEdge runs one decode cycle for the named encoder, honoring the
// suspend gate. Sampling faults abandon the cycle; the next notification
// starts fresh.
func (p *AbstractPlatform) dispatchEdge(name string) {
	p.suspendMu.RLock()
	defer p.suspendMu.RUnlock()

	if p.suspended && !p.config.Encoders[name].WakeupSource {
		return
	}

	if err := p.decoders[name].HandleEdge(); err != nil {
		slog.Error("Sampling failed, skipping decode cycle", "encoder", name, "error", err)
	}
}

// pollLoop drives the named encoder on a fixed cadence instead of edge
// notifications. Same comparison logic, different trigger source.
func (p *AbstractPlatform) pollLoop(name string, interval time.Duration, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			slog.Info("Ending poll loop", "encoder", name)
			return
		case <-ticker.C:
			p.dispatchEdge(name)
		}
	}
}

// position returns the accumulated position of the named encoder.
func (p *AbstractPlatform) position(name string) int {
	return p.decoders[name].Position()
}
