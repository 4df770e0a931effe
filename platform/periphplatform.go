package platform

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"lautenbacher.net/gorotary/config"
	"lautenbacher.net/gorotary/decoder"
)

// edgeTimeout bounds every WaitForEdge so edge goroutines notice the stop
// channel even on a completely quiet line.
const edgeTimeout = time.Second

// PeriphPlatform drives encoders through periph.io GPIO with hardware
// edge detection: one goroutine per monitored line blocks in WaitForEdge
// and funnels notifications into the decoder.
type PeriphPlatform struct {
	*AbstractPlatform
	pins     map[string][]gpio.PinIO
	stopChan chan struct{}
	edgeWg   sync.WaitGroup
	pollWg   sync.WaitGroup
}

func NewPeriphPlatform(conf *config.Config) *PeriphPlatform {
	return &PeriphPlatform{
		AbstractPlatform: newAbstractPlatform(conf),
		pins:             make(map[string][]gpio.PinIO),
		stopChan:         make(chan struct{}),
	}
}

func (p *PeriphPlatform) Start() error {
	slog.Info("Initialise GPIO via periph.io...")
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to init periph: %w", err)
	}

	samplers := make(map[string]decoder.LineSampler, len(p.config.Encoders))
	for name, enc := range p.config.Encoders {
		pins := make([]gpio.PinIO, 0, len(enc.Lines))
		for _, line := range enc.Lines {
			pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", line))
			if pin == nil {
				p.haltPins()
				return fmt.Errorf("encoder %s: failed to find pin %d", name, line)
			}
			if err := pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
				p.haltPins()
				return fmt.Errorf("encoder %s: failed to set pin %d to input: %w", name, line, err)
			}
			pins = append(pins, pin)
		}
		p.pins[name] = pins
		samplers[name] = &periphSampler{pins: pins}
	}

	if err := p.attachDecoders(samplers); err != nil {
		p.haltPins()
		return err
	}

	for name, pins := range p.pins {
		for _, pin := range pins {
			p.edgeWg.Add(1)
			go p.edgeLoop(name, pin)
		}
	}

	return nil
}

func (p *PeriphPlatform) Stop() {
	close(p.stopChan)
	p.haltPins()
	p.edgeWg.Wait()
	p.pollWg.Wait()
	p.detachDecoders()
}

// edgeLoop blocks on one line and dispatches a decode cycle for every
// rising or falling transition.
func (p *PeriphPlatform) edgeLoop(name string, pin gpio.PinIO) {
	defer p.edgeWg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		default:
		}
		if pin.WaitForEdge(edgeTimeout) {
			p.dispatchEdge(name)
		}
	}
}

func (p *PeriphPlatform) haltPins() {
	for _, pins := range p.pins {
		for _, pin := range pins {
			if err := pin.Halt(); err != nil {
				slog.Error("Error halting pin", "pin", pin.Name(), "error", err)
			}
		}
	}
}

// periphSampler reads the configured lines in order. Read on a periph pin
// cannot fail, so the error path stays empty here; other samplers use it.
type periphSampler struct {
	pins []gpio.PinIO
}

func (s *periphSampler) SampleLines() ([]bool, error) {
	levels := make([]bool, len(s.pins))
	for i, pin := range s.pins {
		levels[i] = pin.Read() == gpio.High
	}
	return levels, nil
}
