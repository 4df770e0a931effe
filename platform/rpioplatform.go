package platform

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"lautenbacher.net/gorotary/config"
	"lautenbacher.net/gorotary/decoder"
)

// RpioPlatform drives encoders through go-rpio, which has no edge
// delivery. Only absolute encoders can run here: they are polled on a
// fixed cadence with the same comparison logic the edge path uses.
// Quadrature decoding needs real edge notifications and is rejected at
// Start.
type RpioPlatform struct {
	*AbstractPlatform
	pins     map[string][]rpio.Pin
	stopChan chan struct{}
	pollWg   sync.WaitGroup
}

func NewRpioPlatform(conf *config.Config) *RpioPlatform {
	return &RpioPlatform{
		AbstractPlatform: newAbstractPlatform(conf),
		pins:             make(map[string][]rpio.Pin),
		stopChan:         make(chan struct{}),
	}
}

func (p *RpioPlatform) Start() error {
	slog.Info("Initialise GPIO via go-rpio, using poll mode...")
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("failed to open go-rpio: %w", err)
	}

	samplers := make(map[string]decoder.LineSampler, len(p.config.Encoders))
	for name, enc := range p.config.Encoders {
		if !enc.AbsoluteEncoder {
			rpio.Close()
			return fmt.Errorf("encoder %s: go-rpio backend cannot deliver edge events, only absolute encoders can run in poll mode", name)
		}

		pins := make([]rpio.Pin, 0, len(enc.Lines))
		for _, line := range enc.Lines {
			pin := rpio.Pin(line)
			pin.Input()
			pin.PullUp()
			pins = append(pins, pin)
		}
		p.pins[name] = pins
		samplers[name] = &rpioSampler{pins: pins}
	}

	if err := p.attachDecoders(samplers); err != nil {
		rpio.Close()
		return err
	}

	for name, enc := range p.config.Encoders {
		p.pollWg.Add(1)
		go p.pollLoop(name, enc.PollInterval, p.stopChan, &p.pollWg)
	}

	return nil
}

func (p *RpioPlatform) Stop() {
	close(p.stopChan)
	p.pollWg.Wait()
	p.detachDecoders()
	if err := rpio.Close(); err != nil {
		slog.Error("Error closing go-rpio", "error", err)
	}
}

type rpioSampler struct {
	pins []rpio.Pin
}

func (s *rpioSampler) SampleLines() ([]bool, error) {
	levels := make([]bool, len(s.pins))
	for i, pin := range s.pins {
		levels[i] = pin.Read() == rpio.High
	}
	return levels, nil
}
