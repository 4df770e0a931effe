// Package decoder turns asynchronous edge notifications from the lines of
// a rotary encoder into discrete directional steps or absolute positions.
// The state machines tolerate contact bounce by only committing a step on
// transitions that are valid for the configured resolution.
package decoder

import (
	"fmt"
	"sync"
)

// LineSampler reads the current logical level of every monitored line, in
// configured order, most significant line first. It may block (e.g. for
// lines behind a slow bus) and propagates hardware read faults to the
// caller.
type LineSampler interface {
	SampleLines() ([]bool, error)
}

// EventSink receives the decoded output. Sync is called after every
// committed step so that accumulated events become visible atomically.
type EventSink interface {
	ReportRelative(axis, delta int)
	ReportAbsolute(axis, value int)
	Sync()
}

// Config describes one encoder. It is fixed for the life of a Decoder.
type Config struct {
	// Lines is the number of monitored lines, at least 2.
	Lines int

	// Steps is the number of steps of a full revolution or scale. Only
	// meaningful for absolute-axis reporting.
	Steps int

	// StepsPerPeriod is the number of steps per detent-to-detent period:
	// 1, 2 or 4 for a classic two-line encoder. For encoders with more
	// lines the effective value is StepsPerPeriod >> (Lines - 2).
	StepsPerPeriod int

	// Rollover wraps the absolute position at Steps instead of clamping.
	Rollover bool

	// RelativeAxis reports displacements instead of accumulated position.
	RelativeAxis bool

	// AbsoluteEncoder treats the raw line sample as a direct absolute
	// position, bypassing the quadrature state machines.
	AbsoluteEncoder bool

	// Axis is the reporting axis identifier.
	Axis int
}

// Decoder is the transition state machine for a single encoder. All edge
// notifications, from however many lines and goroutines, funnel through
// HandleEdge which serializes the whole sample-decide-commit cycle.
type Decoder struct {
	cfg     Config
	sampler LineSampler
	sink    EventSink
	handle  func() error

	mu         sync.Mutex
	armed      bool
	dir        int // 1 - clockwise, -1 - CCW
	lastStable uint
	pos        int
}

// New creates a Decoder for the given configuration. The decoding variant
// is selected here, once; an unsupported steps-per-period value or a
// failed initial line read aborts construction.
func New(cfg Config, sampler LineSampler, sink EventSink) (*Decoder, error) {
	if cfg.Lines < 2 {
		return nil, fmt.Errorf("not enough lines: %d", cfg.Lines)
	}

	d := &Decoder{
		cfg:     cfg,
		sampler: sampler,
		sink:    sink,
	}

	if cfg.AbsoluteEncoder {
		d.handle = d.handleAbsolute
		return d, nil
	}

	switch cfg.StepsPerPeriod >> (cfg.Lines - 2) {
	case 4:
		d.handle = d.handleQuarterStep
		if err := d.primeStableState(); err != nil {
			return nil, err
		}
	case 2:
		d.handle = d.handleHalfStep
		if err := d.primeStableState(); err != nil {
			return nil, err
		}
	case 1:
		d.handle = d.handleFullStep
	default:
		return nil, fmt.Errorf("'%d' is not a valid steps-per-period value", cfg.StepsPerPeriod)
	}

	return d, nil
}

// primeStableState seeds lastStable from the lines' current levels so the
// first real transition is judged against the true resting state.
func (d *Decoder) primeStableState() error {
	state, err := d.grayState()
	if err != nil {
		return fmt.Errorf("reading initial encoder state: %w", err)
	}
	d.lastStable = state
	return nil
}

// HandleEdge runs one sample-decide-commit cycle. It is the single entry
// point for both edge notifications and poll ticks and may be called
// concurrently; the whole cycle runs under the instance lock. A sampling
// fault abandons the cycle with the state unchanged.
func (d *Decoder) HandleEdge() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle()
}

// Position returns the current accumulated absolute position.
func (d *Decoder) Position() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos
}

// grayState samples the lines and folds the gray-coded levels into the
// canonical 2-bit quadrature state.
func (d *Decoder) grayState() (uint, error) {
	levels, err := d.sampler.SampleLines()
	if err != nil {
		return 0, err
	}

	var state uint
	for _, level := range levels {
		bit := uint(0)
		if level {
			bit = 1
		}
		// convert from gray encoding to normal
		if state&1 == 1 {
			bit ^= 1
		}
		state = state<<1 | bit
	}

	return state & 3, nil
}

// rawState samples the lines as a plain unsigned integer, no gray
// conversion. Used by absolute encoders.
func (d *Decoder) rawState() (uint, error) {
	levels, err := d.sampler.SampleLines()
	if err != nil {
		return 0, err
	}

	var state uint
	for _, level := range levels {
		bit := uint(0)
		if level {
			bit = 1
		}
		state = state<<1 | bit
	}

	return state, nil
}

// handleFullStep commits one step per full period. A step is latched while
// the encoder travels through the intermediate states and committed only
// on return to the resting state 0x0. Everything else is bounce.
func (d *Decoder) handleFullStep() error {
	state, err := d.grayState()
	if err != nil {
		return err
	}

	switch state {
	case 0x0:
		if d.armed {
			d.commitStep()
			d.armed = false
		}
	case 0x1, 0x3:
		if d.armed {
			d.dir = 2 - int(state)
		}
	case 0x2:
		d.armed = true
	}

	return nil
}

// handleHalfStep commits on every even (stable) state, inferring the
// direction while passing through the odd states in between.
func (d *Decoder) handleHalfStep() error {
	state, err := d.grayState()
	if err != nil {
		return err
	}

	if state&1 == 1 {
		// Unsigned wrap-around keeps the mod-4 arithmetic correct.
		d.dir = int((d.lastStable-state+1)%4) - 1
	} else if state != d.lastStable {
		d.commitStep()
		d.lastStable = state
	}

	return nil
}

// handleQuarterStep commits on every state change that is exactly one
// quadrature step away from the last stable state. A jump matching
// neither direction is bounce and commits nothing, but the observed state
// is remembered either way.
func (d *Decoder) handleQuarterStep() error {
	state, err := d.grayState()
	if err != nil {
		return err
	}

	switch {
	case (d.lastStable+1)%4 == state:
		d.dir = 1
		d.commitStep()
	case d.lastStable == (state+1)%4:
		d.dir = -1
		d.commitStep()
	}

	d.lastStable = state
	return nil
}

// handleAbsolute reports the raw line sample as the new position whenever
// it changes.
func (d *Decoder) handleAbsolute() error {
	state, err := d.rawState()
	if err != nil {
		return err
	}

	if state != d.lastStable {
		d.sink.ReportAbsolute(d.cfg.Axis, int(state))
		d.sink.Sync()
		d.lastStable = state
	}

	return nil
}

// commitStep renders one step in the current direction into an event:
// a displacement on a relative axis, or an updated accumulated position
// on an absolute axis, bounded by the rollover setting.
func (d *Decoder) commitStep() {
	if d.cfg.RelativeAxis {
		d.sink.ReportRelative(d.cfg.Axis, d.dir)
	} else {
		pos := d.pos

		if d.dir < 0 {
			// turning counter-clockwise
			if d.cfg.Rollover {
				pos += d.cfg.Steps
			}
			if pos > 0 {
				pos--
			}
		} else {
			// turning clockwise
			if d.cfg.Rollover || pos < d.cfg.Steps {
				pos++
			}
		}

		if d.cfg.Rollover {
			pos %= d.cfg.Steps
		}

		d.pos = pos
		d.sink.ReportAbsolute(d.cfg.Axis, pos)
	}

	d.sink.Sync()
}
