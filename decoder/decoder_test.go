package decoder

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLines is a LineSampler whose levels are set by the test.
type fakeLines struct {
	mu     sync.Mutex
	levels []bool
	err    error
}

func newFakeLines(lines int) *fakeLines {
	return &fakeLines{levels: make([]bool, lines)}
}

func (f *fakeLines) SampleLines() ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]bool, len(f.levels))
	copy(out, f.levels)
	return out, nil
}

// set applies a raw line pattern, most significant line first.
func (f *fakeLines) set(raw uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.levels {
		f.levels[i] = raw&(1<<(len(f.levels)-1-i)) != 0
	}
}

func (f *fakeLines) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// recordingSink captures everything the decoder reports.
type recordingSink struct {
	mu    sync.Mutex
	rel   []int
	abs   []int
	syncs int
}

func (s *recordingSink) ReportRelative(axis, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rel = append(s.rel, delta)
}

func (s *recordingSink) ReportAbsolute(axis, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abs = append(s.abs, value)
}

func (s *recordingSink) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs++
}

func (s *recordingSink) relative() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.rel...)
}

func (s *recordingSink) absolute() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.abs...)
}

func (s *recordingSink) syncCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

func feed(t *testing.T, d *Decoder, lines *fakeLines, raws ...uint) {
	t.Helper()
	for _, raw := range raws {
		lines.set(raw)
		require.NoError(t, d.HandleEdge())
	}
}

// The raw gray sequence 0,1,3,2 is one full quadrature period; the
// reverse sequence 0,2,3,1 is the same period in the opposite rotation.
// The sign of the emitted step follows the transition tables; which
// physical rotation that corresponds to depends on the line wiring.

func TestFullStepOneStepPerPeriod(t *testing.T) {
	tests := []struct {
		name string
		raws []uint
		want []int
	}{
		{"forward period", []uint{0, 1, 3, 2, 0}, []int{-1}},
		{"reverse period", []uint{0, 2, 3, 1, 0}, []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := newFakeLines(2)
			sink := &recordingSink{}
			d, err := New(Config{Lines: 2, StepsPerPeriod: 1, RelativeAxis: true, Axis: 7}, lines, sink)
			require.NoError(t, err)

			feed(t, d, lines, tt.raws...)

			assert.Equal(t, tt.want, sink.relative())
			assert.Equal(t, len(tt.want), sink.syncCount(), "One sync per committed step")
		})
	}
}

func TestFullStepIdempotentAtRest(t *testing.T) {
	lines := newFakeLines(2)
	sink := &recordingSink{}
	d, err := New(Config{Lines: 2, StepsPerPeriod: 1, RelativeAxis: true, Axis: 7}, lines, sink)
	require.NoError(t, err)

	// Repeated readings of the resting state with nothing latched.
	feed(t, d, lines, 0, 0, 0, 0)
	assert.Empty(t, sink.relative())

	// One full period commits exactly once, further resting readings
	// commit nothing more.
	feed(t, d, lines, 1, 3, 2, 0, 0, 0)
	assert.Equal(t, []int{-1}, sink.relative())
}

func TestFullStepBounceAbsorbed(t *testing.T) {
	lines := newFakeLines(2)
	sink := &recordingSink{}
	d, err := New(Config{Lines: 2, StepsPerPeriod: 1, RelativeAxis: true, Axis: 7}, lines, sink)
	require.NoError(t, err)

	// Chatter between the resting state and the first transition state
	// never arms the latch, so nothing is emitted.
	feed(t, d, lines, 1, 0, 1, 0, 1, 0)
	assert.Empty(t, sink.relative())
}

func TestHalfStepTwoStepsPerPeriod(t *testing.T) {
	tests := []struct {
		name string
		raws []uint
		want []int
	}{
		{"forward period", []uint{1, 3, 2, 0}, []int{-1, -1}},
		{"reverse period", []uint{2, 3, 1, 0}, []int{1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := newFakeLines(2) // resting at 0, primed at construction
			sink := &recordingSink{}
			d, err := New(Config{Lines: 2, StepsPerPeriod: 2, RelativeAxis: true, Axis: 7}, lines, sink)
			require.NoError(t, err)

			feed(t, d, lines, tt.raws...)

			assert.Equal(t, tt.want, sink.relative())
		})
	}
}

func TestHalfStepRepeatedStableStateDoesNotReEmit(t *testing.T) {
	lines := newFakeLines(2)
	sink := &recordingSink{}
	d, err := New(Config{Lines: 2, StepsPerPeriod: 2, RelativeAxis: true, Axis: 7}, lines, sink)
	require.NoError(t, err)

	feed(t, d, lines, 1, 3, 3, 3)
	assert.Equal(t, []int{-1}, sink.relative(), "Re-reading the committed stable state must not re-emit")
}

func TestQuarterStepFourStepsPerPeriod(t *testing.T) {
	tests := []struct {
		name string
		raws []uint
		want []int
	}{
		{"forward period", []uint{1, 3, 2, 0}, []int{1, 1, 1, 1}},
		{"reverse period", []uint{2, 3, 1, 0}, []int{-1, -1, -1, -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := newFakeLines(2)
			sink := &recordingSink{}
			d, err := New(Config{Lines: 2, StepsPerPeriod: 4, RelativeAxis: true, Axis: 7}, lines, sink)
			require.NoError(t, err)

			feed(t, d, lines, tt.raws...)

			assert.Equal(t, tt.want, sink.relative())
		})
	}
}

func TestQuarterStepJumpEmitsNothingButUpdatesState(t *testing.T) {
	lines := newFakeLines(2)
	sink := &recordingSink{}
	d, err := New(Config{Lines: 2, StepsPerPeriod: 4, RelativeAxis: true, Axis: 7}, lines, sink)
	require.NoError(t, err)

	// Raw 3 decodes to state 2, a double step away from the primed state
	// 0: neither direction matches, nothing is emitted.
	feed(t, d, lines, 3)
	assert.Empty(t, sink.relative())

	// But the observed state was remembered: raw 2 decodes to state 3,
	// one step onward from 2, so this commits.
	feed(t, d, lines, 2)
	assert.Equal(t, []int{1}, sink.relative())
}

func TestAbsolutePositionRollover(t *testing.T) {
	lines := newFakeLines(2)
	sink := &recordingSink{}
	d, err := New(Config{Lines: 2, Steps: 4, StepsPerPeriod: 4, Rollover: true, Axis: 8}, lines, sink)
	require.NoError(t, err)

	// Four forward quarter steps walk the position 1,2,3 and then wrap
	// to 0 instead of reaching 4.
	feed(t, d, lines, 1, 3, 2, 0)
	assert.Equal(t, []int{1, 2, 3, 0}, sink.absolute())
	assert.Equal(t, 0, d.Position())

	// One backward step from 0 wraps to 3 instead of -1.
	feed(t, d, lines, 2)
	assert.Equal(t, 3, d.Position())
}

func TestAbsolutePositionClamped(t *testing.T) {
	lines := newFakeLines(2)
	sink := &recordingSink{}
	d, err := New(Config{Lines: 2, Steps: 4, StepsPerPeriod: 4, Axis: 8}, lines, sink)
	require.NoError(t, err)

	// Backward from 0 stays at 0.
	feed(t, d, lines, 2)
	assert.Equal(t, []int{0}, sink.absolute())

	// Forward past Steps stays at Steps.
	feed(t, d, lines, 3, 1, 0, 1, 3, 2, 0) // back to 0 state-wise, then forward
	sinkBefore := len(sink.absolute())
	feed(t, d, lines, 1, 3, 2, 0, 1)
	got := sink.absolute()
	require.Greater(t, len(got), sinkBefore)
	assert.Equal(t, 4, got[len(got)-1], "Position must clamp at Steps without rollover")
	assert.Equal(t, 4, d.Position())
}

func TestRelativeAxisKeepsNoPosition(t *testing.T) {
	lines := newFakeLines(2)
	sink := &recordingSink{}
	d, err := New(Config{Lines: 2, StepsPerPeriod: 4, RelativeAxis: true, Axis: 7}, lines, sink)
	require.NoError(t, err)

	feed(t, d, lines, 1, 3, 2, 0)
	assert.Equal(t, []int{1, 1, 1, 1}, sink.relative())
	assert.Empty(t, sink.absolute())
	assert.Equal(t, 0, d.Position(), "Relative reporting must not accumulate position")
}

func TestAbsoluteEncoderReportsRawChangesOnce(t *testing.T) {
	lines := newFakeLines(4)
	sink := &recordingSink{}
	d, err := New(Config{Lines: 4, AbsoluteEncoder: true, Axis: 8}, lines, sink)
	require.NoError(t, err)

	// Unchanged value: no event.
	feed(t, d, lines, 0)
	assert.Empty(t, sink.absolute())

	// New raw value is reported exactly once, without gray conversion.
	feed(t, d, lines, 5, 5)
	assert.Equal(t, []int{5}, sink.absolute())

	feed(t, d, lines, 9)
	assert.Equal(t, []int{5, 9}, sink.absolute())
	assert.Equal(t, 2, sink.syncCount())
}

func TestInvalidConfig(t *testing.T) {
	lines := newFakeLines(2)
	sink := &recordingSink{}

	_, err := New(Config{Lines: 2, StepsPerPeriod: 3, RelativeAxis: true}, lines, sink)
	assert.Error(t, err, "steps-per-period 3 must be rejected")

	_, err = New(Config{Lines: 1, StepsPerPeriod: 1, RelativeAxis: true}, newFakeLines(1), sink)
	assert.Error(t, err, "fewer than two lines must be rejected")

	// Four lines shift the effective ratio: 4 >> 2 == 1 is valid...
	_, err = New(Config{Lines: 4, StepsPerPeriod: 4, RelativeAxis: true}, newFakeLines(4), sink)
	assert.NoError(t, err)

	// ...but 2 >> 2 == 0 is not.
	_, err = New(Config{Lines: 4, StepsPerPeriod: 2, RelativeAxis: true}, newFakeLines(4), sink)
	assert.Error(t, err)
}

func TestSamplingFaultAbandonsCycle(t *testing.T) {
	lines := newFakeLines(2)
	sink := &recordingSink{}
	d, err := New(Config{Lines: 2, StepsPerPeriod: 1, RelativeAxis: true, Axis: 7}, lines, sink)
	require.NoError(t, err)

	// Arm the latch, then fail the next read.
	feed(t, d, lines, 1, 3, 2)
	readErr := errors.New("line read fault")
	lines.setErr(readErr)
	assert.ErrorIs(t, d.HandleEdge(), readErr)
	assert.Empty(t, sink.relative(), "A failed cycle must not emit")

	// The armed state survived the fault: the next good reading of the
	// resting state still commits.
	lines.setErr(nil)
	feed(t, d, lines, 0)
	assert.Equal(t, []int{-1}, sink.relative())
}

// guardedLines flags any overlapping SampleLines calls, which would mean
// two decode cycles ran concurrently.
type guardedLines struct {
	levels   []bool
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (g *guardedLines) SampleLines() ([]bool, error) {
	if g.inFlight.Add(1) != 1 {
		g.overlap.Store(true)
	}
	defer g.inFlight.Add(-1)
	time.Sleep(50 * time.Microsecond)
	out := make([]bool, len(g.levels))
	copy(out, g.levels)
	return out, nil
}

func TestConcurrentEdgesAreSerialized(t *testing.T) {
	lines := &guardedLines{levels: make([]bool, 2)}
	sink := &recordingSink{}
	d, err := New(Config{Lines: 2, StepsPerPeriod: 1, RelativeAxis: true, Axis: 7}, lines, sink)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, d.HandleEdge())
			}
		}()
	}
	wg.Wait()

	assert.False(t, lines.overlap.Load(), "sample-decide-commit cycles must never interleave")
}
