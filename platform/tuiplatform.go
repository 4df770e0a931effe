package platform

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/exp/maps"

	"lautenbacher.net/gorotary/config"
	"lautenbacher.net/gorotary/decoder"
	"lautenbacher.net/gorotary/logging"
	"lautenbacher.net/gorotary/util"
)

// grayPattern is the raw line pattern of the four quadrature phases in
// rotation order. Consecutive entries differ in exactly one line.
var grayPattern = [4]uint{0b00, 0b01, 0b11, 0b10}

// TUIPlatform simulates the encoders in the terminal: arrow keys move the
// selected encoder through the quadrature phases (or change the raw value
// of an absolute encoder) one line transition at a time, and every
// transition is dispatched like a hardware edge.
type TUIPlatform struct {
	*AbstractPlatform
	app          *tview.Application
	stateView    *tview.TextView
	logView      *tview.TextView
	osSignalChan chan os.Signal

	sims       map[string]*simLines
	names      []string
	selected   int
	lastEvents *util.AtomicMapEvent[string]
	status     *util.AtomicEvent[string]
	stopChan   chan struct{}
	renderWg   sync.WaitGroup
}

func NewTUIPlatform(conf *config.Config) *TUIPlatform {
	p := &TUIPlatform{
		AbstractPlatform: newAbstractPlatform(conf),
		sims:             make(map[string]*simLines),
		lastEvents:       util.NewAtomicMapEvent[string](),
		status:           util.NewAtomicEvent[string](),
		stopChan:         make(chan struct{}),
	}
	p.observer = p.observeBatch
	return p
}

// SetOSSignalChan wires the channel the TUI uses to request shutdown when
// the user presses 'q'.
func (p *TUIPlatform) SetOSSignalChan(ch chan os.Signal) {
	p.osSignalChan = ch
}

func (p *TUIPlatform) Start() error {
	samplers := make(map[string]decoder.LineSampler, len(p.config.Encoders))
	for name, enc := range p.config.Encoders {
		sim := newSimLines(len(enc.Lines), enc.AbsoluteEncoder)
		p.sims[name] = sim
		samplers[name] = sim
	}

	if err := p.attachDecoders(samplers); err != nil {
		return err
	}

	p.names = maps.Keys(p.sims)
	sort.Strings(p.names)

	p.buildApp()

	go func() {
		if err := p.app.Run(); err != nil {
			slog.Error("TUI terminated", "error", err)
		}
	}()

	p.renderWg.Add(1)
	go p.renderLoop()

	// Adopt the buffered log output into the log pane now that it exists.
	if err := logging.SetOutput(tview.ANSIWriter(p.logView)); err != nil {
		slog.Error("Error redirecting log output", "error", err)
	}

	p.refresh()
	return nil
}

func (p *TUIPlatform) Stop() {
	close(p.stopChan)
	p.renderWg.Wait()
	logging.BufferOutput()
	if p.app != nil {
		p.app.Stop()
	}
	p.detachDecoders()
}

func (p *TUIPlatform) buildApp() {
	p.app = tview.NewApplication()

	p.stateView = tview.NewTextView()
	p.stateView.SetDynamicColors(true)
	p.stateView.SetBorder(true)
	p.stateView.SetTitle(" encoders ")

	p.logView = tview.NewTextView()
	p.logView.SetScrollable(true)
	p.logView.SetBorder(true)
	p.logView.SetTitle(" log ")
	p.logView.SetChangedFunc(func() {
		p.app.Draw()
	})

	help := tview.NewTextView()
	help.SetText(" ←/→ rotate   TAB select encoder   s suspend   r resume   q quit")

	flex := tview.NewFlex()
	flex.SetDirection(tview.FlexRow)
	flex.AddItem(p.stateView, 0, 2, false)
	flex.AddItem(p.logView, 0, 3, false)
	flex.AddItem(help, 1, 0, false)

	p.app.SetRoot(flex, true)
	p.app.SetInputCapture(p.handleKey)
}

func (p *TUIPlatform) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyLeft:
		p.turn(-1)
		return nil
	case tcell.KeyRight:
		p.turn(1)
		return nil
	case tcell.KeyTab:
		p.selected = (p.selected + 1) % len(p.names)
		p.refresh()
		return nil
	case tcell.KeyCtrlC:
		p.requestShutdown()
		return nil
	}

	switch event.Rune() {
	case 'q':
		p.requestShutdown()
		return nil
	case 's':
		p.Suspend()
		p.refresh()
		return nil
	case 'r':
		p.Resume()
		p.refresh()
		return nil
	}

	return event
}

func (p *TUIPlatform) requestShutdown() {
	if p.osSignalChan != nil {
		p.osSignalChan <- syscall.SIGINT
	}
}

// turn advances the selected simulated encoder by one line transition and
// dispatches it like a hardware edge.
func (p *TUIPlatform) turn(dir int) {
	name := p.names[p.selected]
	p.sims[name].turn(dir)
	p.dispatchEdge(name)
	p.refresh()
}

func (p *TUIPlatform) observeBatch(ev *EncoderEvent) {
	parts := make([]string, 0, len(ev.Events))
	for _, e := range ev.Events {
		parts = append(parts, fmt.Sprintf("%s axis=%d value=%d", e.Type, e.Axis, e.Value))
	}
	p.lastEvents.Send(ev.Encoder, strings.Join(parts, ", "))
}

func (p *TUIPlatform) refresh() {
	p.status.Send("")
}

// renderLoop redraws the state pane whenever a new event batch or a key
// action changed something worth showing.
func (p *TUIPlatform) renderLoop() {
	defer p.renderWg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case <-p.lastEvents.Channel():
		case <-p.status.Channel():
		}
		p.app.QueueUpdateDraw(p.renderState)
	}
}

func (p *TUIPlatform) renderState() {
	last := p.lastEvents.Value()

	var buf strings.Builder
	for i, name := range p.names {
		marker := "  "
		if i == p.selected {
			marker = "[yellow]> [-]"
		}
		enc := p.config.Encoders[name]
		sim := p.sims[name]

		buf.WriteString(fmt.Sprintf("%s[::b]%s[::-]  %s", marker, name, sim.render()))
		switch {
		case enc.AbsoluteEncoder:
			buf.WriteString("  (absolute)")
		case enc.RelativeAxis:
			buf.WriteString("  (relative)")
		default:
			buf.WriteString(fmt.Sprintf("  pos=%d", p.position(name)))
		}
		if ev, ok := last[name]; ok && ev != "" {
			buf.WriteString(fmt.Sprintf("\n      last: %s", ev))
		}
		buf.WriteString("\n")
	}

	p.stateView.SetText(buf.String())
}

// simLines simulates the monitored lines of one encoder. A quadrature
// encoder walks the gray pattern one phase per turn; an absolute encoder
// steps its raw value up or down.
type simLines struct {
	mu       sync.Mutex
	levels   []bool
	phase    int
	raw      uint
	absolute bool
}

func newSimLines(lines int, absolute bool) *simLines {
	return &simLines{
		levels:   make([]bool, lines),
		absolute: absolute,
	}
}

func (s *simLines) SampleLines() ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(s.levels))
	copy(out, s.levels)
	return out, nil
}

func (s *simLines) turn(dir int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.absolute {
		span := uint(1) << len(s.levels)
		if dir > 0 {
			s.raw = (s.raw + 1) % span
		} else {
			s.raw = (s.raw + span - 1) % span
		}
		s.apply(s.raw)
		return
	}

	s.phase = (s.phase + dir + 4) % 4
	s.apply(grayPattern[s.phase])
}

// apply sets the line levels from a raw pattern, most significant line
// first. Caller holds the lock.
func (s *simLines) apply(raw uint) {
	for i := range s.levels {
		s.levels[i] = raw&(1<<(len(s.levels)-1-i)) != 0
	}
}

func (s *simLines) render() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf strings.Builder
	for _, level := range s.levels {
		if level {
			buf.WriteString("●")
		} else {
			buf.WriteString("○")
		}
	}
	return buf.String()
}
