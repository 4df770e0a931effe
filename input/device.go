// Package input models the outbound surface towards an input event
// consumer: devices accumulate relative/absolute events and make them
// visible as one atomic batch per synchronization point.
package input

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// EventType distinguishes relative displacement events from absolute
// position events.
type EventType int

const (
	EventRelative EventType = iota
	EventAbsolute
)

func (t EventType) String() string {
	switch t {
	case EventRelative:
		return "relative"
	case EventAbsolute:
		return "absolute"
	default:
		return "unknown"
	}
}

// Event is a single reported value on one axis of a device.
type Event struct {
	Type      EventType
	Axis      int
	Value     int
	Timestamp time.Time
}

// AbsInfo describes the value range of an absolute axis.
type AbsInfo struct {
	Min int
	Max int
}

// batchBuffer is the number of synchronized batches a slow consumer may
// fall behind before the oldest batch is dropped.
const batchBuffer = 32

// Device collects events from a producer and delivers them to a consumer
// in synchronized batches. Events reported between two Sync calls become
// visible atomically as one batch; a Report without a following Sync is
// never delivered.
type Device struct {
	name string

	mu      sync.Mutex
	relAxes map[int]bool
	absAxes map[int]AbsInfo
	pending deque.Deque[Event]
	batches chan []Event
	closed  bool
}

// NewDevice creates a device with the given name. Axes must be registered
// before events on them are reported.
func NewDevice(name string) *Device {
	return &Device{
		name:    name,
		relAxes: make(map[int]bool),
		absAxes: make(map[int]AbsInfo),
		batches: make(chan []Event, batchBuffer),
	}
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// SetRelAxis registers a relative axis on the device.
func (d *Device) SetRelAxis(axis int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relAxes[axis] = true
}

// SetAbsAxis registers an absolute axis with its value range.
func (d *Device) SetAbsAxis(axis, min, max int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.absAxes[axis] = AbsInfo{Min: min, Max: max}
}

// AbsAxis returns the range of a registered absolute axis.
func (d *Device) AbsAxis(axis int) (AbsInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.absAxes[axis]
	return info, ok
}

// ReportRelative queues a displacement event. Events on unregistered axes
// are dropped.
func (d *Device) ReportRelative(axis, delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if !d.relAxes[axis] {
		slog.Warn("Dropping event on unregistered relative axis", "device", d.name, "axis", axis)
		return
	}
	d.pending.PushBack(Event{Type: EventRelative, Axis: axis, Value: delta, Timestamp: time.Now()})
}

// ReportAbsolute queues an absolute position event. Events on unregistered
// axes are dropped.
func (d *Device) ReportAbsolute(axis, value int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if _, ok := d.absAxes[axis]; !ok {
		slog.Warn("Dropping event on unregistered absolute axis", "device", d.name, "axis", axis)
		return
	}
	d.pending.PushBack(Event{Type: EventAbsolute, Axis: axis, Value: value, Timestamp: time.Now()})
}

// Sync flushes all pending events as one batch. It never blocks the
// caller: if the consumer has fallen batchBuffer batches behind, the
// oldest batch is discarded to make room.
func (d *Device) Sync() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.pending.Len() == 0 {
		return
	}

	batch := make([]Event, 0, d.pending.Len())
	for d.pending.Len() > 0 {
		batch = append(batch, d.pending.PopFront())
	}

	select {
	case d.batches <- batch:
		return
	default:
	}

	// Consumer is behind. Drop the oldest batch and retry once; if another
	// reader raced us in between, the new batch fits anyway.
	select {
	case <-d.batches:
		slog.Warn("Event consumer too slow, dropping oldest batch", "device", d.name)
	default:
	}
	select {
	case d.batches <- batch:
	default:
	}
}

// Events returns the channel of synchronized event batches.
func (d *Device) Events() <-chan []Event {
	return d.batches
}

// Close discards pending events and closes the event channel. Reports
// arriving after Close are ignored.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.pending.Clear()
	close(d.batches)
}
