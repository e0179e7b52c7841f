// Package telemetry keeps last known value of each frame kind.
package telemetry

import (
	"fmt"
	"sync"

	"github.com/evmotion/canble/canbus"
)

// LiveState nil slot means no frame of that kind arrived since last Reset.
// Slots never expire.
type LiveState struct {
	Motor   *canbus.MotorMetrics
	Control *canbus.ControlMetrics
	// Seq counts slot changes, merging same value again keeps it.
	Seq uint64
}

func (self LiveState) Complete() bool { return self.Motor != nil && self.Control != nil }

// Clone returns deep copy, safe to hand out to readers.
func (self LiveState) Clone() LiveState {
	c := LiveState{Seq: self.Seq}
	if self.Motor != nil {
		m := self.Motor.Clone()
		c.Motor = &m
	}
	if self.Control != nil {
		ctl := *self.Control
		c.Control = &ctl
	}
	return c
}

func (self LiveState) String() string {
	motor, control := "-", "-"
	if self.Motor != nil {
		motor = self.Motor.String()
	}
	if self.Control != nil {
		control = self.Control.String()
	}
	return fmt.Sprintf("seq=%d %s | %s", self.Seq, motor, control)
}

// Equal compares slot values, Seq is ignored.
func (self LiveState) Equal(other LiveState) bool {
	switch {
	case (self.Motor == nil) != (other.Motor == nil):
		return false
	case (self.Control == nil) != (other.Control == nil):
		return false
	case self.Motor != nil && !self.Motor.Equal(*other.Motor):
		return false
	case self.Control != nil && *self.Control != *other.Control:
		return false
	}
	return true
}

// Merge overwrites only slot of fragment kind. Input state is not modified.
// ok=false for kinds without slot, state returned unchanged.
// Slot already holding equal value returns state as is, Seq included.
func Merge(s LiveState, f canbus.Fragment) (next LiveState, ok bool) {
	next, ok, _ = merge(s, f)
	return next, ok
}

func merge(s LiveState, f canbus.Fragment) (LiveState, bool, bool) {
	switch x := f.(type) {
	case *canbus.MotorMetrics:
		if x == nil {
			return s, false, false
		}
		return merge(s, *x)
	case *canbus.ControlMetrics:
		if x == nil {
			return s, false, false
		}
		return merge(s, *x)
	case canbus.MotorMetrics:
		if s.Motor != nil && s.Motor.Equal(x) {
			return s, true, false
		}
		m := x.Clone()
		s.Motor = &m
	case canbus.ControlMetrics:
		if s.Control != nil && *s.Control == x {
			return s, true, false
		}
		s.Control = &x
	default:
		return s, false, false
	}
	s.Seq++
	return s, true, true
}

type Observer func(LiveState)

// Aggregator serializes Ingest, each fragment is merged atomically.
type Aggregator struct {
	mu    sync.Mutex
	state LiveState

	subMu  sync.Mutex
	subSeq uint64
	subs   map[uint64]Observer
}

func NewAggregator() *Aggregator {
	return &Aggregator{subs: make(map[uint64]Observer)}
}

// Ingest merges fragment and notifies observers outside of state lock.
// Observers are not notified when state did not change.
func (self *Aggregator) Ingest(f canbus.Fragment) LiveState {
	self.mu.Lock()
	next, _, changed := merge(self.state, f)
	if !changed {
		s := self.state.Clone()
		self.mu.Unlock()
		return s
	}
	self.state = next
	s := next.Clone()
	self.mu.Unlock()

	self.notify(s)
	return s
}

// IngestFunc fits ble.SessionOptions.Sink
func (self *Aggregator) IngestFunc() func(canbus.Fragment) {
	return func(f canbus.Fragment) { self.Ingest(f) }
}

func (self *Aggregator) State() LiveState {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state.Clone()
}

// Reset drops all slots. Observers are notified with empty state.
func (self *Aggregator) Reset() {
	self.mu.Lock()
	self.state = LiveState{}
	self.mu.Unlock()
	self.notify(LiveState{})
}

// Subscribe returns cancel func. Observer must not block, it runs
// on ingest goroutine. Each observer gets its own copy.
func (self *Aggregator) Subscribe(fun Observer) func() {
	self.subMu.Lock()
	self.subSeq++
	id := self.subSeq
	self.subs[id] = fun
	self.subMu.Unlock()
	return func() {
		self.subMu.Lock()
		delete(self.subs, id)
		self.subMu.Unlock()
	}
}

func (self *Aggregator) notify(s LiveState) {
	self.subMu.Lock()
	list := make([]Observer, 0, len(self.subs))
	for _, fun := range self.subs {
		list = append(list, fun)
	}
	self.subMu.Unlock()
	for i, fun := range list {
		if i == 0 {
			fun(s)
		} else {
			fun(s.Clone())
		}
	}
}
