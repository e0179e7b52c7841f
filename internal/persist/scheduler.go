// Package persist writes changed telemetry snapshots on a fixed interval.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/evmotion/canble/internal/telemetry"
	"github.com/evmotion/canble/log2"
	"github.com/evmotion/canble/tele"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const DefaultInterval = 5 * time.Minute

var (
	ErrSkipNotConnected = errors.New("session not connected")
	ErrSkipIncomplete   = errors.New("live state incomplete")
	ErrSkipFault        = errors.New("transport fault")
	ErrSkipUnchanged    = errors.New("unchanged")
)

// Sessioner is radio session view needed to decide on write.
type Sessioner interface {
	Connected() bool
	TransportFault() error
}

type Sourcer interface {
	State() telemetry.LiveState
}

type Options struct {
	Log      *log2.Log
	Interval time.Duration
	UserKey  string
	Store    tele.Storer
	Source   Sourcer
	Session  Sessioner
	// Device if set is recorded into snapshots.
	Device func() string
	// OnTick if set runs before each scheduled Tick, used to retry
	// queued remote writes at tick rate.
	OnTick func()
}

type Scheduler struct {
	opt Options
	log *log2.Log

	runMu sync.Mutex
	alive *alive.Alive

	// serializes Tick, guards last
	mu   sync.Mutex
	last *tele.Snapshot
}

func NewScheduler(opt Options) (*Scheduler, error) {
	if opt.Interval <= 0 {
		return nil, errors.NotValidf("persist interval=%v", opt.Interval)
	}
	if opt.UserKey == "" {
		return nil, errors.NotValidf("persist empty user key")
	}
	if opt.Store == nil || opt.Source == nil || opt.Session == nil {
		panic("code error persist scheduler requires Store, Source, Session")
	}
	return &Scheduler{opt: opt, log: opt.Log}, nil
}

// Run ticks once immediately, then every Interval, until ctx done or Stop.
// Blocks, run in goroutine.
func (self *Scheduler) Run(ctx context.Context) {
	self.runMu.Lock()
	if self.alive != nil {
		self.runMu.Unlock()
		panic("code error persist scheduler Run twice")
	}
	self.alive = alive.NewAlive()
	a := self.alive
	self.runMu.Unlock()

	a.Add(1)
	defer a.Done()
	ticker := time.NewTicker(self.opt.Interval)
	defer ticker.Stop()
	stopch := a.StopChan()
	for {
		if self.opt.OnTick != nil {
			self.opt.OnTick()
		}
		self.tickAsync(ctx, a)
		select {
		case <-ctx.Done():
			a.Stop()
			return
		case <-stopch:
			return
		case <-ticker.C:
		}
	}
}

// Stop tears down timer. In-flight write completes in background.
func (self *Scheduler) Stop() {
	self.runMu.Lock()
	a := self.alive
	self.runMu.Unlock()
	if a != nil {
		a.Stop()
	}
}

func (self *Scheduler) tickAsync(ctx context.Context, a *alive.Alive) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		wrote, err := self.Tick(ctx)
		switch {
		case err == nil && wrote:
			self.log.Debugf("persist snapshot written")
		case err == nil:
		case isSkip(err):
			self.log.Debugf("persist skip: %v", err)
		default:
			self.log.Errorf("persist write err=%v", err)
		}
	}()
	select {
	case <-done:
	case <-a.StopChan():
		// write result not awaited after Stop
	}
}

func isSkip(err error) bool {
	switch errors.Cause(err) {
	case ErrSkipNotConnected, ErrSkipIncomplete, ErrSkipFault, ErrSkipUnchanged:
		return true
	}
	return false
}

// Tick evaluates preconditions and writes snapshot when changed.
// Skip reasons are returned as ErrSkip* errors with wrote=false.
func (self *Scheduler) Tick(ctx context.Context) (bool, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if !self.opt.Session.Connected() {
		return false, ErrSkipNotConnected
	}
	if err := self.opt.Session.TransportFault(); err != nil {
		return false, errors.Annotate(ErrSkipFault, err.Error())
	}
	state := self.opt.Source.State()
	if !state.Complete() {
		return false, ErrSkipIncomplete
	}
	snap := tele.NewSnapshot(*state.Motor, *state.Control)
	if self.opt.Device != nil {
		snap.Device = self.opt.Device()
	}
	if self.last != nil && tele.SameReading(self.last, snap) {
		return false, ErrSkipUnchanged
	}
	if err := self.opt.Store.AppendSnapshot(ctx, self.opt.UserKey, snap); err != nil {
		return false, errors.Annotate(err, "persist AppendSnapshot")
	}
	self.last = snap
	return true, nil
}

// Last returns last successfully written snapshot or nil. Read only.
func (self *Scheduler) Last() *tele.Snapshot {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.last
}
