package tele

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
)

const DefaultQueryLimit = 20

// Storer contract:
// - AppendSnapshot adds to per user append-only history
// - store assigns Time when zero
// - caller keeps ownership of s
type Storer interface {
	AppendSnapshot(ctx context.Context, userKey string, s *Snapshot) error
}

type Noop struct{}

var _ Storer = Noop{} // compile-time interface test

func (Noop) AppendSnapshot(context.Context, string, *Snapshot) error { return nil }

func stamp(s *Snapshot, now func() time.Time) *Snapshot {
	c := proto.Clone(s).(*Snapshot)
	if c.Time == 0 {
		c.Time = now().UnixNano()
	}
	return c
}

// Query selects history newest first.
// Zero From/To mean open range, both inclusive.
// Before is pagination cursor: only older than Before.
type Query struct {
	From   time.Time
	To     time.Time
	Before time.Time
	Limit  int
}

func (self Query) match(t time.Time) bool {
	if !self.From.IsZero() && t.Before(self.From) {
		return false
	}
	if !self.To.IsZero() && t.After(self.To) {
		return false
	}
	if !self.Before.IsZero() && !t.Before(self.Before) {
		return false
	}
	return true
}

type MemoryStore struct {
	mu   sync.Mutex
	Now  func() time.Time
	data map[string][]*Snapshot
	err  error
}

var _ Storer = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{Now: time.Now, data: make(map[string][]*Snapshot)}
}

// SetError makes following appends fail, nil to recover.
func (self *MemoryStore) SetError(err error) {
	self.mu.Lock()
	self.err = err
	self.mu.Unlock()
}

func (self *MemoryStore) AppendSnapshot(ctx context.Context, userKey string, s *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userKey == "" {
		return errors.NotValidf("empty user key")
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.err != nil {
		return self.err
	}
	if self.data == nil {
		self.data = make(map[string][]*Snapshot)
	}
	now := self.Now
	if now == nil {
		now = time.Now
	}
	self.data[userKey] = append(self.data[userKey], stamp(s, now))
	return nil
}

// List returns copies in append order.
func (self *MemoryStore) List(userKey string) []*Snapshot {
	self.mu.Lock()
	defer self.mu.Unlock()
	src := self.data[userKey]
	out := make([]*Snapshot, len(src))
	for i, s := range src {
		out[i] = proto.Clone(s).(*Snapshot)
	}
	return out
}

func (self *MemoryStore) Len(userKey string) int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.data[userKey])
}

func (self *MemoryStore) Query(userKey string, q Query) []*Snapshot {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	list := self.List(userKey)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Time > list[j].Time })
	out := make([]*Snapshot, 0, q.Limit)
	for _, s := range list {
		if len(out) == q.Limit {
			break
		}
		if q.match(s.Timestamp()) {
			out = append(out, s)
		}
	}
	return out
}

// Mirror writes to primary, then on success copies into each mirror.
// Time is stamped once so all copies agree. Mirror errors are not returned,
// primary decides whether snapshot was persisted.
type Mirror struct {
	Primary Storer
	Mirrors []Storer
	Now     func() time.Time
	OnError func(error)
}

var _ Storer = &Mirror{}

func (self *Mirror) AppendSnapshot(ctx context.Context, userKey string, s *Snapshot) error {
	now := self.Now
	if now == nil {
		now = time.Now
	}
	c := stamp(s, now)
	if err := self.Primary.AppendSnapshot(ctx, userKey, c); err != nil {
		return err
	}
	for _, m := range self.Mirrors {
		if err := m.AppendSnapshot(ctx, userKey, c); err != nil && self.OnError != nil {
			self.OnError(errors.Annotate(err, "tele mirror"))
		}
	}
	return nil
}
