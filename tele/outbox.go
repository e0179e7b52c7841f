package tele

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/evmotion/canble/log2"
	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
)

const DefaultRetryDelay = 10 * time.Second

// denote value type in persistent queue bytes form
const qSnapshot byte = 1

type OutboxStat struct {
	Pushed  uint64
	Sent    uint64
	Retried uint64
	Dropped uint64
}

// Outbox contract:
// - AppendSnapshot blocks at most for disk write, succeeds offline
// - snapshots are delivered to upstream at least once, in background
// - Time is assigned on enqueue, so delayed delivery keeps observation time
// - failed delivery is moved to queue tail and retried on Flush,
//   RetryDelay is backstop when nobody calls Flush
type Outbox struct {
	// 64bit atomics first for alignment on 32bit ARM
	stat OutboxStat

	log        *log2.Log
	q          *spq.Queue
	upstream   Storer
	retryDelay time.Duration
	flush      chan struct{}
	alive      *alive.Alive
	Now        func() time.Time
}

var _ Storer = &Outbox{}

// NewOutbox path=spq.OnlyForTesting keeps queue in memory.
func NewOutbox(path string, upstream Storer, retryDelay time.Duration, log *log2.Log) (*Outbox, error) {
	if path == "" {
		return nil, errors.NotValidf("tele outbox empty path")
	}
	if upstream == nil {
		panic("code error outbox upstream=nil")
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "tele outbox open path=%s", path)
	}
	self := &Outbox{
		log:        log,
		q:          q,
		upstream:   upstream,
		retryDelay: retryDelay,
		flush:      make(chan struct{}, 1),
		alive:      alive.NewAlive(),
		Now:        time.Now,
	}
	self.alive.Add(1)
	go self.qworker()
	return self, nil
}

func (self *Outbox) AppendSnapshot(ctx context.Context, userKey string, s *Snapshot) error {
	if userKey == "" {
		return errors.NotValidf("tele outbox empty user key")
	}
	if !self.alive.IsRunning() {
		return errors.Errorf("tele outbox closed")
	}
	env := &Envelope{UserKey: userKey, Snapshot: stamp(s, self.Now)}
	buf := proto.NewBuffer(make([]byte, 0, 256))
	if err := buf.EncodeVarint(uint64(qSnapshot)); err != nil {
		return err
	}
	if err := buf.Marshal(env); err != nil {
		return errors.Annotate(err, "tele outbox Marshal")
	}
	if err := self.q.Push(buf.Bytes()); err != nil {
		return errors.Annotate(err, "tele outbox Push")
	}
	atomic.AddUint64(&self.stat.Pushed, 1)
	return nil
}

func (self *Outbox) Stat() OutboxStat {
	return OutboxStat{
		Pushed:  atomic.LoadUint64(&self.stat.Pushed),
		Sent:    atomic.LoadUint64(&self.stat.Sent),
		Retried: atomic.LoadUint64(&self.stat.Retried),
		Dropped: atomic.LoadUint64(&self.stat.Dropped),
	}
}

// Flush wakes worker waiting after failed delivery. Never blocks.
func (self *Outbox) Flush() {
	select {
	case self.flush <- struct{}{}:
	default:
	}
}

// Close stops worker, undelivered snapshots stay on disk.
func (self *Outbox) Close() {
	self.alive.Stop()
	self.q.Close()
	self.alive.Wait()
}

func (self *Outbox) qworker() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			del, err := self.qhandle(b)
			if err != nil {
				self.log.Errorf("tele outbox qhandle b=%x err=%v", b, err)
			}
			if del {
				if err = self.q.Delete(box); err != nil {
					self.log.Errorf("tele outbox Delete err=%v", err)
				}
				continue
			}
			atomic.AddUint64(&self.stat.Retried, 1)
			if err = self.q.DeletePush(box); err != nil {
				self.log.Errorf("tele outbox DeletePush err=%v", err)
			}
			select {
			case <-stopch:
				return
			case <-self.flush:
			case <-time.After(self.retryDelay):
			}

		case spq.ErrClosed:
			if self.alive.IsRunning() {
				self.log.Errorf("CRITICAL tele outbox spq closed unexpectedly")
			}
			return

		default:
			self.log.Errorf("CRITICAL tele outbox spq err=%v", err)
			select {
			case <-stopch:
				return
			case <-time.After(self.retryDelay):
			}
		}
	}
}

// qhandle returns true when item must be removed from queue.
func (self *Outbox) qhandle(b []byte) (bool, error) {
	if len(b) == 0 {
		atomic.AddUint64(&self.stat.Dropped, 1)
		return true, errors.Errorf("empty item")
	}
	switch b[0] {
	case qSnapshot:
		var env Envelope
		if err := proto.Unmarshal(b[1:], &env); err != nil {
			atomic.AddUint64(&self.stat.Dropped, 1)
			return true, err
		}
		if env.Snapshot == nil || env.UserKey == "" {
			atomic.AddUint64(&self.stat.Dropped, 1)
			return true, errors.NotValidf("envelope")
		}
		ctx, cancel := context.WithTimeout(context.Background(), DefaultNetworkTimeout)
		defer cancel()
		if err := self.upstream.AppendSnapshot(ctx, env.UserKey, env.Snapshot); err != nil {
			return false, err
		}
		atomic.AddUint64(&self.stat.Sent, 1)
		return true, nil

	default:
		atomic.AddUint64(&self.stat.Dropped, 1)
		return true, errors.Errorf("unknown kind=%d", b[0])
	}
}
