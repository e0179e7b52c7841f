package ble

import (
	"context"
	"strings"
	"sync"

	"github.com/juju/errors"
)

// MockTransport is scripted in-memory radio for tests and offline replay.
type MockTransport struct {
	sync.Mutex
	// Advertise is reported on each Scan, duplicates are allowed.
	Advertise []Device
	// Feed if set delivers extra discoveries until scan ends.
	Feed       <-chan Device
	ScanErr    error
	ConnectErr error
	Chars      []Characteristic
	// SubscribeErr by characteristic UUID.
	SubscribeErr map[string]error

	scans int
	links []*MockLink
}

func (self *MockTransport) Scan(ctx context.Context, found func(Device)) error {
	self.Lock()
	self.scans++
	adv := append([]Device(nil), self.Advertise...)
	feed, scanErr := self.Feed, self.ScanErr
	self.Unlock()

	for _, d := range adv {
		found(d)
	}
	if scanErr != nil {
		return scanErr
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			found(d)
		}
	}
}

func (self *MockTransport) Connect(ctx context.Context, dev Device) (Link, error) {
	self.Lock()
	defer self.Unlock()
	if self.ConnectErr != nil {
		return nil, self.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &MockLink{
		Device:       dev,
		chars:        append([]Characteristic(nil), self.Chars...),
		subscribeErr: self.SubscribeErr,
		streams:      make(map[string]chan Notification),
		done:         make(chan struct{}),
	}
	self.links = append(self.links, l)
	return l, nil
}

func (self *MockTransport) Scans() int {
	self.Lock()
	defer self.Unlock()
	return self.scans
}

// Link returns last connected link or nil.
func (self *MockTransport) Link() *MockLink {
	self.Lock()
	defer self.Unlock()
	if len(self.links) == 0 {
		return nil
	}
	return self.links[len(self.links)-1]
}

type MockLink struct {
	Device       Device
	chars        []Characteristic
	subscribeErr map[string]error

	mu        sync.RWMutex
	streams   map[string]chan Notification
	dropped   bool
	done      chan struct{}
	closeOnce sync.Once
}

func (self *MockLink) Characteristics(ctx context.Context) ([]Characteristic, error) {
	return append([]Characteristic(nil), self.chars...), nil
}

func (self *MockLink) Subscribe(ctx context.Context, c Characteristic) (<-chan Notification, error) {
	if err := self.subscribeErr[c.UUID]; err != nil {
		return nil, err
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.dropped || self.Closed() {
		return nil, errors.Errorf("mock link closed")
	}
	ch := make(chan Notification)
	self.streams[strings.ToLower(c.UUID)] = ch
	return ch, nil
}

func (self *MockLink) Close() error {
	self.closeOnce.Do(func() { close(self.done) })
	return nil
}

func (self *MockLink) Closed() bool {
	select {
	case <-self.done:
		return true
	default:
		return false
	}
}

// Notify blocks until notification is consumed or link is closed.
// Returns false when nobody could receive it.
func (self *MockLink) Notify(uuid string, value []byte) bool {
	return self.send(Notification{Characteristic: uuid, Value: value})
}

func (self *MockLink) NotifyError(uuid string, err error) bool {
	return self.send(Notification{Characteristic: uuid, Err: err})
}

func (self *MockLink) send(n Notification) bool {
	self.mu.RLock()
	defer self.mu.RUnlock()
	ch, ok := self.streams[strings.ToLower(n.Characteristic)]
	if !ok || self.dropped {
		return false
	}
	select {
	case ch <- n:
		return true
	case <-self.done:
		return false
	}
}

// Drop simulates remote side disconnect.
func (self *MockLink) Drop() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.dropped {
		return
	}
	self.dropped = true
	for _, ch := range self.streams {
		close(ch)
	}
}
