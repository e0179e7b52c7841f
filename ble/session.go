package ble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evmotion/canble/canbus"
	"github.com/evmotion/canble/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
)

const DefaultScanTimeout = 10 * time.Second
const DefaultQueueSize = 64

var (
	ErrNotConnected     = errors.New("ble not connected")
	ErrAlreadyConnected = errors.New("ble already connected")
	ErrLinkLost         = errors.New("ble link lost")
	ErrConnectAborted   = errors.New("ble connect aborted")
)

type State uint32

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
)

func (self State) String() string {
	switch self {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", uint32(self))
}

type SessionOptions struct {
	Log         *log2.Log
	ScanTimeout time.Duration
	// nil means HeaderBinding
	Binding Binding
	// Sink receives decoded fragments from single pump goroutine.
	Sink func(canbus.Fragment)
	// OnDevice is called for each new unique device during scan.
	OnDevice func(Device)
	// OnDisconnect is called when remote side drops link, not on Disconnect.
	OnDisconnect func(Device, error)
	QueueSize    int
}

type SessionStat struct {
	Received     uint64
	Decoded      uint64
	Unrecognized uint64
	Unbound      uint64
	Faults       uint64
}

func (self SessionStat) String() string {
	return fmt.Sprintf("received=%d decoded=%d unrecognized=%d unbound=%d faults=%d",
		self.Received, self.Decoded, self.Unrecognized, self.Unbound, self.Faults)
}

type scanRun struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan error
}

type connRun struct {
	link   Link
	device Device
	alive  *alive.Alive
	cancel context.CancelFunc
}

// Session is single radio link owner.
// Only one scan or connection exists at any time.
type Session struct {
	// 64bit atomics first for alignment on 32bit ARM
	stat       SessionStat
	lastNotify atomic_clock.Clock

	sync.Mutex
	log       *log2.Log
	opt       SessionOptions
	transport Transporter
	state     State
	scanGen   uint64
	scan      *scanRun
	// connGen tags connect attempts, bumped by Connect and Disconnect
	connGen uint64
	conn    *connRun
	devices []Device
	seen    map[string]int
	fault   atomic.Value // faultBox
}

type faultBox struct{ err error }

func NewSession(t Transporter, opt SessionOptions) *Session {
	if opt.ScanTimeout <= 0 {
		opt.ScanTimeout = DefaultScanTimeout
	}
	if opt.Binding == nil {
		opt.Binding = HeaderBinding{}
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = DefaultQueueSize
	}
	self := &Session{
		log:       opt.Log,
		opt:       opt,
		transport: t,
		seen:      make(map[string]int),
	}
	self.fault.Store(faultBox{})
	return self
}

func (self *Session) State() State {
	self.Lock()
	defer self.Unlock()
	return self.state
}

func (self *Session) Connected() bool { return self.State() == StateConnected }

// Device returns currently connected device.
func (self *Session) Device() (Device, bool) {
	self.Lock()
	defer self.Unlock()
	if self.conn == nil || self.state != StateConnected {
		return Device{}, false
	}
	return self.conn.device, true
}

// Devices returns unique devices found by current or last scan, in discovery order.
func (self *Session) Devices() []Device {
	self.Lock()
	defer self.Unlock()
	out := make([]Device, len(self.devices))
	copy(out, self.devices)
	return out
}

// TransportFault returns last notification delivery error,
// cleared by next successful notification or new connection.
func (self *Session) TransportFault() error {
	return self.fault.Load().(faultBox).err
}

// SinceLastNotify returns 0 when nothing was received yet.
func (self *Session) SinceLastNotify() time.Duration {
	if atomic.LoadUint64(&self.stat.Received) == 0 {
		return 0
	}
	return atomic_clock.Since(&self.lastNotify)
}

func (self *Session) Stat() SessionStat {
	return SessionStat{
		Received:     atomic.LoadUint64(&self.stat.Received),
		Decoded:      atomic.LoadUint64(&self.stat.Decoded),
		Unrecognized: atomic.LoadUint64(&self.stat.Unrecognized),
		Unbound:      atomic.LoadUint64(&self.stat.Unbound),
		Faults:       atomic.LoadUint64(&self.stat.Faults),
	}
}

// StartScan begins discovery of devices accepted by filter.
// Scan ends on ScanTimeout, StopScan, ctx cancel or transport error.
// Returned channel receives single result, nil on normal end, then closed.
// While scan is running, StartScan returns the same channel.
func (self *Session) StartScan(ctx context.Context, filter func(Device) bool) <-chan error {
	if filter == nil {
		filter = AnyDevice
	}
	self.Lock()
	defer self.Unlock()
	switch self.state {
	case StateScanning:
		return self.scan.done
	case StateIdle:
	default:
		done := make(chan error, 1)
		done <- errors.Errorf("ble scan requires idle state, current=%s", self.state)
		close(done)
		return done
	}

	self.devices = nil
	self.seen = make(map[string]int)
	self.scanGen++
	scanCtx, cancel := context.WithTimeout(ctx, self.opt.ScanTimeout)
	run := &scanRun{gen: self.scanGen, cancel: cancel, done: make(chan error, 1)}
	self.scan = run
	self.state = StateScanning
	self.log.Debugf("ble scan start timeout=%v", self.opt.ScanTimeout)

	go func() {
		err := self.transport.Scan(scanCtx, func(d Device) {
			if filter(d) {
				self.found(run.gen, d)
			}
		})
		if err != nil && scanCtx.Err() != nil {
			err = nil
		}
		cancel()
		self.Lock()
		if self.scan == run {
			self.scan = nil
			if self.state == StateScanning {
				self.state = StateIdle
			}
		}
		n := len(self.devices)
		self.Unlock()
		if err != nil {
			err = errors.Annotate(err, "ble scan")
			self.log.Error(err)
		} else {
			self.log.Debugf("ble scan end devices=%d", n)
		}
		run.done <- err
		close(run.done)
	}()
	return run.done
}

// StopScan is no-op when not scanning.
// Discoveries reported after StopScan are discarded.
func (self *Session) StopScan() {
	self.Lock()
	defer self.Unlock()
	self.stopScan()
}

func (self *Session) stopScan() {
	if self.scan == nil {
		return
	}
	self.scan.cancel()
	self.scan = nil
	if self.state == StateScanning {
		self.state = StateIdle
	}
}

func (self *Session) found(gen uint64, d Device) {
	self.Lock()
	if self.scan == nil || self.scan.gen != gen {
		self.Unlock()
		return
	}
	if i, ok := self.seen[d.ID]; ok {
		// keep discovery order, refresh signal and late name
		self.devices[i].RSSI = d.RSSI
		if d.Name != "" {
			self.devices[i].Name = d.Name
		}
		self.Unlock()
		return
	}
	self.seen[d.ID] = len(self.devices)
	self.devices = append(self.devices, d)
	self.Unlock()
	self.log.Debugf("ble found %s rssi=%d", d.String(), d.RSSI)
	if self.opt.OnDevice != nil {
		self.opt.OnDevice(d)
	}
}

// Connect stops scan, connects dev and subscribes to all notifiable characteristics.
// Failure to subscribe single characteristic is logged and skipped.
func (self *Session) Connect(ctx context.Context, dev Device) error {
	self.Lock()
	switch self.state {
	case StateConnecting, StateConnected:
		self.Unlock()
		return ErrAlreadyConnected
	}
	self.stopScan()
	self.state = StateConnecting
	self.connGen++
	gen := self.connGen
	self.Unlock()

	err := self.connect(ctx, gen, dev)
	if err != nil {
		self.Lock()
		if self.state == StateConnecting && self.connGen == gen {
			self.state = StateIdle
		}
		self.Unlock()
		err = errors.Annotatef(err, "ble connect %s", dev.String())
		self.log.Error(err)
	}
	return err
}

func (self *Session) connect(ctx context.Context, gen uint64, dev Device) error {
	link, err := self.transport.Connect(ctx, dev)
	if err != nil {
		return err
	}
	streams, err := self.subscribeAll(ctx, link)
	if err != nil {
		_ = link.Close()
		return err
	}

	self.Lock()
	defer self.Unlock()
	if self.state != StateConnecting || self.connGen != gen {
		// Disconnect was called meanwhile, maybe followed by another Connect
		_ = link.Close()
		return ErrConnectAborted
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	run := &connRun{
		link:   link,
		device: dev,
		alive:  alive.NewAlive(),
		cancel: cancel,
	}
	self.conn = run
	self.state = StateConnected
	self.fault.Store(faultBox{})
	in := merge(pumpCtx, streams, self.opt.QueueSize)
	run.alive.Add(1)
	go self.pump(pumpCtx, run, in)
	self.log.Infof("ble connected %s subscriptions=%d", dev.String(), len(streams))
	return nil
}

func (self *Session) subscribeAll(ctx context.Context, link Link) ([]<-chan Notification, error) {
	chars, err := link.Characteristics(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "characteristics")
	}
	streams := make([]<-chan Notification, 0, len(chars))
	for _, c := range chars {
		if !c.Notifiable {
			continue
		}
		ch, err := link.Subscribe(ctx, c)
		if err != nil {
			self.log.Errorf("ble subscribe uuid=%s err=%v", c.UUID, err)
			continue
		}
		self.log.Debugf("ble subscribed uuid=%s", c.UUID)
		streams = append(streams, ch)
	}
	if len(streams) == 0 {
		return nil, errors.NotFoundf("notifiable characteristic")
	}
	return streams, nil
}

// Disconnect closes link or stops connecting. Idempotent.
// After return, Sink is not called until next Connect.
// Must not be called from Sink.
func (self *Session) Disconnect() error {
	self.Lock()
	run := self.conn
	self.conn = nil
	self.stopScan()
	self.state = StateIdle
	self.connGen++
	self.Unlock()

	if run == nil {
		return nil
	}
	run.cancel()
	run.alive.Stop()
	err := run.link.Close()
	run.alive.Wait()
	self.log.Infof("ble disconnected %s", run.device.String())
	return errors.Annotate(err, "ble disconnect")
}

func (self *Session) pump(ctx context.Context, run *connRun, in <-chan Notification) {
	defer run.alive.Done()
	stopch := run.alive.StopChan()
	for {
		select {
		case <-stopch:
			return
		case n, ok := <-in:
			if !ok {
				if ctx.Err() == nil {
					self.linkLost(run)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			self.handle(n)
		}
	}
}

func (self *Session) handle(n Notification) {
	if n.Err != nil {
		atomic.AddUint64(&self.stat.Faults, 1)
		self.fault.Store(faultBox{n.Err})
		self.log.Errorf("ble notify uuid=%s err=%v", n.Characteristic, n.Err)
		return
	}
	atomic.AddUint64(&self.stat.Received, 1)
	self.lastNotify.SetNow()
	if self.TransportFault() != nil {
		self.fault.Store(faultBox{})
	}

	id, payload, ok := self.opt.Binding.Bind(n)
	if !ok {
		atomic.AddUint64(&self.stat.Unbound, 1)
		self.log.Debugf("ble notify unbound uuid=%s len=%d", n.Characteristic, len(n.Value))
		return
	}
	f := canbus.Decode(id, payload)
	if f.Kind() == canbus.KindUnrecognized {
		atomic.AddUint64(&self.stat.Unrecognized, 1)
		self.log.Debugf("ble notify %s", f.String())
		return
	}
	atomic.AddUint64(&self.stat.Decoded, 1)
	if self.opt.Sink != nil {
		self.opt.Sink(f)
	}
}

func (self *Session) linkLost(run *connRun) {
	self.Lock()
	if self.conn != run {
		self.Unlock()
		return
	}
	self.conn = nil
	self.state = StateIdle
	self.Unlock()

	run.cancel()
	run.alive.Stop()
	_ = run.link.Close()
	self.log.Errorf("ble %s %s", ErrLinkLost.Error(), run.device.String())
	if self.opt.OnDisconnect != nil {
		self.opt.OnDisconnect(run.device, ErrLinkLost)
	}
}

// merge fans in streams, keeping order within each stream.
// Output is closed when all inputs are closed or ctx is done.
func merge(ctx context.Context, streams []<-chan Notification, size int) <-chan Notification {
	out := make(chan Notification, size)
	var wg sync.WaitGroup
	wg.Add(len(streams))
	for _, ch := range streams {
		go func(ch <-chan Notification) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case n, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- n:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
