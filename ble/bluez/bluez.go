// Package bluez implements ble.Transporter over BlueZ D-Bus API.
package bluez

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evmotion/canble/ble"
	"github.com/evmotion/canble/log2"
	"github.com/godbus/dbus/v5"
	"github.com/juju/errors"
)

const (
	bluezBus          = "org.bluez"
	ifaceAdapter      = "org.bluez.Adapter1"
	ifaceDevice       = "org.bluez.Device1"
	ifaceGattChar     = "org.bluez.GattCharacteristic1"
	ifaceProperties   = "org.freedesktop.DBus.Properties"
	ifaceObjectMgr    = "org.freedesktop.DBus.ObjectManager"
	signalPropChanged = ifaceProperties + ".PropertiesChanged"

	DefaultAdapter        = "hci0"
	DefaultPollInterval   = time.Second
	DefaultResolveTimeout = 15 * time.Second
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type Options struct {
	Adapter        string
	Log            *log2.Log
	PollInterval   time.Duration
	ResolveTimeout time.Duration
}

type Transport struct {
	opt         Options
	log         *log2.Log
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
}

var _ ble.Transporter = &Transport{}

// New connects system bus. Shared bus connection is never closed.
func New(opt Options) (*Transport, error) {
	if opt.Adapter == "" {
		opt.Adapter = DefaultAdapter
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.ResolveTimeout <= 0 {
		opt.ResolveTimeout = DefaultResolveTimeout
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Annotate(err, "bluez system bus")
	}
	return &Transport{
		opt:         opt,
		log:         opt.Log,
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + opt.Adapter),
	}, nil
}

func (self *Transport) Scan(ctx context.Context, found func(ble.Device)) error {
	adapter := self.conn.Object(bluezBus, self.adapterPath)
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if call := adapter.CallWithContext(ctx, ifaceAdapter+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		self.log.Debugf("bluez SetDiscoveryFilter err=%v", call.Err)
	}
	if call := adapter.CallWithContext(ctx, ifaceAdapter+".StartDiscovery", 0); call.Err != nil {
		return errors.Annotatef(call.Err, "bluez %s StartDiscovery", self.opt.Adapter)
	}
	defer adapter.Call(ifaceAdapter+".StopDiscovery", 0)

	ticker := time.NewTicker(self.opt.PollInterval)
	defer ticker.Stop()
	for {
		objects, err := self.managedObjects(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, d := range devicesFromObjects(self.adapterPath, objects) {
			found(d)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (self *Transport) Connect(ctx context.Context, dev ble.Device) (ble.Link, error) {
	path := devicePath(self.adapterPath, dev.ID)
	obj := self.conn.Object(bluezBus, path)
	if call := obj.CallWithContext(ctx, ifaceDevice+".Connect", 0); call.Err != nil {
		return nil, errors.Annotatef(call.Err, "bluez Connect %s", dev.ID)
	}
	if err := self.waitResolved(ctx, path); err != nil {
		obj.Call(ifaceDevice+".Disconnect", 0)
		return nil, err
	}
	l := &link{
		t:       self,
		log:     self.log,
		path:    path,
		streams: make(map[dbus.ObjectPath]stream),
		stopch:  make(chan struct{}),
	}
	if err := l.watch(path); err != nil {
		obj.Call(ifaceDevice+".Disconnect", 0)
		return nil, err
	}
	return l, nil
}

func (self *Transport) managedObjects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	root := self.conn.Object(bluezBus, "/")
	if err := root.CallWithContext(ctx, ifaceObjectMgr+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, errors.Annotate(err, "bluez GetManagedObjects")
	}
	return objects, nil
}

func (self *Transport) waitResolved(ctx context.Context, path dbus.ObjectPath) error {
	ctx, cancel := context.WithTimeout(ctx, self.opt.ResolveTimeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	obj := self.conn.Object(bluezBus, path)
	for {
		v, err := obj.GetProperty(ifaceDevice + ".ServicesResolved")
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return errors.Timeoutf("bluez %s ServicesResolved", path)
		case <-ticker.C:
		}
	}
}

func (self *Transport) addMatch(path dbus.ObjectPath) error {
	call := self.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule(path))
	return errors.Annotatef(call.Err, "bluez AddMatch path=%s", path)
}

func (self *Transport) removeMatch(path dbus.ObjectPath) {
	self.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, matchRule(path))
}

type stream struct {
	uuid string
	ch   chan ble.Notification
}

type link struct {
	t    *Transport
	log  *log2.Log
	path dbus.ObjectPath

	mu        sync.Mutex
	streams   map[dbus.ObjectPath]stream
	matches   []dbus.ObjectPath
	sigch     chan *dbus.Signal
	stopch    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (self *link) Characteristics(ctx context.Context) ([]ble.Characteristic, error) {
	objects, err := self.t.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	return characteristicsFromObjects(self.path, objects), nil
}

func (self *link) Subscribe(ctx context.Context, c ble.Characteristic) (<-chan ble.Notification, error) {
	path := dbus.ObjectPath(c.Path)
	if !path.IsValid() {
		return nil, errors.NotValidf("characteristic path=%q", c.Path)
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if _, ok := self.streams[path]; ok {
		return nil, errors.AlreadyExistsf("subscription uuid=%s", c.UUID)
	}
	if err := self.t.addMatch(path); err != nil {
		return nil, err
	}
	self.matches = append(self.matches, path)
	obj := self.t.conn.Object(bluezBus, path)
	if call := obj.CallWithContext(ctx, ifaceGattChar+".StartNotify", 0); call.Err != nil {
		return nil, errors.Annotatef(call.Err, "bluez StartNotify uuid=%s", c.UUID)
	}
	st := stream{uuid: c.UUID, ch: make(chan ble.Notification, 16)}
	self.streams[path] = st
	return st.ch, nil
}

// watch installs device Connected tracking and signal dispatch.
func (self *link) watch(devPath dbus.ObjectPath) error {
	if err := self.t.addMatch(devPath); err != nil {
		return err
	}
	self.matches = append(self.matches, devPath)
	self.sigch = make(chan *dbus.Signal, 64)
	self.t.conn.Signal(self.sigch)
	go self.dispatch()
	return nil
}

func (self *link) dispatch() {
	defer self.closeStreams()
	for {
		select {
		case <-self.stopch:
			return
		case sig, ok := <-self.sigch:
			if !ok {
				return
			}
			if sig.Name != signalPropChanged {
				continue
			}
			if sig.Path == self.path {
				if connected, ok := connectedFromSignal(sig); ok && !connected {
					self.log.Debugf("bluez %s disconnected by remote", self.path)
					return
				}
				continue
			}
			self.mu.Lock()
			st, ok := self.streams[sig.Path]
			self.mu.Unlock()
			if !ok {
				continue
			}
			value, ok, err := valueFromSignal(sig)
			if !ok {
				continue
			}
			n := ble.Notification{Characteristic: st.uuid, Value: value, Err: err}
			select {
			case st.ch <- n:
			case <-self.stopch:
				return
			}
		}
	}
}

func (self *link) closeStreams() {
	self.mu.Lock()
	defer self.mu.Unlock()
	for path, st := range self.streams {
		close(st.ch)
		delete(self.streams, path)
	}
}

func (self *link) Close() error {
	self.closeOnce.Do(func() {
		close(self.stopch)
		self.mu.Lock()
		paths := make([]dbus.ObjectPath, 0, len(self.streams))
		for path := range self.streams {
			paths = append(paths, path)
		}
		matches := self.matches
		self.matches = nil
		self.mu.Unlock()

		for _, path := range paths {
			self.t.conn.Object(bluezBus, path).Call(ifaceGattChar+".StopNotify", 0)
		}
		for _, path := range matches {
			self.t.removeMatch(path)
		}
		if self.sigch != nil {
			self.t.conn.RemoveSignal(self.sigch)
		}
		if call := self.t.conn.Object(bluezBus, self.path).Call(ifaceDevice+".Disconnect", 0); call.Err != nil {
			self.closeErr = errors.Annotatef(call.Err, "bluez Disconnect %s", self.path)
		}
	})
	return self.closeErr
}

func matchRule(path dbus.ObjectPath) string {
	return fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'",
		bluezBus, ifaceProperties, path)
}

// devicePath "AA:BB:CC:DD:EE:FF" -> "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func devicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ToUpper(strings.Replace(address, ":", "_", -1)))
}

func devicesFromObjects(adapter dbus.ObjectPath, objects managedObjects) []ble.Device {
	prefix := string(adapter) + "/"
	ds := make([]ble.Device, 0, 8)
	for path, ifaces := range objects {
		props, ok := ifaces[ifaceDevice]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		d := ble.Device{}
		d.ID, _ = variantString(props["Address"])
		if d.ID == "" {
			continue
		}
		if d.Name, _ = variantString(props["Name"]); d.Name == "" {
			d.Name, _ = variantString(props["Alias"])
		}
		if v, ok := props["RSSI"]; ok {
			d.RSSI, _ = v.Value().(int16)
		}
		ds = append(ds, d)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
	return ds
}

func characteristicsFromObjects(dev dbus.ObjectPath, objects managedObjects) []ble.Characteristic {
	prefix := string(dev) + "/"
	cs := make([]ble.Characteristic, 0, 8)
	for path, ifaces := range objects {
		props, ok := ifaces[ifaceGattChar]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		c := ble.Characteristic{Path: string(path)}
		c.UUID, _ = variantString(props["UUID"])
		if v, ok := props["Flags"]; ok {
			flags, _ := v.Value().([]string)
			for _, f := range flags {
				if f == "notify" || f == "indicate" {
					c.Notifiable = true
				}
			}
		}
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].Path < cs[j].Path })
	return cs
}

// valueFromSignal extracts characteristic Value from PropertiesChanged.
// ok=false means signal carries no Value change.
func valueFromSignal(sig *dbus.Signal) ([]byte, bool, error) {
	if len(sig.Body) < 2 {
		return nil, false, nil
	}
	if iface, _ := sig.Body[0].(string); iface != ifaceGattChar {
		return nil, false, nil
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, false, nil
	}
	v, ok := changed["Value"]
	if !ok {
		return nil, false, nil
	}
	b, ok := v.Value().([]byte)
	if !ok {
		return nil, true, errors.NotValidf("characteristic value type %s", v.Signature().String())
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true, nil
}

func connectedFromSignal(sig *dbus.Signal) (connected bool, ok bool) {
	if len(sig.Body) < 2 {
		return false, false
	}
	if iface, _ := sig.Body[0].(string); iface != ifaceDevice {
		return false, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, ok := changed["Connected"]
	if !ok {
		return false, false
	}
	connected, ok = v.Value().(bool)
	return connected, ok
}

func variantString(v dbus.Variant) (string, bool) {
	s, ok := v.Value().(string)
	return s, ok
}
