package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/evmotion/canble/ble"
	"github.com/evmotion/canble/ble/bluez"
	"github.com/evmotion/canble/helpers"
	"github.com/evmotion/canble/internal/livefeed"
	"github.com/evmotion/canble/internal/persist"
	"github.com/evmotion/canble/internal/telemetry"
	"github.com/evmotion/canble/log2"
	"github.com/evmotion/canble/tele"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	ContextKey = "run/state-global"

	DefaultReconnectDelay = 5 * time.Second
	// used when remote store is disabled
	LocalUserKey = "local"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log
	// Transport set before Init overrides BlueZ, tests use ble.MockTransport
	Transport  ble.Transporter
	Session    *ble.Session
	Aggregator *telemetry.Aggregator
	Scheduler  *persist.Scheduler
	Store      tele.Storer
	// History keeps snapshots written in this process, newest queried first
	History *tele.MemoryStore
	Outbox  *tele.Outbox
	Feed    *livefeed.Server
	Known   persist.KnownDevice

	knownFile persist.File
	mqtt      *tele.MqttStore
	foundCh   chan ble.Device
	lostCh    chan struct{}
	stopOnce  sync.Once

	_copy_guard sync.Mutex //nolint:unused
}

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive:        alive.NewAlive(),
		BuildVersion: "unknown",
		Log:          log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if err := g.Config.Validate(); err != nil {
		return err
	}
	g.Log.Infof("build version=%s", g.BuildVersion)
	if g.Config.Log.Debug {
		g.Log.SetLevel(log2.LDebug)
	}

	if g.Config.Persist.Root == "" {
		g.Config.Persist.Root = "./tmp-canble-db"
		g.Log.Errorf("config: persist.root=empty changed=%s", g.Config.Persist.Root)
	}
	g.Log.Debugf("config: persist.root=%s", g.Config.Persist.Root)
	if g.Config.Persist.UserKey == "" {
		g.Config.Persist.UserKey = LocalUserKey
	}

	errs := make([]error, 0)
	g.Aggregator = telemetry.NewAggregator()
	g.History = tele.NewMemoryStore()
	if err := g.initStore(); err != nil {
		errs = append(errs, errors.Annotate(err, "store init"))
		g.Store = g.History
	}

	if err := g.knownFile.Init("device", &g.Known, g.Config.Persist.Root, g.Config.Persist.RememberDevice, g.Log); err != nil {
		errs = append(errs, err)
	} else if err := g.knownFile.Load(); err != nil {
		g.Error(err)
	} else if d, ok := g.Known.Get(); ok {
		g.Log.Debugf("known device %s", d.String())
	}

	if err := g.initSession(); err != nil {
		errs = append(errs, errors.Annotate(err, "session init"))
	}

	var onTick func()
	if g.Outbox != nil {
		onTick = g.Outbox.Flush
	}
	sched, err := persist.NewScheduler(persist.Options{
		Log:      g.Log,
		Interval: g.persistInterval(),
		OnTick:   onTick,
		UserKey:  g.Config.Persist.UserKey,
		Store:    g.Store,
		Source:   g.Aggregator,
		Session:  g.Session,
		Device:   g.deviceName,
	})
	if err != nil {
		errs = append(errs, err)
	}
	g.Scheduler = sched

	g.Feed = livefeed.New(g.Aggregator, g.Status, g.Log)
	return helpers.FoldErrors(errs)
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) initStore() error {
	if !g.Config.Tele.Enabled {
		g.Log.Debugf("tele disabled, snapshots kept in memory")
		g.Store = g.History
		return nil
	}
	tc := &g.Config.Tele
	clientID := tc.ClientID
	if clientID == "" {
		clientID = "canble-" + g.Config.Persist.UserKey
	}
	m, err := tele.NewMqttStore(tele.MqttOptions{
		Log:            g.Log.Clone(log2.LInfo),
		BrokerURL:      tc.MqttBroker,
		ClientID:       clientID,
		Username:       g.Config.Persist.UserKey,
		Password:       tc.MqttPassword,
		Keepalive:      helpers.IntSecondDefault(tc.KeepaliveSec, tele.DefaultKeepalive),
		NetworkTimeout: helpers.IntSecondDefault(tc.NetworkTimeoutSec, tele.DefaultNetworkTimeout),
		ConnectRetry:   helpers.IntSecondDefault(tc.KeepaliveSec/2, tele.DefaultConnectRetry),
		LogDebug:       tc.LogDebug,
	})
	if err != nil {
		return err
	}
	g.mqtt = m
	path := tc.OutboxPath
	if path == "" {
		path = filepath.Join(g.Config.Persist.Root, "outbox")
	}
	// without tele.retry_sec failed writes wait for next scheduler tick
	retry := helpers.IntSecondDefault(tc.RetrySec, g.persistInterval())
	g.Outbox, err = tele.NewOutbox(path, m, retry, g.Log)
	if err != nil {
		return err
	}
	g.Store = &tele.Mirror{
		Primary: g.Outbox,
		Mirrors: []tele.Storer{g.History},
		OnError: func(err error) { g.Log.Error(err) },
	}
	return nil
}

func (g *Global) persistInterval() time.Duration {
	return helpers.IntSecondDefault(g.Config.Persist.IntervalSec, persist.DefaultInterval)
}

func (g *Global) initSession() error {
	bc := &g.Config.Ble
	var binding ble.Binding = ble.HeaderBinding{}
	if bc.Binding == BindingCharacteristic {
		binding = ble.NewCharacteristicBinding(g.Config.Characteristics())
	}
	if g.Transport == nil {
		t, err := bluez.New(bluez.Options{Adapter: bc.Adapter, Log: g.Log})
		if err != nil {
			return err
		}
		g.Transport = t
	}
	g.foundCh = make(chan ble.Device, 1)
	g.lostCh = make(chan struct{}, 1)
	g.Session = ble.NewSession(g.Transport, ble.SessionOptions{
		Log:          g.Log,
		ScanTimeout:  helpers.IntSecondDefault(bc.ScanTimeoutSec, ble.DefaultScanTimeout),
		Binding:      binding,
		Sink:         g.Aggregator.IngestFunc(),
		OnDevice:     g.onDevice,
		OnDisconnect: g.onDisconnect,
	})
	return nil
}

// Filter selects device to connect: configured address,
// then remembered device, then name prefix.
func (g *Global) Filter() func(ble.Device) bool {
	if a := g.Config.Ble.Address; a != "" {
		return ble.Address(a)
	}
	if d, ok := g.Known.Get(); ok {
		return ble.Address(d.ID)
	}
	if p := g.Config.Ble.NamePrefix; p != "" {
		return ble.NamePrefix(p)
	}
	return ble.AnyDevice
}

// Connect connects session and remembers device.
func (g *Global) Connect(ctx context.Context, dev ble.Device) error {
	if err := g.Session.Connect(ctx, dev); err != nil {
		return err
	}
	g.Known.Set(dev)
	if err := g.knownFile.Store(); err != nil {
		g.Error(err)
	}
	return nil
}

// Disconnect closes link and drops live state.
func (g *Global) Disconnect() error {
	err := g.Session.Disconnect()
	g.Aggregator.Reset()
	return err
}

// Discover scans until first device accepted by Filter.
func (g *Global) Discover(ctx context.Context) (ble.Device, error) {
drain:
	for {
		select {
		case <-g.foundCh:
		default:
			break drain
		}
	}
	done := g.Session.StartScan(ctx, g.Filter())
	select {
	case d := <-g.foundCh:
		g.Session.StopScan()
		return d, nil
	case err := <-done:
		// found may race with scan end
		select {
		case d := <-g.foundCh:
			return d, nil
		default:
		}
		if err == nil {
			err = errors.NotFoundf("ble device")
		}
		return ble.Device{}, err
	case <-ctx.Done():
		g.Session.StopScan()
		return ble.Device{}, ctx.Err()
	}
}

// SessionLoop keeps session connected until ctx done or Stop.
// Link loss and failed attempts are retried after ble.reconnect_sec.
func (g *Global) SessionLoop(ctx context.Context) {
	if !g.Alive.Add(1) {
		return
	}
	defer g.Alive.Done()
	delay := helpers.IntSecondDefault(g.Config.Ble.ReconnectSec, DefaultReconnectDelay)
	stopch := g.Alive.StopChan()
	wait := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-stopch:
			return false
		case <-time.After(d):
			return true
		}
	}
	for ctx.Err() == nil && g.Alive.IsRunning() {
		if !g.Session.Connected() {
			dev, err := g.Discover(ctx)
			if err == nil {
				err = g.Connect(ctx, dev)
			}
			if err != nil {
				if ctx.Err() == nil {
					g.Log.Errorf("session err=%v retry in %v", err, delay)
				}
				if !wait(delay) {
					return
				}
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-stopch:
			return
		case <-g.lostCh:
		}
		if !wait(delay) {
			return
		}
	}
}

func (g *Global) Status() livefeed.Status {
	s := livefeed.Status{State: g.Session.State().String()}
	if d, ok := g.Session.Device(); ok {
		s.Device = d.String()
	}
	if err := g.Session.TransportFault(); err != nil {
		s.Fault = err.Error()
	}
	return s
}

func (g *Global) deviceName() string {
	if d, ok := g.Session.Device(); ok {
		return d.String()
	}
	return ""
}

func (g *Global) onDevice(d ble.Device) {
	select {
	case g.foundCh <- d:
	default:
	}
}

func (g *Global) onDisconnect(d ble.Device, err error) {
	g.Aggregator.Reset()
	g.Error(err, "device=%s", d.String())
	select {
	case g.lostCh <- struct{}{}:
	default:
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

// Stop tears down in reverse init order. Safe to call on partially inited Global.
func (g *Global) Stop() {
	g.stopOnce.Do(g.stop)
}

func (g *Global) stop() {
	g.Alive.Stop()
	if g.Scheduler != nil {
		g.Scheduler.Stop()
	}
	if g.Feed != nil {
		g.Feed.Stop()
	}
	if g.Session != nil {
		if err := g.Session.Disconnect(); err != nil {
			g.Error(err)
		}
	}
	if g.Outbox != nil {
		g.Outbox.Close()
	}
	if g.mqtt != nil {
		g.mqtt.Close()
	}
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
