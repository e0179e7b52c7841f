package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/evmotion/canble/ble"
	"github.com/evmotion/canble/helpers"
	"github.com/evmotion/canble/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"

var (
	testMotorNotify   = helpers.MustHex("0cf11e05" + "10006400f0010100")
	testControlNotify = helpers.MustHex("0cf11f05" + "ff5a4b0000000000")
	testDevice        = ble.Device{ID: "AA:00:00:00:00:01", Name: "ESP32_BT"}
)

func testTransport() *ble.MockTransport {
	return &ble.MockTransport{
		Advertise: []ble.Device{{ID: "BB:00:00:00:00:02", Name: "phone"}, testDevice},
		Chars:     []ble.Characteristic{{UUID: testUUID, Notifiable: true}},
	}
}

func TestGetGlobal(t *testing.T) {
	t.Parallel()
	ctx, g := NewTestContext(t, "", testTransport())
	assert.Equal(t, g, GetGlobal(ctx))
	assert.Panics(t, func() { GetGlobal(context.Background()) })
	assert.Equal(t, LocalUserKey, g.Config.Persist.UserKey)
	assert.Equal(t, g.History, g.Store)
	assert.Nil(t, g.Outbox)
}

func TestFilter(t *testing.T) {
	t.Parallel()
	_, g := NewTestContext(t, `ble { name_prefix = "ESP32" }`, testTransport())
	f := g.Filter()
	assert.True(t, f(testDevice))
	assert.False(t, f(ble.Device{ID: "BB", Name: "phone"}))

	g.Known.Set(ble.Device{ID: "CC:00", Name: "other"})
	f = g.Filter()
	assert.True(t, f(ble.Device{ID: "cc:00"}))
	assert.False(t, f(testDevice))

	g.Config.Ble.Address = testDevice.ID
	assert.True(t, g.Filter()(testDevice))
}

func TestDiscoverConnect(t *testing.T) {
	t.Parallel()
	mt := testTransport()
	ctx, g := NewTestContext(t, `ble { name_prefix = "ESP32" scan_timeout_sec = 5 }`, mt)

	dev, err := g.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, testDevice.ID, dev.ID)

	require.NoError(t, g.Connect(ctx, dev))
	assert.True(t, g.Session.Connected())
	known, ok := g.Known.Get()
	require.True(t, ok)
	assert.Equal(t, testDevice.ID, known.ID)
	assert.Equal(t, "connected", g.Status().State)
	assert.Equal(t, "ESP32_BT/AA:00:00:00:00:01", g.Status().Device)

	link := mt.Link()
	require.NotNil(t, link)
	require.True(t, link.Notify(testUUID, testMotorNotify))
	require.True(t, link.Notify(testUUID, testControlNotify))
	require.Eventually(t, func() bool { return g.Aggregator.State().Complete() }, 5*time.Second, 10*time.Millisecond)

	wrote, err := g.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, wrote)
	list := g.History.List(LocalUserKey)
	require.Len(t, list, 1)
	assert.Equal(t, uint32(16), list[0].SpeedRpm)
	assert.Equal(t, "ESP32_BT/AA:00:00:00:00:01", list[0].Device)
	assert.NotZero(t, list[0].Time)

	require.NoError(t, g.Disconnect())
	assert.False(t, g.Session.Connected())
	assert.Equal(t, telemetry.LiveState{}, g.Aggregator.State())
}

func TestDiscoverNotFound(t *testing.T) {
	t.Parallel()
	mt := testTransport()
	ctx, g := NewTestContext(t, `ble { name_prefix = "absent" scan_timeout_sec = 1 }`, mt)
	_, err := g.Discover(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ble device not found")

	mt.Lock()
	mt.ScanErr = fmt.Errorf("adapter off")
	mt.Unlock()
	_, err = g.Discover(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapter off")
}

func TestSessionLoopReconnect(t *testing.T) {
	t.Parallel()
	mt := testTransport()
	ctx, g := NewTestContext(t, `ble { name_prefix = "ESP32" scan_timeout_sec = 5 reconnect_sec = 1 }`, mt)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		g.SessionLoop(ctx)
		close(done)
	}()

	require.Eventually(t, g.Session.Connected, 5*time.Second, 10*time.Millisecond)
	first := mt.Link()
	require.True(t, first.Notify(testUUID, testMotorNotify))
	require.Eventually(t, func() bool { return g.Aggregator.State().Motor != nil }, 5*time.Second, 10*time.Millisecond)

	first.Drop()
	// live state is dropped with link
	require.Eventually(t, func() bool { return g.Aggregator.State().Motor == nil }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		l := mt.Link()
		return l != first && g.Session.Connected()
	}, 10*time.Second, 20*time.Millisecond)
	assert.True(t, first.Closed())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SessionLoop did not return after cancel")
	}
}

func TestKnownDeviceRemembered(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	conf := fmt.Sprintf(`persist { root = %q remember_device = true }`, root)
	mt := testTransport()
	ctx, g := NewTestContext(t, conf, mt)
	require.NoError(t, g.Connect(ctx, testDevice))
	require.NoError(t, g.Disconnect())

	// next process start reads it back
	_, g2 := NewTestContext(t, conf, testTransport())
	known, ok := g2.Known.Get()
	require.True(t, ok)
	assert.Equal(t, testDevice, known)
	assert.True(t, g2.Filter()(testDevice))
	assert.False(t, g2.Filter()(ble.Device{ID: "BB:00:00:00:00:02"}))
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()
	_, g := NewTestContext(t, "", testTransport())
	g.Stop()
	g.Stop()
	assert.True(t, g.StopWait(time.Second))
}
