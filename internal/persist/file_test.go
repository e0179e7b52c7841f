package persist

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/evmotion/canble/ble"
	"github.com/evmotion/canble/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownDeviceFile(t *testing.T) {
	t.Parallel()
	root, err := ioutil.TempDir("", "canble-persist-")
	require.NoError(t, err)
	defer os.RemoveAll(root)
	log := log2.NewTest(t, log2.LDebug)

	var known KnownDevice
	var f File
	require.NoError(t, f.Init("known-device", &known, root, true, log))
	_ = f.Load() // empty storage may report not found
	_, ok := known.Get()
	assert.False(t, ok)

	known.Set(ble.Device{ID: "AA:BB:CC:DD:EE:FF", Name: "ESP32_BT kart", RSSI: -50})
	require.NoError(t, f.Store())

	var known2 KnownDevice
	var f2 File
	require.NoError(t, f2.Init("known-device", &known2, root, true, log))
	require.NoError(t, f2.Load())
	d, ok := known2.Get()
	assert.True(t, ok)
	assert.Equal(t, ble.Device{ID: "AA:BB:CC:DD:EE:FF", Name: "ESP32_BT kart"}, d)
}

func TestFileDisabled(t *testing.T) {
	t.Parallel()
	var known KnownDevice
	var f File
	require.NoError(t, f.Init("known-device", &known, "", false, log2.NewTest(t, log2.LDebug)))
	assert.False(t, f.Enabled())
	assert.NoError(t, f.Load())
	assert.NoError(t, f.Store())

	var f2 File
	assert.Error(t, f2.Init("known-device", &known, "", true, nil))
}

func TestKnownDeviceBinary(t *testing.T) {
	t.Parallel()
	var k KnownDevice
	require.NoError(t, k.UnmarshalBinary([]byte("AA:01")))
	d, ok := k.Get()
	assert.True(t, ok)
	assert.Equal(t, "AA:01", d.ID)
	assert.Equal(t, "", d.Name)

	k.Set(ble.Device{ID: "bad\nid"})
	_, err := k.MarshalBinary()
	assert.Error(t, err)
}
