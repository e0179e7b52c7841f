package ble

import (
	"testing"

	"github.com/evmotion/canble/canbus"
	"github.com/stretchr/testify/assert"
)

func TestBinding(t *testing.T) {
	t.Parallel()
	type Case struct {
		name      string
		b         Binding
		n         Notification
		expectOk  bool
		expectID  uint32
		expectLen int
	}
	cb := NewCharacteristicBinding(map[string]uint32{"FFE1": canbus.IDMotorMetrics})
	cases := []Case{
		{"header", HeaderBinding{}, Notification{Value: testMotorNotify}, true, canbus.IDMotorMetrics, 8},
		{"header-short", HeaderBinding{}, Notification{Value: []byte{0x0c, 0xf1}}, false, 0, 0},
		{"header-only", HeaderBinding{}, Notification{Value: testMotorNotify[:4]}, true, canbus.IDMotorMetrics, 0},
		{"char", cb, Notification{Characteristic: "ffe1", Value: make([]byte, 8)}, true, canbus.IDMotorMetrics, 8},
		{"char-unknown", cb, Notification{Characteristic: "ffe2", Value: make([]byte, 8)}, false, 0, 0},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			id, payload, ok := c.b.Bind(c.n)
			assert.Equal(t, c.expectOk, ok)
			assert.Equal(t, c.expectID, id)
			assert.Len(t, payload, c.expectLen)
		})
	}
}

func TestFilters(t *testing.T) {
	t.Parallel()
	d := Device{ID: "AA:BB:CC:DD:EE:FF", Name: "ESP32_BT_kart"}
	assert.True(t, NamePrefix("ESP32_BT")(d))
	assert.False(t, NamePrefix("esp32")(d))
	assert.True(t, Address("aa:bb:cc:dd:ee:ff")(d))
	assert.False(t, Address("AA:BB")(d))
	assert.True(t, AnyDevice(Device{}))
	assert.Equal(t, "ESP32_BT_kart/AA:BB:CC:DD:EE:FF", d.String())
	assert.Equal(t, "AA:01", Device{ID: "AA:01"}.String())
}
