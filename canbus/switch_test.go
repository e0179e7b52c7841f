package canbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeSwitches(t *testing.T) {
	t.Parallel()
	cases := []struct {
		b      byte
		expect SwitchSignals
		str    string
	}{
		{0x00, SwitchSignals{}, "-"},
		{0x01, SwitchSignals{HallA: true}, "hallA"},
		{0x08, SwitchSignals{Brake: true}, "brake"},
		{0x30, SwitchSignals{Forward: true, Backward: true}, "forward,backward"},
		{0xc0, SwitchSignals{Boost: true, Footswitch: true}, "boost,footswitch"},
		{0xff, SwitchSignals{true, true, true, true, true, true, true, true}, "boost,footswitch,forward,backward,brake,hallA,hallB,hallC"},
	}
	for _, c := range cases {
		s := DecodeSwitches(c.b)
		assert.Equal(t, c.expect, s, "byte=%02x", c.b)
		assert.Equal(t, c.str, s.String())
	}
	for i := 0; i < 256; i++ {
		assert.Equal(t, byte(i), DecodeSwitches(byte(i)).Byte())
	}
}
