package canbus

import (
	"encoding/hex"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitHeader(t *testing.T) {
	t.Parallel()
	id, payload, ok := SplitHeader([]byte{0x0c, 0xf1, 0x1e, 0x05, 1, 2, 3, 4, 5, 6, 7, 8})
	require.True(t, ok)
	assert.Equal(t, IDMotorMetrics, id)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, payload)

	_, _, ok = SplitHeader([]byte{0x0c, 0xf1, 0x1e})
	assert.False(t, ok)

	id, payload, ok = SplitHeader([]byte{0x0c, 0xf1, 0x1f, 0x05})
	require.True(t, ok)
	assert.Equal(t, IDControlMetrics, id)
	assert.Empty(t, payload)
}

func TestFrameFromHex(t *testing.T) {
	t.Parallel()
	f, err := FrameFromHex("0cf11e05 10006400f0010100")
	require.NoError(t, err)
	assert.Equal(t, "0x0CF11E05 10006400 f0010100", f.Format())
	assert.Equal(t, "0cf11e0510006400f0010100", hexString(f.Bytes()))
	m, ok := f.Decode().(MotorMetrics)
	require.True(t, ok)
	assert.Equal(t, uint16(16), m.SpeedRPM)

	_, err = FrameFromHex("0cf1")
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err))
	_, err = FrameFromHex("xyz")
	assert.Error(t, err)
}

func TestParseNotificationCopies(t *testing.T) {
	t.Parallel()
	b := []byte{0x0c, 0xf1, 0x1f, 0x05, 0xff, 0x5a, 0x4b, 0, 0, 0, 0, 0}
	f, ok := ParseNotification(b)
	require.True(t, ok)
	b[4] = 0
	assert.Equal(t, byte(0xff), f.Data[0])
}

func hexString(b []byte) string { return hex.EncodeToString(b) }
