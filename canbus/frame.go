// Package canbus decodes motor controller CAN frames tunneled over BLE.
//
// Only two frame kinds are known, everything else decodes to Unrecognized.
// Nothing in this package returns errors for malformed input, a corrupt
// frame must never stop the pipeline.
package canbus

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

const (
	// KLS controller message 1: speed, current, voltage, faults.
	IDMotorMetrics uint32 = 0x0CF11E05
	// KLS controller message 2: throttle, temperatures, status, switches.
	IDControlMetrics uint32 = 0x0CF11F05

	PayloadLength = 8
	HeaderLength  = 4
	// Smallest notification carrying header and full payload.
	NotificationMinLength = HeaderLength + PayloadLength
)

// Frame is raw CAN identifier with payload as received from radio.
type Frame struct {
	ID   uint32
	Data []byte
}

// SplitHeader reads big-endian CAN identifier from first 4 bytes.
// Returned payload aliases b.
func SplitHeader(b []byte) (id uint32, payload []byte, ok bool) {
	if len(b) < HeaderLength {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(b[:HeaderLength]), b[HeaderLength:], true
}

// ParseNotification copies header-tagged notification into Frame.
// Payload length is not checked here, Decode rejects wrong length.
func ParseNotification(b []byte) (Frame, bool) {
	id, payload, ok := SplitHeader(b)
	if !ok {
		return Frame{}, false
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	return Frame{ID: id, Data: data}, true
}

func FrameFromHex(s string) (Frame, error) {
	b, err := hex.DecodeString(strings.Replace(s, " ", "", -1))
	if err != nil {
		return Frame{}, errors.Annotate(err, "canbus: frame hex")
	}
	f, ok := ParseNotification(b)
	if !ok {
		return Frame{}, errors.NotValidf("canbus: notification too short len=%d", len(b))
	}
	return f, nil
}

// Bytes returns wire form: header followed by payload.
func (self Frame) Bytes() []byte {
	b := make([]byte, HeaderLength+len(self.Data))
	binary.BigEndian.PutUint32(b, self.ID)
	copy(b[HeaderLength:], self.Data)
	return b
}

func (self Frame) Decode() Fragment { return Decode(self.ID, self.Data) }

// Format "0x0CF11E05 10006400 f0010100"
func (self Frame) Format() string {
	h := hex.EncodeToString(self.Data)
	ss := make([]string, 0, len(h)/8+1)
	for i := 0; i < len(h); i += 8 {
		hi := i + 8
		if hi > len(h) {
			hi = len(h)
		}
		ss = append(ss, h[i:hi])
	}
	return fmt.Sprintf("0x%08X %s", self.ID, strings.Join(ss, " "))
}

func (self Frame) String() string { return self.Format() }

// u16 builds little-endian value as hi*256+lo.
func u16(b []byte, lo int) uint16 {
	return uint16(b[lo+1])*256 + uint16(b[lo])
}
