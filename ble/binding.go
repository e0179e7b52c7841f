package ble

import (
	"strings"

	"github.com/evmotion/canble/canbus"
)

// Binding tells CAN identifier of notification.
type Binding interface {
	Bind(n Notification) (id uint32, payload []byte, ok bool)
}

// HeaderBinding reads identifier from 4 byte big-endian notification header.
// One characteristic may multiplex any number of identifiers.
type HeaderBinding struct{}

func (HeaderBinding) Bind(n Notification) (uint32, []byte, bool) {
	return canbus.SplitHeader(n.Value)
}

// CharacteristicBinding maps characteristic UUID to identifier,
// whole notification value is payload.
type CharacteristicBinding map[string]uint32

func NewCharacteristicBinding(m map[string]uint32) CharacteristicBinding {
	b := make(CharacteristicBinding, len(m))
	for uuid, id := range m {
		b[strings.ToLower(uuid)] = id
	}
	return b
}

func (self CharacteristicBinding) Bind(n Notification) (uint32, []byte, bool) {
	id, ok := self[strings.ToLower(n.Characteristic)]
	if !ok {
		return 0, nil, false
	}
	return id, n.Value, true
}
