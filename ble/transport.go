// Package ble owns radio session lifecycle: scan, connect, subscribe,
// and the notification pump feeding CAN frame decoder.
package ble

import (
	"context"
	"strings"
)

type Device struct {
	// ID is device identity, BLE address for BlueZ.
	ID   string
	Name string
	RSSI int16
}

func (self Device) String() string {
	if self.Name == "" {
		return self.ID
	}
	return self.Name + "/" + self.ID
}

type Characteristic struct {
	UUID string
	// Path is transport specific handle, D-Bus object path for BlueZ.
	Path       string
	Notifiable bool
}

// Notification is single characteristic value update.
// Err set means transport failed to deliver this update.
type Notification struct {
	Characteristic string
	Value          []byte
	Err            error
}

// Radio transport contract:
// - Scan reports advertisements (duplicates allowed) until ctx is done,
//   returns nil when stopped by ctx, error when discovery failed
// - Connect returns after connection and service discovery
// - application never sees transport specific types
type Transporter interface {
	Scan(ctx context.Context, found func(Device)) error
	Connect(ctx context.Context, dev Device) (Link, error)
}

// Link contract:
// - Subscribe channel delivers notifications in arrival order
// - all Subscribe channels are closed when remote side drops connection
// - Close is idempotent
type Link interface {
	Characteristics(ctx context.Context) ([]Characteristic, error)
	Subscribe(ctx context.Context, c Characteristic) (<-chan Notification, error)
	Close() error
}

func AnyDevice(Device) bool { return true }

// NamePrefix matches advertised name, case sensitive.
func NamePrefix(prefix string) func(Device) bool {
	return func(d Device) bool { return strings.HasPrefix(d.Name, prefix) }
}

// Address matches device identity, case insensitive.
func Address(addr string) func(Device) bool {
	return func(d Device) bool { return strings.EqualFold(d.ID, addr) }
}
