package canbus

import (
	"fmt"
	"strings"
)

type Kind uint8

const (
	KindUnrecognized Kind = iota
	KindMotorMetrics
	KindControlMetrics
)

func (k Kind) String() string {
	switch k {
	case KindMotorMetrics:
		return "MotorMetrics"
	case KindControlMetrics:
		return "ControlMetrics"
	default:
		return "Unrecognized"
	}
}

// Fragment is closed set: MotorMetrics, ControlMetrics, Unrecognized.
// Use type switch with default panic for exhaustiveness.
type Fragment interface {
	Kind() Kind
	String() string
	fragment()
}

type MotorMetrics struct {
	SpeedRPM      uint16
	CurrentAmps   float64
	VoltageVolts  float64
	ErrorCode     uint16
	ErrorMessages []string
}

func (MotorMetrics) Kind() Kind { return KindMotorMetrics }
func (MotorMetrics) fragment()  {}
func (self MotorMetrics) String() string {
	return fmt.Sprintf("motor speed=%drpm current=%.1fA voltage=%.1fV error=%04x faults=%s",
		self.SpeedRPM, self.CurrentAmps, self.VoltageVolts, self.ErrorCode, FaultsString(self.ErrorMessages))
}

// Clone copies ErrorMessages so receivers may not alias sender memory.
func (self MotorMetrics) Clone() MotorMetrics {
	c := self
	c.ErrorMessages = append(make([]string, 0, len(self.ErrorMessages)), self.ErrorMessages...)
	return c
}

func (self MotorMetrics) Equal(other MotorMetrics) bool {
	if self.SpeedRPM != other.SpeedRPM || self.CurrentAmps != other.CurrentAmps ||
		self.VoltageVolts != other.VoltageVolts || self.ErrorCode != other.ErrorCode ||
		len(self.ErrorMessages) != len(other.ErrorMessages) {
		return false
	}
	for i := range self.ErrorMessages {
		if self.ErrorMessages[i] != other.ErrorMessages[i] {
			return false
		}
	}
	return true
}

type ControlMetrics struct {
	ThrottleRaw      uint8
	ControllerTempC  int
	MotorTempC       int
	ControllerStatus uint8
	Switches         SwitchSignals
}

func (ControlMetrics) Kind() Kind { return KindControlMetrics }
func (ControlMetrics) fragment()  {}

// ThrottleVolts maps 0-255 to 0-5V.
func (self ControlMetrics) ThrottleVolts() float64 { return float64(self.ThrottleRaw) * 5 / 255 }

// Bits 0-1 of status byte: commanded direction.
func (self ControlMetrics) CommandDirection() Direction { return Direction(self.ControllerStatus & 3) }

// Bits 2-3 of status byte: measured rotation direction.
func (self ControlMetrics) FeedbackDirection() Direction {
	return Direction((self.ControllerStatus >> 2) & 3)
}

func (self ControlMetrics) String() string {
	return fmt.Sprintf("control throttle=%.2fV controller=%dC motor=%dC command=%s feedback=%s switches=%s",
		self.ThrottleVolts(), self.ControllerTempC, self.MotorTempC,
		self.CommandDirection(), self.FeedbackDirection(), self.Switches.String())
}

type Direction uint8

const (
	DirectionNeutral Direction = iota
	DirectionForward
	DirectionBackward
	DirectionReserved
)

func (d Direction) String() string {
	switch d {
	case DirectionNeutral:
		return "neutral"
	case DirectionForward:
		return "forward"
	case DirectionBackward:
		return "backward"
	default:
		return "reserved"
	}
}

// Unrecognized is unknown identifier or wrong payload length.
type Unrecognized struct {
	ID  uint32
	Len int
}

func (Unrecognized) Kind() Kind { return KindUnrecognized }
func (Unrecognized) fragment()  {}
func (self Unrecognized) String() string {
	return fmt.Sprintf("unrecognized id=0x%08X len=%d", self.ID, self.Len)
}

// FaultsString is display helper, decoder itself never injects placeholder.
func FaultsString(msgs []string) string {
	if len(msgs) == 0 {
		return "no errors"
	}
	return strings.Join(msgs, "; ")
}
