// Package tele ships telemetry snapshots to remote storage.
package tele

import (
	"fmt"
	"time"

	"github.com/evmotion/canble/canbus"
	"github.com/golang/protobuf/proto"
)

// Wire messages. Field numbers are stable, never reuse.

// Snapshot is flattened combined motor and control state.
type Snapshot struct {
	// unix nanoseconds, assigned by store
	Time             int64     `protobuf:"varint,1,opt,name=time,proto3" json:"time,omitempty"`
	SpeedRpm         uint32    `protobuf:"varint,2,opt,name=speed_rpm,json=speedRpm,proto3" json:"speed_rpm,omitempty"`
	Current          float64   `protobuf:"fixed64,3,opt,name=current,proto3" json:"current,omitempty"`
	Voltage          float64   `protobuf:"fixed64,4,opt,name=voltage,proto3" json:"voltage,omitempty"`
	ErrorCode        uint32    `protobuf:"varint,5,opt,name=error_code,json=errorCode,proto3" json:"error_code,omitempty"`
	ErrorMessages    []string  `protobuf:"bytes,6,rep,name=error_messages,json=errorMessages,proto3" json:"error_messages,omitempty"`
	Throttle         uint32    `protobuf:"varint,7,opt,name=throttle,proto3" json:"throttle,omitempty"`
	ControllerTemp   int32     `protobuf:"zigzag32,8,opt,name=controller_temp,json=controllerTemp,proto3" json:"controller_temp,omitempty"`
	MotorTemp        int32     `protobuf:"zigzag32,9,opt,name=motor_temp,json=motorTemp,proto3" json:"motor_temp,omitempty"`
	ControllerStatus uint32    `protobuf:"varint,10,opt,name=controller_status,json=controllerStatus,proto3" json:"controller_status,omitempty"`
	Switches         *Switches `protobuf:"bytes,11,opt,name=switches,proto3" json:"switches,omitempty"`
	Device           string    `protobuf:"bytes,12,opt,name=device,proto3" json:"device,omitempty"`
}

func (m *Snapshot) Reset()         { *m = Snapshot{} }
func (m *Snapshot) String() string { return proto.CompactTextString(m) }
func (*Snapshot) ProtoMessage()    {}

type Switches struct {
	Boost      bool `protobuf:"varint,1,opt,name=boost,proto3" json:"boost,omitempty"`
	Footswitch bool `protobuf:"varint,2,opt,name=footswitch,proto3" json:"footswitch,omitempty"`
	Forward    bool `protobuf:"varint,3,opt,name=forward,proto3" json:"forward,omitempty"`
	Backward   bool `protobuf:"varint,4,opt,name=backward,proto3" json:"backward,omitempty"`
	Brake      bool `protobuf:"varint,5,opt,name=brake,proto3" json:"brake,omitempty"`
	HallA      bool `protobuf:"varint,6,opt,name=hall_a,json=hallA,proto3" json:"hall_a,omitempty"`
	HallB      bool `protobuf:"varint,7,opt,name=hall_b,json=hallB,proto3" json:"hall_b,omitempty"`
	HallC      bool `protobuf:"varint,8,opt,name=hall_c,json=hallC,proto3" json:"hall_c,omitempty"`
}

func (m *Switches) Reset()         { *m = Switches{} }
func (m *Switches) String() string { return proto.CompactTextString(m) }
func (*Switches) ProtoMessage()    {}

// Envelope is outbox queue item.
type Envelope struct {
	UserKey  string    `protobuf:"bytes,1,opt,name=user_key,json=userKey,proto3" json:"user_key,omitempty"`
	Snapshot *Snapshot `protobuf:"bytes,2,opt,name=snapshot,proto3" json:"snapshot,omitempty"`
}

func (m *Envelope) Reset()         { *m = Envelope{} }
func (m *Envelope) String() string { return proto.CompactTextString(m) }
func (*Envelope) ProtoMessage()    {}

func NewSnapshot(m canbus.MotorMetrics, c canbus.ControlMetrics) *Snapshot {
	sw := c.Switches
	return &Snapshot{
		SpeedRpm:         uint32(m.SpeedRPM),
		Current:          m.CurrentAmps,
		Voltage:          m.VoltageVolts,
		ErrorCode:        uint32(m.ErrorCode),
		ErrorMessages:    append([]string(nil), m.ErrorMessages...),
		Throttle:         uint32(c.ThrottleRaw),
		ControllerTemp:   int32(c.ControllerTempC),
		MotorTemp:        int32(c.MotorTempC),
		ControllerStatus: uint32(c.ControllerStatus),
		Switches: &Switches{
			Boost:      sw.Boost,
			Footswitch: sw.Footswitch,
			Forward:    sw.Forward,
			Backward:   sw.Backward,
			Brake:      sw.Brake,
			HallA:      sw.HallA,
			HallB:      sw.HallB,
			HallC:      sw.HallC,
		},
	}
}

// SameReading compares everything except Time.
func SameReading(a, b *Snapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	x, y := *a, *b
	x.Time, y.Time = 0, 0
	return proto.Equal(&x, &y)
}

func (m *Snapshot) Timestamp() time.Time {
	if m.Time == 0 {
		return time.Time{}
	}
	return time.Unix(0, m.Time)
}

func (m *Snapshot) Format() string {
	boost := "off"
	if m.Switches != nil && m.Switches.Boost {
		boost = "on"
	}
	return fmt.Sprintf("%s speed=%drpm current=%.1fA voltage=%.1fV ctl=%dC motor=%dC throttle=%d status=%02x boost=%s errors=%s",
		m.Timestamp().Format(time.RFC3339), m.SpeedRpm, m.Current, m.Voltage,
		m.ControllerTemp, m.MotorTemp, m.Throttle, m.ControllerStatus, boost, canbus.FaultsString(m.ErrorMessages))
}
