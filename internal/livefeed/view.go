package livefeed

import (
	"github.com/evmotion/canble/canbus"
	"github.com/evmotion/canble/internal/telemetry"
)

// View is JSON form of live state. Unknown slot is null.
type View struct {
	Seq     uint64       `json:"seq"`
	Motor   *MotorView   `json:"motor"`
	Control *ControlView `json:"control"`
	Status  *Status      `json:"status,omitempty"`
}

type MotorView struct {
	Speed         uint16   `json:"speed"`
	Current       float64  `json:"current"`
	Voltage       float64  `json:"voltage"`
	ErrorCode     uint16   `json:"error_code"`
	ErrorMessages []string `json:"error_messages"`
}

type ControlView struct {
	Throttle          uint8      `json:"throttle"`
	ThrottleVolts     float64    `json:"throttle_volts"`
	ControllerTemp    int        `json:"controller_temp"`
	MotorTemp         int        `json:"motor_temp"`
	ControllerStatus  uint8      `json:"controller_status"`
	CommandDirection  string     `json:"command_direction"`
	FeedbackDirection string     `json:"feedback_direction"`
	Switches          SwitchView `json:"switch_signals"`
}

type SwitchView struct {
	Boost      bool `json:"boost"`
	Footswitch bool `json:"footswitch"`
	Forward    bool `json:"forward"`
	Backward   bool `json:"backward"`
	Brake      bool `json:"brake"`
	HallA      bool `json:"hall_a"`
	HallB      bool `json:"hall_b"`
	HallC      bool `json:"hall_c"`
}

type Status struct {
	State  string `json:"state"`
	Device string `json:"device,omitempty"`
	Fault  string `json:"fault,omitempty"`
}

func NewView(s telemetry.LiveState) View {
	v := View{Seq: s.Seq}
	if m := s.Motor; m != nil {
		msgs := m.ErrorMessages
		if msgs == nil {
			msgs = []string{}
		}
		v.Motor = &MotorView{
			Speed:         m.SpeedRPM,
			Current:       m.CurrentAmps,
			Voltage:       m.VoltageVolts,
			ErrorCode:     m.ErrorCode,
			ErrorMessages: msgs,
		}
	}
	if c := s.Control; c != nil {
		v.Control = &ControlView{
			Throttle:          c.ThrottleRaw,
			ThrottleVolts:     c.ThrottleVolts(),
			ControllerTemp:    c.ControllerTempC,
			MotorTemp:         c.MotorTempC,
			ControllerStatus:  c.ControllerStatus,
			CommandDirection:  c.CommandDirection().String(),
			FeedbackDirection: c.FeedbackDirection().String(),
			Switches:          newSwitchView(c.Switches),
		}
	}
	return v
}

func newSwitchView(sw canbus.SwitchSignals) SwitchView {
	return SwitchView{
		Boost:      sw.Boost,
		Footswitch: sw.Footswitch,
		Forward:    sw.Forward,
		Backward:   sw.Backward,
		Brake:      sw.Brake,
		HallA:      sw.HallA,
		HallB:      sw.HallB,
		HallC:      sw.HallC,
	}
}
