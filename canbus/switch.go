package canbus

import "strings"

// Switch signal bit assignment in control frame byte 5.
const (
	SwitchHallA byte = 1 << iota
	SwitchHallB
	SwitchHallC
	SwitchBrake
	SwitchBackward
	SwitchForward
	SwitchFootswitch
	SwitchBoost
)

type SwitchSignals struct {
	Boost      bool
	Footswitch bool
	Forward    bool
	Backward   bool
	Brake      bool
	HallA      bool
	HallB      bool
	HallC      bool
}

func DecodeSwitches(b byte) SwitchSignals {
	return SwitchSignals{
		Boost:      b&SwitchBoost != 0,
		Footswitch: b&SwitchFootswitch != 0,
		Forward:    b&SwitchForward != 0,
		Backward:   b&SwitchBackward != 0,
		Brake:      b&SwitchBrake != 0,
		HallA:      b&SwitchHallA != 0,
		HallB:      b&SwitchHallB != 0,
		HallC:      b&SwitchHallC != 0,
	}
}

// Byte is inverse of DecodeSwitches.
func (self SwitchSignals) Byte() byte {
	var b byte
	set := func(on bool, bit byte) {
		if on {
			b |= bit
		}
	}
	set(self.Boost, SwitchBoost)
	set(self.Footswitch, SwitchFootswitch)
	set(self.Forward, SwitchForward)
	set(self.Backward, SwitchBackward)
	set(self.Brake, SwitchBrake)
	set(self.HallA, SwitchHallA)
	set(self.HallB, SwitchHallB)
	set(self.HallC, SwitchHallC)
	return b
}

// String lists enabled switches, "-" when none.
func (self SwitchSignals) String() string {
	names := make([]string, 0, 8)
	add := func(on bool, name string) {
		if on {
			names = append(names, name)
		}
	}
	add(self.Boost, "boost")
	add(self.Footswitch, "footswitch")
	add(self.Forward, "forward")
	add(self.Backward, "backward")
	add(self.Brake, "brake")
	add(self.HallA, "hallA")
	add(self.HallB, "hallB")
	add(self.HallC, "hallC")
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}
