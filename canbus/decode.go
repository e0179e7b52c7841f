package canbus

const (
	controllerTempOffset = 40
	motorTempOffset      = 30
)

// Decode is pure: same input gives same output, never panics.
func Decode(id uint32, payload []byte) Fragment {
	if len(payload) != PayloadLength {
		return Unrecognized{ID: id, Len: len(payload)}
	}
	switch id {
	case IDMotorMetrics:
		return decodeMotor(payload)
	case IDControlMetrics:
		return decodeControl(payload)
	default:
		return Unrecognized{ID: id, Len: len(payload)}
	}
}

func decodeMotor(b []byte) MotorMetrics {
	return MotorMetrics{
		SpeedRPM:      u16(b, 0),
		CurrentAmps:   float64(u16(b, 2)) / 10,
		VoltageVolts:  float64(u16(b, 4)) / 10,
		ErrorCode:     u16(b, 6),
		ErrorMessages: DecodeFaults(b[6], b[7]),
	}
}

func decodeControl(b []byte) ControlMetrics {
	return ControlMetrics{
		ThrottleRaw:      b[0],
		ControllerTempC:  int(b[1]) - controllerTempOffset,
		MotorTempC:       int(b[2]) - motorTempOffset,
		ControllerStatus: b[4],
		Switches:         DecodeSwitches(b[5]),
	}
}
