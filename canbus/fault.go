package canbus

import (
	"fmt"
	"math/bits"
)

// FaultTable maps fault code bit index to description. Read-only.
var FaultTable = [16]string{
	0:  "Identification Error",
	1:  "Over Voltage",
	2:  "Low Voltage",
	3:  "Reserved",
	4:  "Stall",
	5:  "Internal Voltage Fault",
	6:  "Over Temperature",
	7:  "Throttle Error at Power-up",
	8:  "Reserved",
	9:  "Internal Reset",
	10: "Hall Throttle Open/Short",
	11: "Angle Sensor Error",
	12: "Reserved",
	13: "Reserved",
	14: "Motor Over-temperature",
	15: "Hall Galvanometer Sensor Error",
}

// DecodeFaults lists "ERR{n}: {description}" for each set bit,
// lsb is bits 0-7, msb is bits 8-15, ascending order.
// No faults gives empty, non-nil slice.
func DecodeFaults(lsb, msb byte) []string {
	code := uint16(msb)<<8 | uint16(lsb)
	result := make([]string, 0, bits.OnesCount16(code))
	for i := uint(0); i < 16; i++ {
		if code&(1<<i) != 0 {
			result = append(result, fmt.Sprintf("ERR%d: %s", i, FaultTable[i]))
		}
	}
	return result
}
