package tele

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"Timestamp", "Speed (RPM)", "Voltage (V)", "Current (A)",
	"Controller Temp (C)", "Motor Temp (C)", "Throttle", "Controller Status", "Boost",
}

// WriteCSV exports history, one row per snapshot.
func WriteCSV(w io.Writer, list []*Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range list {
		boost := "OFF"
		if s.Switches != nil && s.Switches.Boost {
			boost = "ON"
		}
		row := []string{
			s.Timestamp().UTC().Format(time.RFC3339),
			strconv.FormatUint(uint64(s.SpeedRpm), 10),
			strconv.FormatFloat(s.Voltage, 'f', 1, 64),
			strconv.FormatFloat(s.Current, 'f', 1, 64),
			strconv.Itoa(int(s.ControllerTemp)),
			strconv.Itoa(int(s.MotorTemp)),
			strconv.FormatUint(uint64(s.Throttle), 10),
			fmt.Sprintf("%d", s.ControllerStatus),
			boost,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
