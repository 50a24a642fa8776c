package hardware

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Fixed point scales for two byte payloads. Values travel as big-endian
// integers of value*scale.
const (
	VoltageScale     = 100 // centivolts
	TemperatureScale = 10  // tenths of a degree Celsius
	AngleScale       = 100 // centidegrees
	SpeedScale       = 10  // tenths of an RPM
)

// MaxMotorSpeed is the fastest a drive motor turns, in RPM. Centi-RPM in an
// int16 tops out at 327.67, so speeds travel in tenths.
const MaxMotorSpeed = 330.0

// Battery pack limits of a 3S lithium cell stack.
const (
	BatteryLow     = 11.1
	BatteryNominal = 12.6
)

func putScaled(v float64, scale float64, signed bool) []byte {
	raw := math.Round(v * scale)
	buf := make([]byte, 2)
	if signed {
		raw = math.Max(math.MinInt16, math.Min(math.MaxInt16, raw))
		binary.BigEndian.PutUint16(buf, uint16(int16(raw)))
	} else {
		raw = math.Max(0, math.Min(math.MaxUint16, raw))
		binary.BigEndian.PutUint16(buf, uint16(raw))
	}
	return buf
}

func getScaled(payload []byte, scale float64, signed bool) (float64, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("expected 2 byte value, got %d", len(payload))
	}
	raw := binary.BigEndian.Uint16(payload)
	if signed {
		return float64(int16(raw)) / scale, nil
	}
	return float64(raw) / scale, nil
}

func EncodeVoltage(volts float64) []byte {
	return putScaled(volts, VoltageScale, false)
}

func DecodeVoltage(payload []byte) (float64, error) {
	return getScaled(payload, VoltageScale, false)
}

func EncodeTemperature(celsius float64) []byte {
	return putScaled(celsius, TemperatureScale, true)
}

func DecodeTemperature(payload []byte) (float64, error) {
	return getScaled(payload, TemperatureScale, true)
}

func EncodeAngle(deg float64) []byte {
	return putScaled(deg, AngleScale, true)
}

func DecodeAngle(payload []byte) (float64, error) {
	return getScaled(payload, AngleScale, true)
}

// EncodePercent clamps to 0-100.
func EncodePercent(pct float64) []byte {
	return []byte{uint8(math.Round(math.Max(0, math.Min(100, pct))))}
}

func DecodePercent(payload []byte) (float64, error) {
	if len(payload) != 1 {
		return 0, fmt.Errorf("expected 1 byte percentage, got %d", len(payload))
	}
	return float64(payload[0]), nil
}

// BatteryPercent maps pack voltage linearly between BatteryLow and
// BatteryNominal.
func BatteryPercent(volts float64) float64 {
	pct := (volts - BatteryLow) / (BatteryNominal - BatteryLow) * 100
	return math.Max(0, math.Min(100, pct))
}
