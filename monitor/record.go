package monitor

import (
	"encoding/hex"
	"time"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/catalog"
	"github.com/CodedInternet/robocan/onboard/hardware"
)

// Record is one captured frame as stored and served by the monitor.
type Record struct {
	ID          int       `storm:"id,increment" json:"id"`
	Time        time.Time `storm:"index" json:"time"`
	Identifier  uint32    `json:"identifier"`
	Source      uint8     `storm:"index" json:"source"`
	Destination uint8     `storm:"index" json:"destination"`
	Type        uint8     `storm:"index" json:"type"`
	TypeName    string    `json:"type_name"`
	Data        string    `json:"data"` // hex
	Value       *float64  `json:"value,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	Malformed   string    `json:"malformed,omitempty"`
}

// NewRecord decodes a raw frame. Frames that do not decode are still
// recorded with the reason they were rejected.
func NewRecord(codec *canbus.Codec, at time.Time, id canbus.ExtendedIdentifier, data []byte) *Record {
	r := &Record{
		Time:        at,
		Identifier:  id.Raw(),
		Source:      uint8(id.Source()),
		Destination: uint8(id.Destination()),
		Type:        uint8(id.Type()),
		TypeName:    id.Type().String(),
		Data:        hex.EncodeToString(data),
	}

	f, err := codec.Decode(id, data)
	if err != nil {
		r.Malformed = err.Error()
		return r
	}
	if v, unit, ok := describe(f); ok {
		r.Value = &v
		r.Unit = unit
	}
	return r
}

// Payload returns the raw data bytes.
func (r *Record) Payload() []byte {
	b, _ := hex.DecodeString(r.Data)
	return b
}

func describe(f canbus.Frame) (v float64, unit string, ok bool) {
	var err error
	switch f.Type {
	case catalog.BatteryVoltage:
		v, err = hardware.DecodeVoltage(f.Payload)
		unit = "V"
	case catalog.BatteryPercent:
		v, err = hardware.DecodePercent(f.Payload)
		unit = "%"
	case catalog.BatteryTemperature:
		v, err = hardware.DecodeTemperature(f.Payload)
		unit = "C"
	case catalog.JointYawFeedback:
		v, err = hardware.DecodeAngle(f.Payload)
		unit = "deg"
	default:
		j, found := hardware.JointFor(f.Type)
		if !found {
			return 0, "", false
		}
		v, err = j.Decode(f.Payload)
		unit = j.Unit
	}
	return v, unit, err == nil
}
