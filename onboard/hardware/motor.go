package hardware

import (
	"context"

	"github.com/CodedInternet/robocan/onboard/catalog"
	"github.com/CodedInternet/robocan/onboard/registry"
)

// Joint is a driven axis addressed by a setpoint/feedback pair.
type Joint struct {
	Name     string
	Setpoint catalog.PacketType
	Feedback catalog.PacketType
	Scale    float64
	Signed   bool
	Unit     string
}

var (
	Motor       = Joint{Name: "motor", Setpoint: catalog.MotorSetpoint, Feedback: catalog.MotorFeedback, Scale: SpeedScale, Signed: true, Unit: "rpm"}
	EEPitch     = Joint{Name: "ee_pitch", Setpoint: catalog.EEPitchSetpoint, Feedback: catalog.EEPitchFeedback, Scale: AngleScale, Signed: true, Unit: "deg"}
	EEHeadPitch = Joint{Name: "ee_head_pitch", Setpoint: catalog.EEHeadPitchSetpoint, Feedback: catalog.EEHeadPitchFeedback, Scale: AngleScale, Signed: true, Unit: "deg"}
	EEHeadRoll  = Joint{Name: "ee_head_roll", Setpoint: catalog.EEHeadRollSetpoint, Feedback: catalog.EEHeadRollFeedback, Scale: AngleScale, Signed: true, Unit: "deg"}
)

var joints = []Joint{Motor, EEPitch, EEHeadPitch, EEHeadRoll}

// JointsFor lists the joints a module build drives.
func JointsFor(p registry.Profile) []Joint {
	var out []Joint
	for _, j := range joints {
		if p.Supports(j.Setpoint) {
			out = append(out, j)
		}
	}
	return out
}

// JointByName finds one of the known joints.
func JointByName(name string) (Joint, bool) {
	for _, j := range joints {
		if j.Name == name {
			return j, true
		}
	}
	return Joint{}, false
}

// JointFor finds the joint a setpoint or feedback type belongs to.
func JointFor(t catalog.PacketType) (Joint, bool) {
	for _, j := range joints {
		if j.Setpoint == t || j.Feedback == t {
			return j, true
		}
	}
	return Joint{}, false
}

func (j Joint) Encode(v float64) []byte {
	return putScaled(v, j.Scale, j.Signed)
}

func (j Joint) Decode(payload []byte) (float64, error) {
	return getScaled(payload, j.Scale, j.Signed)
}

type MotorState struct {
	Target, Current float64
}

type MotorInterface interface {
	SetTarget(ctx context.Context, target float64) error
	GetState() (state MotorState)
}
