package hardware

import (
	"context"
	"fmt"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/registry"
)

// Actuator is the module side of a joint. It accepts setpoints for its joint,
// applies them through Drive and answers each with feedback carrying the
// value reached.
type Actuator struct {
	Joint Joint
	State MotorState
	// Drive moves towards target and returns the value reached. When nil the
	// target is reached immediately.
	Drive func(target float64) float64

	node *Node
}

// NewActuator registers the actuator's setpoint handler on n.
func NewActuator(n *Node, j Joint, drive func(float64) float64) (*Actuator, error) {
	if !n.Profile().Supports(j.Setpoint) {
		return nil, fmt.Errorf("%s does not drive %s", n.Profile(), j.Name)
	}
	a := &Actuator{Joint: j, Drive: drive, node: n}
	n.Handle(j.Setpoint, a.handleSetpoint)
	return a, nil
}

func (a *Actuator) handleSetpoint(f canbus.Frame) {
	target, err := a.Joint.Decode(f.Payload)
	if err != nil {
		a.node.log.Warn().Err(err).Str("joint", a.Joint.Name).Msg("bad setpoint")
		return
	}

	a.State.Target = target
	if a.Drive != nil {
		a.State.Current = a.Drive(target)
	} else {
		a.State.Current = target
	}

	if err := a.node.SendTo(f.Source, a.Joint.Feedback, a.Joint.Encode(a.State.Current)); err != nil {
		a.node.log.Warn().Err(err).Str("joint", a.Joint.Name).Msg("feedback not sent")
	}
}

func (a *Actuator) GetState() MotorState {
	return a.State
}

// RemoteActuator drives a joint on another module through Request.
type RemoteActuator struct {
	State  MotorState
	Joint  Joint
	Module registry.ModuleAddress
	Ready  bool // true once the module has confirmed the last target

	node *Node
}

func NewRemoteActuator(n *Node, module registry.ModuleAddress, j Joint) *RemoteActuator {
	return &RemoteActuator{Joint: j, Module: module, node: n}
}

// SetTarget blocks until the module reports the value it reached, or until
// the request runs out of retries.
func (m *RemoteActuator) SetTarget(ctx context.Context, target float64) error {
	m.Ready = false
	m.State.Target = target

	resp, err := m.node.Request(ctx, m.Module, m.Joint.Setpoint, m.Joint.Encode(target))
	if err != nil {
		return err
	}

	current, err := m.Joint.Decode(resp.Payload)
	if err != nil {
		return err
	}
	m.State.Current = current
	m.Ready = true
	return nil
}

func (m *RemoteActuator) GetState() MotorState {
	return m.State
}

var (
	_ MotorInterface = (*RemoteActuator)(nil)
)
