package onboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/catalog"
	"github.com/CodedInternet/robocan/onboard/hardware"
	"github.com/CodedInternet/robocan/onboard/registry"
	"github.com/rs/zerolog"
)

// HistorySize is how many received frames a device keeps for inspection.
const HistorySize = 32

type BatteryReading struct {
	Voltage     float64 // volts
	Percent     float64
	Temperature float64 // degrees Celsius
}

// Battery is the pack monitor feeding periodic telemetry.
type Battery interface {
	Read() (BatteryReading, error)
}

// Device is one node on the bus: its transport, dispatcher, local actuators
// and battery telemetry.
type Device struct {
	Config    Config
	Profile   registry.Profile
	Transport *canbus.Transport
	Node      *hardware.Node
	Actuators map[string]*hardware.Actuator
	// Telemetry holds the latest battery report per module, filled on the
	// controller only. Like Node, it belongs to the control loop; other
	// goroutines go through Do.
	Telemetry map[registry.ModuleAddress]BatteryReading

	battery Battery
	history []canbus.Frame
	calls   chan func()
	log     zerolog.Logger
}

// OpenController returns a controller on sim when one is given, otherwise a
// SocketCAN controller on the configured interface.
func OpenController(cfg Config, sim *canbus.SimBus, logger zerolog.Logger) canbus.Controller {
	if sim != nil {
		return sim.Attach()
	}
	sc := canbus.NewSocketCAN(cfg.Bus, logger)
	sc.TxTimeout = cfg.TxTimeout
	return sc
}

// NewDevice wires a node together without touching the controller. battery
// may be nil for nodes that do not report telemetry.
func NewDevice(cfg Config, ctrl canbus.Controller, battery Battery, logger zerolog.Logger) (d *Device, err error) {
	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}
	bitrate, err := cfg.CANBitrate()
	if err != nil {
		return nil, err
	}

	d = &Device{
		Config:    cfg,
		Profile:   profile,
		Actuators: make(map[string]*hardware.Actuator),
		Telemetry: make(map[registry.ModuleAddress]BatteryReading),
		battery:   battery,
		calls:     make(chan func()),
		log:       logger.With().Str("component", "device").Stringer("module", profile).Logger(),
	}

	d.Transport = canbus.NewTransport(ctrl, canbus.Config{
		Profile: profile,
		Peer:    cfg.Peer,
		Bitrate: bitrate,
		Catalog: catalog.Default(),
		Logger:  &logger,
	})
	d.Node = hardware.NewNode(d.Transport, hardware.NodeConfig{
		ReplyTimeout: cfg.ReplyTimeout,
		Logger:       &logger,
	})

	// the controller drives joints, modules carry them
	if profile.Address == registry.Controller {
		for _, t := range []catalog.PacketType{catalog.BatteryVoltage, catalog.BatteryPercent, catalog.BatteryTemperature} {
			d.Node.Handle(t, d.recordBattery)
		}
	} else {
		for _, j := range hardware.JointsFor(profile) {
			a, err := hardware.NewActuator(d.Node, j, nil)
			if err != nil {
				return nil, err
			}
			d.Actuators[j.Name] = a
		}
	}

	d.Node.Observe(d.remember)
	d.Node.Every("calls", 0, d.drainCalls)
	if battery != nil {
		d.Node.Every("battery", cfg.Telemetry.Battery, d.SendBattery)
	}
	return d, nil
}

// Start brings the controller up and announces our catalog version to the
// peer. A failed announcement is logged; the peer answers ours whenever it
// announces itself.
func (d *Device) Start() error {
	if err := d.Transport.Begin(); err != nil {
		return err
	}
	if d.Config.Peer != d.Profile.Address {
		if err := d.Node.AnnounceTo(d.Config.Peer); err != nil {
			d.log.Warn().Err(err).Msg("catalog announcement failed")
		}
	}
	d.log.Info().Str("catalog", catalog.Version).Int("actuators", len(d.Actuators)).Msg("device started")
	return nil
}

func (d *Device) recordBattery(f canbus.Frame) {
	r := d.Telemetry[f.Source]
	var err error
	switch f.Type {
	case catalog.BatteryVoltage:
		r.Voltage, err = hardware.DecodeVoltage(f.Payload)
	case catalog.BatteryPercent:
		r.Percent, err = hardware.DecodePercent(f.Payload)
	case catalog.BatteryTemperature:
		r.Temperature, err = hardware.DecodeTemperature(f.Payload)
	}
	if err != nil {
		d.log.Warn().Err(err).Stringer("from", f.Source).Msg("bad battery telemetry")
		return
	}
	d.Telemetry[f.Source] = r

	if f.Type == catalog.BatteryVoltage && r.Voltage > 0 && r.Voltage < hardware.BatteryLow {
		d.log.Warn().Stringer("from", f.Source).Float64("volts", r.Voltage).Msg("battery low")
	}
}

func (d *Device) remember(f canbus.Frame) {
	if len(d.history) == HistorySize {
		copy(d.history, d.history[1:])
		d.history = d.history[:HistorySize-1]
	}
	d.history = append(d.history, f)
}

// Recent returns up to the last HistorySize frames received, oldest first.
// Call it through Do while Run is active.
func (d *Device) Recent() []canbus.Frame {
	return append([]canbus.Frame(nil), d.history...)
}

// Run drives the node until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	return d.Node.Run(ctx)
}

// Do runs fn on the control loop and waits for it to return. Run must be
// active for fn to be picked up.
func (d *Device) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	call := func() {
		defer close(done)
		fn()
	}

	select {
	case d.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) drainCalls() error {
	for {
		select {
		case fn := <-d.calls:
			fn()
		default:
			return nil
		}
	}
}

// SendBattery reads the pack and sends voltage, charge and temperature to the
// peer. Every packet is attempted even if an earlier one fails.
func (d *Device) SendBattery() error {
	if d.battery == nil {
		return errors.New("no battery configured")
	}
	r, err := d.battery.Read()
	if err != nil {
		return fmt.Errorf("battery read: %w", err)
	}

	return errors.Join(
		d.Node.Send(catalog.BatteryVoltage, hardware.EncodeVoltage(r.Voltage)),
		d.Node.Send(catalog.BatteryPercent, hardware.EncodePercent(r.Percent)),
		d.Node.Send(catalog.BatteryTemperature, hardware.EncodeTemperature(r.Temperature)),
	)
}
