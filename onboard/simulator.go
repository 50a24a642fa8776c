package onboard

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/hardware"
	"github.com/CodedInternet/robocan/onboard/registry"
	"github.com/rs/zerolog"
)

const (
	BATTERY_DRAIN = 0.002 // volts per reading
	BATTERY_NOISE = 0.02
	BATTERY_TEMP  = 24.0
)

// SimulatedModules is the full robot used by -sim mode.
var SimulatedModules = []string{"CONTROLLER", "MK1_MOD1", "MK1_MOD2", "MK2_MOD1", "MK2_MOD2"}

// SimulatedBattery drains slowly from a full pack with a little noise on every
// reading. It stops at the low-voltage cutoff.
type SimulatedBattery struct {
	volts float64
	temp  float64
	rnd   *rand.Rand
}

func NewSimulatedBattery(seed int64) *SimulatedBattery {
	return &SimulatedBattery{
		volts: hardware.BatteryNominal,
		temp:  BATTERY_TEMP,
		rnd:   rand.New(rand.NewSource(seed)),
	}
}

func (b *SimulatedBattery) Read() (r BatteryReading, err error) {
	b.volts = math.Max(hardware.BatteryLow, b.volts-BATTERY_DRAIN)
	b.temp += (b.rnd.Float64() - 0.5) * 0.1

	r.Voltage = b.volts + (b.rnd.Float64()*2-1)*BATTERY_NOISE
	r.Percent = hardware.BatteryPercent(b.volts)
	r.Temperature = b.temp
	return r, nil
}

// StartSimulatedModules attaches one device per module name to bus and runs
// them until ctx is done. Modules get a simulated battery; the controller does
// not. Devices are started in order, so list the controller first for it to
// answer the modules' catalog announcements.
func StartSimulatedModules(ctx context.Context, bus *canbus.SimBus, modules []string, logger zerolog.Logger) ([]*Device, error) {
	devices := make([]*Device, 0, len(modules))
	for i, name := range modules {
		cfg := DefaultConfig(name)
		profile, err := cfg.Profile()
		if err != nil {
			return nil, err
		}

		var battery Battery
		if profile.Address != registry.Controller {
			battery = NewSimulatedBattery(int64(i) + 1)
		}
		d, err := NewDevice(cfg, bus.Attach(), battery, logger)
		if err != nil {
			return nil, err
		}
		if err := d.Start(); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	for _, d := range devices {
		go func(d *Device) {
			if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.log.Error().Err(err).Msg("simulated device stopped")
			}
		}(d)
	}
	return devices, nil
}
