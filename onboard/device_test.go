package onboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/catalog"
	"github.com/CodedInternet/robocan/onboard/hardware"
	"github.com/CodedInternet/robocan/onboard/registry"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
)

type fixedBattery struct {
	reading BatteryReading
	err     error
}

func (b *fixedBattery) Read() (BatteryReading, error) {
	return b.reading, b.err
}

func createTestDevice(bus *canbus.SimBus, module string, battery Battery) *Device {
	cfg := DefaultConfig(module)
	cfg.ReplyTimeout = 50 * time.Millisecond
	cfg.Telemetry.Battery = 5 * time.Millisecond

	d, err := NewDevice(cfg, OpenController(cfg, bus, zerolog.Nop()), battery, zerolog.Nop())
	if err != nil {
		panic(err)
	}
	return d
}

func TestDevice(t *testing.T) {
	Convey("modules carry an actuator per joint of their build", t, func() {
		bus := canbus.NewSimBus()
		head := createTestDevice(bus, "MK1_MOD1", nil)
		plain := createTestDevice(bus, "MK2_MOD1", nil)
		controller := createTestDevice(bus, "CONTROLLER", nil)

		So(len(head.Actuators), ShouldEqual, 4)
		So(head.Actuators["ee_head_roll"], ShouldNotBeNil)
		So(len(plain.Actuators), ShouldEqual, 1)
		So(controller.Actuators, ShouldBeEmpty)
	})

	Convey("battery telemetry reaches the controller", t, func() {
		bus := canbus.NewSimBus()
		battery := &fixedBattery{reading: BatteryReading{Voltage: 12.3, Percent: 80, Temperature: 31.5}}
		head := createTestDevice(bus, "MK1_MOD1", battery)
		controller := createTestDevice(bus, "CONTROLLER", nil)

		So(controller.Start(), ShouldBeNil)
		So(head.Start(), ShouldBeNil)
		So(head.SendBattery(), ShouldBeNil)

		_, err := controller.Node.Poll()
		So(err, ShouldBeNil)

		r := controller.Telemetry[registry.ModuleAddress(0x11)]
		So(r.Voltage, ShouldAlmostEqual, 12.3, 0.001)
		So(r.Percent, ShouldEqual, 80.0)
		So(r.Temperature, ShouldAlmostEqual, 31.5, 0.001)

		Convey("and the head's startup announcement was recorded", func() {
			peers := controller.Node.Peers()
			So(len(peers), ShouldEqual, 1)
			So(peers[0].Version.String(), ShouldEqual, catalog.Version)
			So(peers[0].Compatible, ShouldBeTrue)
		})

		Convey("and every frame is kept in the history", func() {
			recent := controller.Recent()
			So(len(recent), ShouldEqual, 4)
			So(recent[0].Type, ShouldEqual, catalog.CatalogVersion)
			So(recent[3].Type, ShouldEqual, catalog.BatteryTemperature)
		})
	})

	Convey("the history keeps only the newest frames", t, func() {
		d := createTestDevice(canbus.NewSimBus(), "CONTROLLER", nil)
		for i := 0; i < HistorySize+8; i++ {
			d.remember(canbus.Frame{Source: registry.ModuleAddress(i)})
		}
		recent := d.Recent()
		So(len(recent), ShouldEqual, HistorySize)
		So(recent[0].Source, ShouldEqual, registry.ModuleAddress(8))
		So(recent[HistorySize-1].Source, ShouldEqual, registry.ModuleAddress(HistorySize+7))
	})

	Convey("a failing battery read sends nothing", t, func() {
		bus := canbus.NewSimBus()
		head := createTestDevice(bus, "MK1_MOD1", &fixedBattery{err: errors.New("adc busy")})
		So(head.Start(), ShouldBeNil)

		sent := head.Transport.Stats().Sent
		So(head.SendBattery(), ShouldNotBeNil)
		So(head.Transport.Stats().Sent, ShouldEqual, sent)
	})

	Convey("sending before start reports the transport is not up", t, func() {
		bus := canbus.NewSimBus()
		head := createTestDevice(bus, "MK1_MOD1", NewSimulatedBattery(1))
		So(head.SendBattery(), ShouldNotBeNil)
	})
}

func TestDeviceRun(t *testing.T) {
	Convey("a running module answers setpoints and reports its battery", t, func() {
		bus := canbus.NewSimBus()
		head := createTestDevice(bus, "MK1_MOD1", NewSimulatedBattery(7))
		controller := createTestDevice(bus, "CONTROLLER", nil)
		So(controller.Start(), ShouldBeNil)
		So(head.Start(), ShouldBeNil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 2)
		go func() { done <- head.Run(ctx) }()
		go func() { done <- controller.Run(ctx) }()

		var reached hardware.MotorState
		var requestErr error
		err := controller.Do(ctx, func() {
			pitch := hardware.NewRemoteActuator(controller.Node, 0x11, hardware.EEPitch)
			requestErr = pitch.SetTarget(ctx, 15)
			reached = pitch.GetState()
		})
		So(err, ShouldBeNil)
		So(requestErr, ShouldBeNil)
		So(reached.Current, ShouldEqual, 15.0)

		time.Sleep(30 * time.Millisecond)
		var telemetry BatteryReading
		var alive bool
		So(controller.Do(ctx, func() {
			telemetry = controller.Telemetry[0x11]
			alive = controller.Node.Alive(0x11)
		}), ShouldBeNil)
		So(telemetry.Voltage, ShouldBeGreaterThan, hardware.BatteryLow)
		So(alive, ShouldBeTrue)

		cancel()
		So(<-done, ShouldEqual, context.Canceled)
		So(<-done, ShouldEqual, context.Canceled)
	})
}

func TestSimulatedBattery(t *testing.T) {
	Convey("the simulated pack drains towards the cutoff", t, func() {
		b := NewSimulatedBattery(42)

		first, err := b.Read()
		So(err, ShouldBeNil)
		So(first.Voltage, ShouldAlmostEqual, hardware.BatteryNominal, 0.05)

		var last BatteryReading
		for i := 0; i < 2000; i++ {
			last, _ = b.Read()
		}
		So(last.Percent, ShouldBeLessThan, first.Percent)
		So(last.Percent, ShouldBeGreaterThanOrEqualTo, 0.0)
		So(last.Voltage, ShouldAlmostEqual, hardware.BatteryLow, 0.05)
	})
}

func TestStartSimulatedModules(t *testing.T) {
	Convey("the simulated robot handshakes and reports to the controller", t, func() {
		bus := canbus.NewSimBus()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		devices, err := StartSimulatedModules(ctx, bus, SimulatedModules, zerolog.Nop())
		So(err, ShouldBeNil)
		So(len(devices), ShouldEqual, len(SimulatedModules))

		controller := devices[0]
		So(controller.Profile.Address, ShouldEqual, registry.Controller)
		time.Sleep(100 * time.Millisecond)

		var peers []hardware.PeerStatus
		var reports int
		So(controller.Do(ctx, func() {
			peers = controller.Node.Peers()
			reports = len(controller.Telemetry)
		}), ShouldBeNil)

		So(len(peers), ShouldEqual, 4)
		for _, p := range peers {
			So(p.Compatible, ShouldBeTrue)
		}
		So(reports, ShouldEqual, 4)
	})

	Convey("unknown module names fail before anything runs", t, func() {
		_, err := StartSimulatedModules(context.Background(), canbus.NewSimBus(), []string{"MK9_MOD9"}, zerolog.Nop())
		So(err, ShouldNotBeNil)
	})
}
