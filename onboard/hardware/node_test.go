package hardware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/catalog"
	buserr "github.com/CodedInternet/robocan/onboard/errors"
	"github.com/CodedInternet/robocan/onboard/registry"
	. "github.com/smartystreets/goconvey/convey"
)

var testNodeConfig = NodeConfig{
	ReplyTimeout: 20 * time.Millisecond,
	Retries:      3,
	PollInterval: time.Millisecond,
}

func createTestNode(bus *canbus.SimBus, module string, cat *catalog.Catalog) (*Node, *canbus.SimController) {
	profile, err := registry.Lookup(module)
	if err != nil {
		panic(err)
	}
	ctrl := bus.Attach()
	tr := canbus.NewTransport(ctrl, canbus.Config{Profile: profile, Catalog: cat})
	if err := tr.Begin(); err != nil {
		panic(err)
	}
	return NewNode(tr, testNodeConfig), ctrl
}

// serve runs n on its own goroutine until the returned stop is called.
func serve(n *Node) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestNodePoll(t *testing.T) {
	Convey("handlers receive frames addressed to the node", t, func() {
		bus := canbus.NewSimBus()
		controller, _ := createTestNode(bus, "CONTROLLER", nil)
		head, _ := createTestNode(bus, "MK1_MOD1", nil)

		var got []canbus.Frame
		controller.Handle(catalog.BatteryVoltage, func(f canbus.Frame) {
			got = append(got, f)
		})

		So(head.Send(catalog.BatteryVoltage, EncodeVoltage(12.48)), ShouldBeNil)
		So(head.Send(catalog.BatteryPercent, EncodePercent(91)), ShouldBeNil)

		handled, err := controller.Poll()
		So(err, ShouldBeNil)
		So(handled, ShouldEqual, 2)
		So(len(got), ShouldEqual, 1)
		So(got[0].Source, ShouldEqual, registry.ModuleAddress(0x11))

		volts, err := DecodeVoltage(got[0].Payload)
		So(err, ShouldBeNil)
		So(volts, ShouldAlmostEqual, 12.48, 0.001)

		peers := controller.Peers()
		So(len(peers), ShouldEqual, 1)
		So(peers[0].Address, ShouldEqual, registry.ModuleAddress(0x11))
		So(peers[0].Frames, ShouldEqual, uint64(2))
	})

	Convey("malformed frames are dropped and the drain continues", t, func() {
		bus := canbus.NewSimBus()
		controller, _ := createTestNode(bus, "CONTROLLER", nil)
		head, _ := createTestNode(bus, "MK1_MOD1", nil)

		bus.Inject(canbus.MakeIdentifier(0x01, 0x11, catalog.MotorSetpoint), []byte{1, 2, 3})
		So(controller.SendTo(0x11, catalog.MotorSetpoint, Motor.Encode(12)), ShouldBeNil)

		var setpoints int
		head.Handle(catalog.MotorSetpoint, func(canbus.Frame) { setpoints++ })

		handled, err := head.Poll()
		So(err, ShouldBeNil)
		So(handled, ShouldEqual, 1)
		So(setpoints, ShouldEqual, 1)
		So(head.Dropped(), ShouldEqual, uint64(1))
	})

	Convey("malformed frames count toward the burst bound", t, func() {
		bus := canbus.NewSimBus()
		head, ctrl := createTestNode(bus, "MK1_MOD1", nil)
		ctrl.QueueSize = 256

		for i := 0; i < 100; i++ {
			bus.Inject(canbus.MakeIdentifier(0x01, 0x11, catalog.MotorSetpoint), []byte{1, 2, 3})
		}

		handled, err := head.Poll()
		So(err, ShouldBeNil)
		So(handled, ShouldEqual, 0)
		So(head.Dropped(), ShouldEqual, uint64(DefaultMaxBurst))
		So(ctrl.Pending(), ShouldEqual, 100-DefaultMaxBurst)
	})

	Convey("controller failures stop the drain and surface", t, func() {
		bus := canbus.NewSimBus()
		head, ctrl := createTestNode(bus, "MK1_MOD1", nil)

		ctrl.RxErr = errors.New("bus off")
		_, err := head.Poll()
		So(buserr.IsTransport(err), ShouldBeTrue)

		ctrl.RxErr = nil
		handled, err := head.Poll()
		So(err, ShouldBeNil)
		So(handled, ShouldEqual, 0)
	})

	Convey("peers go quiet after the reply timeout", t, func() {
		bus := canbus.NewSimBus()
		controller, _ := createTestNode(bus, "CONTROLLER", nil)
		middle, _ := createTestNode(bus, "MK1_MOD2", nil)

		now := time.Unix(1000, 0)
		controller.now = func() time.Time { return now }

		So(middle.Send(catalog.JointYawFeedback, []byte{0x01, 0x00}), ShouldBeNil)
		_, err := controller.Poll()
		So(err, ShouldBeNil)
		So(controller.Alive(0x12), ShouldBeTrue)
		So(controller.Alive(0x11), ShouldBeFalse)

		now = now.Add(testNodeConfig.ReplyTimeout + time.Millisecond)
		So(controller.Alive(0x12), ShouldBeFalse)
	})
}

func TestNodeRun(t *testing.T) {
	Convey("scheduled tasks run each interval until cancelled", t, func() {
		bus := canbus.NewSimBus()
		head, _ := createTestNode(bus, "MK1_MOD1", nil)

		var runs int
		head.Every("telemetry", 5*time.Millisecond, func() error {
			runs++
			return errors.New("keeps going")
		})

		ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
		defer cancel()
		err := head.Run(ctx)

		So(err, ShouldEqual, context.DeadlineExceeded)
		So(runs, ShouldBeGreaterThanOrEqualTo, 2)
	})
}

func TestNodeHandshake(t *testing.T) {
	Convey("matching catalog majors are compatible", t, func() {
		bus := canbus.NewSimBus()
		controller, _ := createTestNode(bus, "CONTROLLER", nil)
		head, _ := createTestNode(bus, "MK1_MOD1", nil)
		stop := serve(head)
		defer stop()

		v, err := controller.Handshake(context.Background(), 0x11)
		So(err, ShouldBeNil)
		So(v.String(), ShouldEqual, catalog.Version)

		peers := controller.Peers()
		So(len(peers), ShouldEqual, 1)
		So(peers[0].Compatible, ShouldBeTrue)
	})

	Convey("a different major is refused", t, func() {
		newer, err := catalog.New("2.0.0", catalog.Default().Entries()...)
		So(err, ShouldBeNil)

		bus := canbus.NewSimBus()
		controller, _ := createTestNode(bus, "CONTROLLER", nil)
		head, _ := createTestNode(bus, "MK1_MOD1", newer)
		stop := serve(head)
		defer stop()

		v, err := controller.Handshake(context.Background(), 0x11)
		So(errors.Is(err, ErrIncompatible), ShouldBeTrue)
		So(v.Major(), ShouldEqual, int64(2))
	})

	Convey("a silent module exhausts the retries", t, func() {
		bus := canbus.NewSimBus()
		controller, _ := createTestNode(bus, "CONTROLLER", nil)

		_, err := controller.Handshake(context.Background(), 0x21)
		So(errors.Is(err, ERR_MAX_RETRIES), ShouldBeTrue)
	})
}
