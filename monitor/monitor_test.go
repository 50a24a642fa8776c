package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/catalog"
	"github.com/CodedInternet/robocan/onboard/hardware"
	"github.com/brutella/can"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
)

func createTestMonitor(t *testing.T) *Monitor {
	store, err := OpenStore(filepath.Join(t.TempDir(), "capture.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(nil, store, NewHub(zerolog.Nop()), zerolog.Nop())
}

// waitForFrames polls the store until it holds want records or a second passes.
func waitForFrames(m *Monitor, want int) int {
	deadline := time.Now().Add(time.Second)
	for {
		n, _ := m.Store().Count()
		if n >= want || time.Now().After(deadline) {
			return n
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewRecord(t *testing.T) {
	codec := canbus.NewCodec(nil)
	at := time.Unix(1700000000, 0)

	Convey("telemetry is decoded into a value and unit", t, func() {
		id := canbus.MakeIdentifier(0x12, 0x01, catalog.BatteryVoltage)
		r := NewRecord(codec, at, id, hardware.EncodeVoltage(12.3))

		So(r.Source, ShouldEqual, uint8(0x12))
		So(r.Destination, ShouldEqual, uint8(0x01))
		So(r.TypeName, ShouldEqual, "BATTERY_VOLTAGE")
		So(r.Data, ShouldEqual, "04ce")
		So(*r.Value, ShouldAlmostEqual, 12.3, 0.001)
		So(r.Unit, ShouldEqual, "V")
		So(r.Malformed, ShouldBeEmpty)
		So(r.Payload(), ShouldResemble, []byte{0x04, 0xCE})
	})

	Convey("joint feedback uses the joint's unit", t, func() {
		id := canbus.MakeIdentifier(0x11, 0x01, catalog.EEHeadRollFeedback)
		r := NewRecord(codec, at, id, hardware.EEHeadRoll.Encode(-30))
		So(*r.Value, ShouldEqual, -30.0)
		So(r.Unit, ShouldEqual, "deg")
	})

	Convey("malformed frames keep their addressing and the reason", t, func() {
		id := canbus.MakeIdentifier(0x01, 0x12, catalog.MotorSetpoint)
		r := NewRecord(codec, at, id, []byte{1, 2, 3})
		So(r.Malformed, ShouldContainSubstring, "MOTOR_SETPOINT")
		So(r.Destination, ShouldEqual, uint8(0x12))
		So(r.Value, ShouldBeNil)
	})
}

func TestMonitorIngest(t *testing.T) {
	Convey("frames are stored and summarised per module", t, func() {
		m := createTestMonitor(t)

		m.Ingest(canbus.MakeIdentifier(0x11, 0x01, catalog.BatteryVoltage), hardware.EncodeVoltage(12.1))
		m.Ingest(canbus.MakeIdentifier(0x12, 0x01, catalog.BatteryPercent), hardware.EncodePercent(70))
		m.Ingest(canbus.MakeIdentifier(0x01, 0x12, catalog.MotorSetpoint), hardware.Motor.Encode(10))
		m.Ingest(canbus.MakeIdentifier(0x12, 0x01, catalog.MotorFeedback), []byte{0x01})

		n, err := m.Store().Count()
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 4)

		modules := m.Modules()
		So(len(modules), ShouldEqual, 3)
		So(modules[0].Name, ShouldEqual, "CONTROLLER")
		So(modules[2].Address, ShouldEqual, uint8(0x12))
		So(modules[2].Frames, ShouldEqual, uint64(2))
		So(modules[2].Malformed, ShouldEqual, uint64(1))

		Convey("queries filter by module and type, newest first", func() {
			mod := uint8(0x12)
			records, err := m.Store().Recent(Query{Module: &mod})
			So(err, ShouldBeNil)
			So(len(records), ShouldEqual, 3)
			So(records[0].Type, ShouldEqual, uint8(catalog.MotorFeedback))

			typ := uint8(catalog.BatteryVoltage)
			records, err = m.Store().Recent(Query{Type: &typ})
			So(err, ShouldBeNil)
			So(len(records), ShouldEqual, 1)
			So(records[0].Source, ShouldEqual, uint8(0x11))

			records, err = m.Store().Recent(Query{Limit: 2})
			So(err, ShouldBeNil)
			So(len(records), ShouldEqual, 2)

			none := uint8(0x44)
			records, err = m.Store().Recent(Query{Module: &none})
			So(err, ShouldBeNil)
			So(records, ShouldBeEmpty)
		})
	})

	Convey("a simulated bus is captured unfiltered", t, func() {
		m := createTestMonitor(t)
		bus := canbus.NewSimBus()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		m.TapSim(ctx, bus)

		bus.Inject(canbus.MakeIdentifier(0x21, 0x22, catalog.BatteryPercent), []byte{55})
		bus.Inject(canbus.MakeIdentifier(0x22, 0x21, catalog.BatteryPercent), []byte{56})
		So(waitForFrames(m, 2), ShouldEqual, 2)
		So(len(m.Modules()), ShouldEqual, 2)

		Convey("and the bus is free while the store is busy", func() {
			// Holding the monitor's lock stalls Ingest; senders must not wait on it.
			m.mu.Lock()
			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := 0; i < 10; i++ {
					bus.Inject(canbus.MakeIdentifier(0x21, 0x22, catalog.BatteryPercent), []byte{57})
				}
			}()

			var injected bool
			select {
			case <-done:
				injected = true
			case <-time.After(time.Second):
			}
			m.mu.Unlock()

			So(injected, ShouldBeTrue)
			So(waitForFrames(m, 12), ShouldEqual, 12)
		})

		Convey("and capture stops with its context", func() {
			cancel()
			bus.Inject(canbus.MakeIdentifier(0x23, 0x22, catalog.BatteryPercent), []byte{58})
			time.Sleep(20 * time.Millisecond)

			n, err := m.Store().Count()
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
		})
	})

	Convey("brutella frames keep their extended identifiers", t, func() {
		m := createTestMonitor(t)
		id := canbus.MakeIdentifier(0x11, 0x01, catalog.BatteryPercent)

		m.Handle(can.Frame{ID: uint32(id), Length: 1, Data: [8]uint8{42}})
		m.Handle(can.Frame{ID: uint32(id) &^ canbus.CAN_EFF_FLAG, Length: 1, Data: [8]uint8{43}})

		records, err := m.Store().Recent(Query{})
		So(err, ShouldBeNil)
		So(len(records), ShouldEqual, 2)
		for _, r := range records {
			So(r.Malformed, ShouldBeEmpty)
			So(r.TypeName, ShouldEqual, "BATTERY_PERCENT")
		}
		So(records[0].Data, ShouldEqual, "2b")
	})
}

func TestAPI(t *testing.T) {
	m := createTestMonitor(t)
	m.Ingest(canbus.MakeIdentifier(0x11, 0x01, catalog.BatteryVoltage), hardware.EncodeVoltage(12.1))
	m.Ingest(canbus.MakeIdentifier(0x12, 0x01, catalog.BatteryVoltage), hardware.EncodeVoltage(11.9))
	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	getJSON := func(path string, v interface{}) int {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		if v != nil {
			json.NewDecoder(resp.Body).Decode(v)
		}
		return resp.StatusCode
	}

	Convey("the catalog is served with its version", t, func() {
		var body catalogResponse
		So(getJSON("/api/catalog", &body), ShouldEqual, http.StatusOK)
		So(body.Version, ShouldEqual, catalog.Version)
		So(len(body.Entries), ShouldEqual, len(catalog.Default().Entries()))
		So(body.Entries[0].Name, ShouldEqual, "CATALOG_VERSION")
	})

	Convey("frames can be filtered by module in hex", t, func() {
		var records []Record
		So(getJSON("/api/frames?module=0x12", &records), ShouldEqual, http.StatusOK)
		So(len(records), ShouldEqual, 1)
		So(*records[0].Value, ShouldAlmostEqual, 11.9, 0.001)

		So(getJSON("/api/frames?type=0x11&limit=1", &records), ShouldEqual, http.StatusOK)
		So(len(records), ShouldEqual, 1)
		So(records[0].Source, ShouldEqual, uint8(0x12))
	})

	Convey("bad query parameters are rejected", t, func() {
		So(getJSON("/api/frames?module=0x1FF", nil), ShouldEqual, http.StatusBadRequest)
		So(getJSON("/api/frames?type=volts", nil), ShouldEqual, http.StatusBadRequest)
		So(getJSON("/api/frames?limit=-1", nil), ShouldEqual, http.StatusBadRequest)
	})

	Convey("oversized limits are capped", t, func() {
		var records []Record
		So(getJSON("/api/frames?limit=5000", &records), ShouldEqual, http.StatusOK)
		So(len(records), ShouldEqual, 2)

		So(Query{Limit: 5000}.limit(), ShouldEqual, MaxQueryLimit)
		So(Query{Limit: MaxQueryLimit}.limit(), ShouldEqual, MaxQueryLimit)
		So(Query{}.limit(), ShouldEqual, DefaultQueryLimit)
		So(Query{Limit: 7}.limit(), ShouldEqual, 7)
	})

	Convey("modules list every source heard", t, func() {
		var modules []ModuleSeen
		So(getJSON("/api/modules", &modules), ShouldEqual, http.StatusOK)
		So(len(modules), ShouldEqual, 2)
		So(modules[0].Name, ShouldEqual, "MK1_MOD1")
	})

	Convey("new frames are streamed to websocket clients", t, func() {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/frames"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		So(err, ShouldBeNil)
		defer conn.Close()

		deadline := time.Now().Add(time.Second)
		for m.hub.Clients() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		So(m.hub.Clients(), ShouldEqual, 1)

		m.Ingest(canbus.MakeIdentifier(0x21, 0x01, catalog.BatteryPercent), []byte{64})

		conn.SetReadDeadline(time.Now().Add(time.Second))
		var r Record
		So(conn.ReadJSON(&r), ShouldBeNil)
		So(r.Source, ShouldEqual, uint8(0x21))
		So(*r.Value, ShouldEqual, 64.0)
		So(r.Unit, ShouldEqual, "%")
	})

	Convey("websocket upgrades from another site are refused", t, func() {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/frames"

		_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
		So(err, ShouldEqual, websocket.ErrBadHandshake)
		So(resp.StatusCode, ShouldEqual, http.StatusForbidden)

		conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {srv.URL}})
		So(err, ShouldBeNil)
		conn.Close()

		Convey("unless the origin is allowed", func() {
			m.hub.AllowOrigins("https://dash.example")
			conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://dash.example"}})
			So(err, ShouldBeNil)
			conn.Close()

			_, _, err = websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://dash.example.evil"}})
			So(err, ShouldNotBeNil)
		})
	})
}
