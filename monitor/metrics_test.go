package monitor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/catalog"
	"github.com/CodedInternet/robocan/onboard/hardware"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/api/frames", 200, 12*time.Millisecond)
	RecordFrame(&Record{Source: 0x11, TypeName: "BATTERY_PERCENT"})
}

func TestMetrics(t *testing.T) {
	Convey("ingested frames are counted by source and type", t, func() {
		m := createTestMonitor(t)
		voltage := framesTotal.WithLabelValues("MK2_MOD1", "BATTERY_VOLTAGE")
		setpoint := framesTotal.WithLabelValues("0x44", "MOTOR_SETPOINT")
		malformed := malformedFrames.WithLabelValues("0x44")
		voltageBefore := testutil.ToFloat64(voltage)
		setpointBefore := testutil.ToFloat64(setpoint)
		malformedBefore := testutil.ToFloat64(malformed)

		m.Ingest(canbus.MakeIdentifier(0x21, 0x01, catalog.BatteryVoltage), hardware.EncodeVoltage(12.2))
		m.Ingest(canbus.MakeIdentifier(0x44, 0x21, catalog.MotorSetpoint), []byte{1, 2, 3})
		m.Ingest(canbus.MakeIdentifier(0x44, 0x21, catalog.MotorSetpoint), hardware.Motor.Encode(20))

		So(testutil.ToFloat64(voltage)-voltageBefore, ShouldEqual, 1.0)
		So(testutil.ToFloat64(setpoint)-setpointBefore, ShouldEqual, 2.0)
		So(testutil.ToFloat64(malformed)-malformedBefore, ShouldEqual, 1.0)
	})

	Convey("requests are counted by route pattern and served on /metrics", t, func() {
		m := createTestMonitor(t)
		srv := httptest.NewServer(m.Router())
		defer srv.Close()

		modules := httpRequests.WithLabelValues("GET", "/api/modules", "200")
		missing := httpRequests.WithLabelValues("GET", "unmatched", "404")
		modulesBefore := testutil.ToFloat64(modules)
		missingBefore := testutil.ToFloat64(missing)

		for _, path := range []string{"/api/modules", "/api/modules", "/nowhere"} {
			resp, err := http.Get(srv.URL + path)
			So(err, ShouldBeNil)
			resp.Body.Close()
		}
		So(testutil.ToFloat64(modules)-modulesBefore, ShouldEqual, 2.0)
		So(testutil.ToFloat64(missing)-missingBefore, ShouldEqual, 1.0)

		resp, err := http.Get(srv.URL + "/metrics")
		So(err, ShouldBeNil)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		So(err, ShouldBeNil)
		So(resp.StatusCode, ShouldEqual, http.StatusOK)
		So(string(body), ShouldContainSubstring, "robocan_http_requests_total")
		So(string(body), ShouldContainSubstring, "robocan_http_request_duration_seconds")
	})
}
