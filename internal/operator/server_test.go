package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/cea-systems/controld/internal/alarm"
	"github.com/cea-systems/controld/internal/cache"
	"github.com/cea-systems/controld/internal/interlock"
	"github.com/cea-systems/controld/internal/model"
)

type noopWriter struct{}

func (noopWriter) Write(_ context.Context, _, _ string, _ bool) error { return nil }

func newTestServer(t *testing.T) (*Server, func(Request) Response) {
	t.Helper()

	mr := miniredis.RunT(t)
	c := cache.New(mr.Addr())
	il := interlock.NewManager(noopWriter{})
	al := alarm.NewManager()

	fan := model.Device{Zone: "veg1", Name: "fan1", Type: model.DeviceFan}
	il.RegisterDevice(fan)
	il.RestoreState("veg1", "fan1", 0, model.ControlAuto, time.Now())

	s := NewServer(t.TempDir()+"/operator.sock", c, il, al, []model.Device{fan}, zap.NewNop())

	call := func(req Request) Response {
		return s.dispatch(context.Background(), req)
	}
	return s, call
}

func TestSetModeZoneLevel(t *testing.T) {
	_, call := newTestServer(t)

	resp := call(Request{Cmd: "set_mode", Zone: "veg1", Mode: "manual"})
	if !resp.OK || resp.Mode != "manual" {
		t.Fatalf("expected ok manual response, got %+v", resp)
	}
}

func TestSetModeRejectsUnknownMode(t *testing.T) {
	_, call := newTestServer(t)

	resp := call(Request{Cmd: "set_mode", Zone: "veg1", Mode: "sideways"})
	if resp.OK {
		t.Fatalf("expected rejection of unknown mode, got %+v", resp)
	}
}

func TestSetModeDeviceLevelClaimsManualWithoutState(t *testing.T) {
	s, call := newTestServer(t)

	resp := call(Request{Cmd: "set_mode", Zone: "veg1", Device: "fan1", Mode: "manual"})
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp)
	}

	relay, ok := s.interlock.State("veg1", "fan1")
	if !ok || relay.ControlMode != model.ControlManual {
		t.Errorf("expected fan1 control mode manual, got %+v (ok=%v)", relay, ok)
	}
	if relay.State != 0 {
		t.Errorf("expected prior state 0 preserved when no state given, got %d", relay.State)
	}
}

func TestSetModeDeviceLevelAppliesExplicitState(t *testing.T) {
	s, call := newTestServer(t)

	on := 1
	resp := call(Request{Cmd: "set_mode", Zone: "veg1", Device: "fan1", Mode: "manual", State: &on})
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp)
	}

	relay, ok := s.interlock.State("veg1", "fan1")
	if !ok || relay.State != 1 || relay.ControlMode != model.ControlManual {
		t.Errorf("expected fan1 ON and manual, got %+v (ok=%v)", relay, ok)
	}
}

func TestAckAlarmRequiresKnownAlarm(t *testing.T) {
	_, call := newTestServer(t)

	resp := call(Request{Cmd: "ack_alarm", Zone: "veg1", Name: "nonexistent"})
	if resp.OK {
		t.Fatalf("expected failure acknowledging an unknown alarm, got %+v", resp)
	}
}

func TestAckAlarmAcknowledgesRaisedAlarm(t *testing.T) {
	s, call := newTestServer(t)
	s.alarms.Raise("veg1", "high_temp", model.SeverityWarning, "temp over limit", time.Now())

	resp := call(Request{Cmd: "ack_alarm", Zone: "veg1", Name: "high_temp"})
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp)
	}

	for _, a := range s.alarms.Active("veg1") {
		if a.Name == "high_temp" && !a.Acknowledged {
			t.Errorf("expected high_temp to be acknowledged")
		}
	}
}

func TestClearFailsafeRefusedWithActiveCritical(t *testing.T) {
	s, call := newTestServer(t)
	s.alarms.Raise("veg1", "co2_excursion", model.SeverityCritical, "CO2 over limit", time.Now())

	resp := call(Request{Cmd: "clear_failsafe", Zone: "veg1"})
	if resp.OK {
		t.Fatalf("expected clear_failsafe to be refused while a critical alarm is active, got %+v", resp)
	}
}

func TestClearFailsafeSucceedsOnceCriticalCleared(t *testing.T) {
	s, call := newTestServer(t)
	s.alarms.Raise("veg1", "co2_excursion", model.SeverityCritical, "CO2 over limit", time.Now())
	s.alarms.Clear("veg1", "co2_excursion")

	resp := call(Request{Cmd: "clear_failsafe", Zone: "veg1"})
	if !resp.OK {
		t.Fatalf("expected clear_failsafe to succeed, got %+v", resp)
	}
}

func TestStatusReportsModeAlarmsAndDevices(t *testing.T) {
	s, call := newTestServer(t)
	s.alarms.Raise("veg1", "high_temp", model.SeverityWarning, "temp over limit", time.Now())

	resp := call(Request{Cmd: "status", Zone: "veg1"})
	if !resp.OK {
		t.Fatalf("expected ok, got %+v", resp)
	}
	if resp.Mode != "auto" {
		t.Errorf("expected default operating mode auto, got %q", resp.Mode)
	}
	if len(resp.Alarms) != 1 || resp.Alarms[0].Name != "high_temp" {
		t.Errorf("expected one active alarm high_temp, got %+v", resp.Alarms)
	}
	if len(resp.Devices) != 1 || resp.Devices[0].Device != "fan1" {
		t.Errorf("expected fan1 in device status, got %+v", resp.Devices)
	}
}

func TestDispatchRequiresZone(t *testing.T) {
	_, call := newTestServer(t)

	resp := call(Request{Cmd: "status"})
	if resp.OK {
		t.Fatalf("expected rejection of a request with no zone, got %+v", resp)
	}
}

// TestListenAndServeRoundTrip exercises the real Unix socket transport, not
// just dispatch, so the newline-delimited JSON framing is covered too.
func TestListenAndServeRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", s.socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial operator socket: %v", err)
	}
	defer conn.Close()

	req, _ := json.Marshal(Request{Cmd: "status", Zone: "veg1"})
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.OK || resp.Zone != "veg1" {
		t.Errorf("expected ok status response for veg1, got %+v", resp)
	}
}
