// Package operator — server.go
//
// Unix domain socket server for cea-controld operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/cea-controld/operator.sock (configurable).
// Permissions: 0600. Only the owning user can connect.
//
// Commands (JSON request -> JSON response):
//
//   {"cmd":"set_mode","zone":"veg1","mode":"manual"}
//     -> Sets the zone's operating mode. Valid modes: auto, manual, override.
//     -> Response: {"ok":true,"zone":"veg1","mode":"manual"}
//
//   {"cmd":"set_mode","zone":"veg1","device":"fan1","mode":"manual","state":1}
//     -> Claims manual control of one device within the zone. "state" (0/1)
//        is only applied when present; omitting it leaves the last
//        commanded hardware state untouched and just stops automatic
//        control from overwriting it.
//     -> Response: {"ok":true,"zone":"veg1","device":"fan1","mode":"manual"}
//
//   {"cmd":"clear_failsafe","zone":"veg1"}
//     -> Clears the zone's failsafe latch. Refused while an active
//        critical alarm remains in the zone.
//     -> Response: {"ok":true,"zone":"veg1"}
//
//   {"cmd":"ack_alarm","zone":"veg1","name":"high_temp"}
//     -> Acknowledges an alarm without clearing it.
//     -> Response: {"ok":true,"zone":"veg1","name":"high_temp"}
//
//   {"cmd":"status","zone":"veg1"}
//     -> Returns the zone's operating mode, active alarms, failsafe state,
//        and known device relay states.
//     -> Response: {"ok":true,"zone":"veg1","mode":"auto","alarms":[...],...}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
//   - Every command is logged.

package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cea-systems/controld/internal/alarm"
	"github.com/cea-systems/controld/internal/cache"
	"github.com/cea-systems/controld/internal/interlock"
	"github.com/cea-systems/controld/internal/model"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd    string `json:"cmd"` // set_mode | clear_failsafe | ack_alarm | status
	Zone   string `json:"zone"`
	Device string `json:"device,omitempty"` // present only for device-level set_mode
	Mode   string `json:"mode,omitempty"`   // auto | manual | override
	Name   string `json:"name,omitempty"`   // alarm name, for ack_alarm
	State  *int   `json:"state,omitempty"`  // optional commanded state for device set_mode
}

// DeviceStatus is one device's relay snapshot within a status response.
type DeviceStatus struct {
	Device      string `json:"device"`
	State       int    `json:"state"`
	ControlMode string `json:"control_mode"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	Zone     string          `json:"zone,omitempty"`
	Device   string          `json:"device,omitempty"`
	Mode     string          `json:"mode,omitempty"`
	Name     string          `json:"name,omitempty"`
	Alarms   []model.Alarm   `json:"alarms,omitempty"`
	Failsafe *model.Failsafe `json:"failsafe,omitempty"`
	Devices  []DeviceStatus  `json:"devices,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	cache      *cache.Cache
	interlock  *interlock.Manager
	alarms     *alarm.Manager
	devices    []model.Device // static topology, for status' device list
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, c *cache.Cache, il *interlock.Manager, al *alarm.Manager, devices []model.Device, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		cache:      c,
		interlock:  il,
		alarms:     al,
		devices:    devices,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Remove stale socket.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	// Ensure parent directory exists.
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	// Set socket permissions to 0600.
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	// Close listener on context cancellation.
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // Clean shutdown.
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		// Acquire semaphore (non-blocking; reject if at capacity).
		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	if req.Zone == "" {
		return Response{OK: false, Error: "zone required"}
	}
	switch req.Cmd {
	case "set_mode":
		return s.cmdSetMode(ctx, req)
	case "clear_failsafe":
		return s.cmdClearFailsafe(ctx, req)
	case "ack_alarm":
		return s.cmdAckAlarm(req)
	case "status":
		return s.cmdStatus(ctx, req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdSetMode(ctx context.Context, req Request) Response {
	if req.Device != "" {
		mode, err := parseControlMode(req.Mode)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		now := time.Now()
		if req.State != nil {
			ok, reason, err := s.interlock.Set(ctx, req.Zone, req.Device, *req.State, mode, mode == model.ControlAuto, nil)
			if err != nil {
				return Response{OK: false, Error: err.Error()}
			}
			if !ok {
				return Response{OK: false, Error: reason}
			}
		} else if _, ok := s.interlock.SetControlMode(req.Zone, req.Device, mode, now); !ok {
			return Response{OK: false, Error: fmt.Sprintf("device %q not known in zone %q", req.Device, req.Zone)}
		}
		s.log.Info("operator: device control mode set",
			zap.String("zone", req.Zone), zap.String("device", req.Device), zap.String("mode", string(mode)))
		return Response{OK: true, Zone: req.Zone, Device: req.Device, Mode: string(mode)}
	}

	mode, err := parseOperatingMode(req.Mode)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if err := s.cache.PutMode(ctx, req.Zone, mode); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: zone operating mode set", zap.String("zone", req.Zone), zap.String("mode", string(mode)))
	return Response{OK: true, Zone: req.Zone, Mode: string(mode)}
}

func (s *Server) cmdClearFailsafe(ctx context.Context, req Request) Response {
	if err := s.alarms.ClearFailsafe(req.Zone); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if err := s.cache.ClearFailsafe(ctx, req.Zone); err != nil {
		s.log.Warn("operator: failsafe cache clear failed", zap.Error(err), zap.String("zone", req.Zone))
	}
	s.log.Info("operator: failsafe cleared", zap.String("zone", req.Zone))
	return Response{OK: true, Zone: req.Zone}
}

func (s *Server) cmdAckAlarm(req Request) Response {
	if req.Name == "" {
		return Response{OK: false, Error: "name required for ack_alarm"}
	}
	if _, ok := s.alarms.Acknowledge(req.Zone, req.Name); !ok {
		return Response{OK: false, Error: fmt.Sprintf("no alarm %q in zone %q", req.Name, req.Zone)}
	}
	s.log.Info("operator: alarm acknowledged", zap.String("zone", req.Zone), zap.String("name", req.Name))
	return Response{OK: true, Zone: req.Zone, Name: req.Name}
}

func (s *Server) cmdStatus(ctx context.Context, req Request) Response {
	mode, err := s.cache.GetMode(ctx, req.Zone)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}

	resp := Response{OK: true, Zone: req.Zone, Mode: string(mode), Alarms: s.alarms.Active(req.Zone)}

	if fs, ok := s.alarms.Failsafe(req.Zone); ok {
		resp.Failsafe = &fs
	}

	for _, d := range s.devices {
		if d.Zone != req.Zone {
			continue
		}
		relay, known := s.interlock.State(d.Zone, d.Name)
		if !known {
			continue
		}
		resp.Devices = append(resp.Devices, DeviceStatus{
			Device: d.Name, State: relay.State, ControlMode: string(relay.ControlMode),
		})
	}
	return resp
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

func parseOperatingMode(name string) (model.OperatingMode, error) {
	switch model.OperatingMode(name) {
	case model.OpAuto, model.OpManual, model.OpOverride:
		return model.OperatingMode(name), nil
	default:
		return "", fmt.Errorf("unknown operating mode %q (valid: auto manual override)", name)
	}
}

func parseControlMode(name string) (model.ControlMode, error) {
	switch model.ControlMode(name) {
	case model.ControlAuto, model.ControlManual:
		return model.ControlMode(name), nil
	default:
		return "", fmt.Errorf("unknown control mode %q (valid: auto manual)", name)
	}
}
