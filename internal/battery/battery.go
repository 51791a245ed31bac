// Package battery implements component I: a tiny HTTP ingest for EV
// battery telemetry and the start/stop lifecycle hook for the external
// collection script, grounded on ev.rs's BatteryData/spawn_ev_client_task
// in the reference implementation. No third-party HTTP router appears
// anywhere in the retrieved pack for a Go project this size (the
// reference's axum is Rust-only), so the single-route ServeMux here is
// built on the standard library per the ambient-stack justification
// rule rather than adopting a framework with no grounding in the corpus.
package battery

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Sample is the data model's BatterySample: only the most recent value
// is retained, written by this package and read by the MITM EV rewrite.
// The Wh/air-density/temperature fields are supplemented from ev.rs's
// BatteryData, which the wireless projection's navigation-status
// injection carries alongside the plain percentage.
type Sample struct {
	Level               float64
	BatteryLevelWh      float64
	BatteryCapacityWh   float64
	ReferenceAirDensity float64
	ExternalTempCelsius float64
	Timestamp           time.Time
}

// Slot is a single-writer/single-reader word-sized-enough holder,
// matching §5's "relaxed visibility suffices" note — implemented with
// atomic.Pointer rather than a mutex since there is exactly one writer.
type Slot struct {
	v atomic.Pointer[Sample]
}

func (s *Slot) Store(sample Sample) { s.v.Store(&sample) }
func (s *Slot) Load() (Sample, bool) {
	p := s.v.Load()
	if p == nil {
		return Sample{}, false
	}
	return *p, true
}

type battReq struct {
	BatteryLevel        *float64 `json:"battery_level"`
	BatteryLevelWh      float64  `json:"battery_level_wh"`
	BatteryCapacityWh   float64  `json:"battery_capacity_wh"`
	ReferenceAirDensity float64  `json:"reference_air_density"`
	ExternalTempCelsius float64  `json:"external_temp_celsius"`
}

// Server hosts POST /battery on 127.0.0.1:3030.
type Server struct {
	addr string
	slot *Slot
	srv  *http.Server
}

func NewServer(addr string, slot *Slot) *Server {
	return &Server{addr: addr, slot: slot}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/battery", s.handleBattery)
	s.srv = &http.Server{Addr: s.addr, Handler: mux}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("battery: server exited")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req battReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.BatteryLevel == nil || *req.BatteryLevel < 0 || *req.BatteryLevel > 100 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.slot.Store(Sample{
		Level:               *req.BatteryLevel,
		BatteryLevelWh:      req.BatteryLevelWh,
		BatteryCapacityWh:   req.BatteryCapacityWh,
		ReferenceAirDensity: req.ReferenceAirDensity,
		ExternalTempCelsius: req.ExternalTempCelsius,
		Timestamp:           time.Now(),
	})
	w.WriteHeader(http.StatusNoContent)
}

// RunScript executes the configured EV battery script with "start" or
// "stop", logging its exit status without letting it influence the
// orchestrator, per §4.I's lifecycle contract.
func RunScript(script, action string) {
	if script == "" {
		return
	}
	fields := strings.Fields(script)
	if len(fields) == 0 {
		return
	}
	cmd := exec.Command(fields[0], append(fields[1:], action)...)
	if err := cmd.Run(); err != nil {
		logrus.WithError(err).WithField("action", action).Warn("battery: script exited non-zero")
	}
}
