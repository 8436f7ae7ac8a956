package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Agrid-Dev/pidregulator/internal/loop"
	"github.com/Agrid-Dev/pidregulator/internal/ports"
	"github.com/Agrid-Dev/pidregulator/internal/regulator"
)

type Server struct {
	svc      ports.RegulatorService
	srv      *http.Server
	deviceID string
	log      logrus.FieldLogger
}

// New returns a runnable server. A nil logger falls back to the logrus
// standard logger.
func New(svc ports.RegulatorService, addr string, deviceID string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	mux := http.NewServeMux()
	s := &Server{
		svc:      svc,
		deviceID: deviceID,
		log:      log.WithField("component", "http"),
	}

	// Read
	mux.HandleFunc("GET /v1", s.handleGet)

	// Write: one endpoint per variable
	mux.HandleFunc("POST /v1/enabled", s.handlePostEnabled)
	mux.HandleFunc("POST /v1/mode", s.handlePostMode)
	mux.HandleFunc("POST /v1/action", s.handlePostAction)
	mux.HandleFunc("POST /v1/setpoint", s.handlePostSetpoint)
	mux.HandleFunc("POST /v1/min_setpoint", s.handlePostMinSetpoint)
	mux.HandleFunc("POST /v1/max_setpoint", s.handlePostMaxSetpoint)
	mux.HandleFunc("POST /v1/measurement", s.handlePostMeasurement)
	mux.HandleFunc("POST /v1/manual_control", s.handlePostManualControl)

	// Regulator
	mux.HandleFunc("POST /v1/config", s.handlePostConfig)
	mux.HandleFunc("POST /v1/reset", s.handlePostReset)
	mux.HandleFunc("POST /v1/control", s.handlePostControl)
	mux.HandleFunc("POST /v1/sat_control", s.handlePostSatControl)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.log.WithField("addr", s.srv.Addr).Info("listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- DTOs ----

type snapshotDTO struct {
	DeviceID      string           `json:"device_id"`
	Enabled       bool             `json:"enabled"`
	Mode          string           `json:"mode"`
	Action        string           `json:"action"`
	Setpoint      float64          `json:"setpoint"`
	SetpointMin   float64          `json:"min_setpoint"`
	SetpointMax   float64          `json:"max_setpoint"`
	Measurement   float64          `json:"measurement"`
	ManualControl float64          `json:"manual_control"`
	Error         float64          `json:"error"`
	Control       float64          `json:"control"`
	Config        regulator.Config `json:"config"`
	State         regulator.State  `json:"state"`
}

func toDTO(s loop.Snapshot) snapshotDTO {
	return snapshotDTO{
		Enabled:       s.Enabled,
		Mode:          s.Mode.String(),
		Action:        s.Action.String(),
		Setpoint:      s.Setpoint,
		SetpointMin:   s.SetpointMin,
		SetpointMax:   s.SetpointMax,
		Measurement:   s.Measurement,
		ManualControl: s.ManualControl,
		Error:         s.Error,
		Control:       s.Control,
		Config:        s.Config,
		State:         s.State,
	}
}

type controlReq struct {
	Error     *float64 `json:"error"`
	DeltaTime *float64 `json:"delta_time"`
}

type controlResp struct {
	Control float64 `json:"control"`
}

// ---- Handlers ----

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	s.respondSnapshot(w)
}

func (s *Server) handlePostEnabled(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v bool) error {
		s.svc.SetEnabled(v)
		return nil
	})
}

func (s *Server) handlePostMode(w http.ResponseWriter, r *http.Request) {
	// body: {"value": "manual"}
	postValue(s, w, r, func(v string) error {
		m, err := loop.ParseMode(v)
		if err != nil {
			return err
		}
		return s.svc.SetMode(m)
	})
}

func (s *Server) handlePostAction(w http.ResponseWriter, r *http.Request) {
	// body: {"value": "reverse"}
	postValue(s, w, r, func(v string) error {
		a, err := loop.ParseAction(v)
		if err != nil {
			return err
		}
		return s.svc.SetAction(a)
	})
}

func (s *Server) handlePostSetpoint(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		return s.svc.SetSetpoint(v)
	})
}

func (s *Server) handlePostMinSetpoint(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		cur := s.svc.Get()
		return s.svc.SetMinMax(v, cur.SetpointMax)
	})
}

func (s *Server) handlePostMaxSetpoint(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		cur := s.svc.Get()
		return s.svc.SetMinMax(cur.SetpointMin, v)
	})
}

func (s *Server) handlePostMeasurement(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		return s.svc.SetMeasurement(v)
	})
}

func (s *Server) handlePostManualControl(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		return s.svc.SetManualControl(v)
	})
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	// body: the full regulator configuration, missing fields are zero.
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var cfg regulator.Config
	if err := dec.Decode(&cfg); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.svc.Configure(cfg); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondSnapshot(w)
}

func (s *Server) handlePostReset(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.Reset(); err != nil {
		s.writeRegulatorErr(w, err)
		return
	}
	s.respondSnapshot(w)
}

func (s *Server) handlePostControl(w http.ResponseWriter, r *http.Request) {
	postControl(s, w, r, s.svc.Control)
}

func (s *Server) handlePostSatControl(w http.ResponseWriter, r *http.Request) {
	postControl(s, w, r, s.svc.SatControl)
}

// ---- generic helpers ----
func (s *Server) respondSnapshot(w http.ResponseWriter) {
	dto := toDTO(s.svc.Get())
	dto.DeviceID = s.deviceID
	if err := writeJSON(w, http.StatusOK, dto); err != nil {
		s.log.WithError(err).Warn("snapshot response")
	}
}

func postValue[T any](s *Server, w http.ResponseWriter, r *http.Request, apply func(T) error) {
	dec := json.NewDecoder(r.Body)
	var req struct {
		Value *T `json:"value"`
	}
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Value == nil {
		writeErr(w, http.StatusBadRequest, "missing field 'value'")
		return
	}

	if err := apply(*req.Value); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondSnapshot(w)
}

func postControl(s *Server, w http.ResponseWriter, r *http.Request, compute func(e, dt float64) (float64, error)) {
	var req controlReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Error == nil || req.DeltaTime == nil {
		writeErr(w, http.StatusBadRequest, "missing field 'error' or 'delta_time'")
		return
	}

	u, err := compute(*req.Error, *req.DeltaTime)
	if err != nil {
		s.writeRegulatorErr(w, err)
		return
	}
	if math.IsNaN(u) || math.IsInf(u, 0) {
		s.log.WithField("control", u).Warn("non-finite control")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "non-finite control",
			"code":  regulator.CodeFailure.String(),
		})
		return
	}
	if err := writeJSON(w, http.StatusOK, controlResp{Control: u}); err != nil {
		s.log.WithError(err).Warn("control response")
	}
}

func (s *Server) writeRegulatorErr(w http.ResponseWriter, err error) {
	s.log.WithError(err).Debug("regulator call rejected")
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": err.Error(),
		"code":  regulator.CodeOf(err).String(),
	})
}

// writeJSON encodes v before touching w, so an encode failure turns into a
// 500 instead of a status with an empty body.
func writeJSON(w http.ResponseWriter, code int, v any) error {
	b, err := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"encode response"}` + "\n"))
		return fmt.Errorf("encode response: %w", err)
	}
	w.WriteHeader(code)
	_, _ = w.Write(append(b, '\n'))
	return nil
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
