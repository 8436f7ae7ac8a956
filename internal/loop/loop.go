// Package loop hosts one regulator as a control loop: it owns the setpoint,
// the last measurement and the output, and serializes every access to the
// regulator behind a mutex.
package loop

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Agrid-Dev/pidregulator/internal/regulator"
)

type Snapshot struct {
	Enabled       bool
	Mode          Mode
	Action        Action
	Setpoint      float64
	SetpointMin   float64
	SetpointMax   float64
	Measurement   float64
	ManualControl float64

	// Last regulation error and output. Read only.
	Error   float64
	Control float64

	// Copies of the regulator configuration and state. Read only.
	Config regulator.Config
	State  regulator.State
}

// Plant is the process driven by the loop output.
type Plant interface {
	Next(measurement, control float64, dt time.Duration) float64
}

type Option func(*Loop)

// WithPlant makes Tick advance the measurement through p. Direct acting
// output pushes the plant up, reverse acting output pushes it down.
func WithPlant(p Plant) Option {
	return func(l *Loop) { l.plant = p }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Loop) { l.log = log }
}

type Loop struct {
	mu    sync.RWMutex
	s     Snapshot
	reg   *regulator.Regulator
	plant Plant
	log   logrus.FieldLogger
}

func New(initial Snapshot, cfg regulator.Config, opts ...Option) (*Loop, error) {
	if err := validateSnapshot(initial); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	initial.Error, initial.Control = 0, 0
	initial.Config, initial.State = regulator.Config{}, regulator.State{}
	initial.ManualControl = clampManual(initial.ManualControl, cfg.MaxControl)

	l := &Loop{
		s:   initial,
		reg: regulator.New(cfg),
		log: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.WithField("component", "loop")
	return l, nil
}

func validateSnapshot(s Snapshot) error {
	if !s.Mode.Valid() {
		return ErrInvalidMode
	}
	if !s.Action.Valid() {
		return ErrInvalidAction
	}
	if s.SetpointMin > s.SetpointMax {
		return ErrInvalidMinMax
	}
	if s.Setpoint < s.SetpointMin || s.Setpoint > s.SetpointMax {
		return ErrSetpointOutOfRange
	}
	if !finite(s.Measurement) {
		return ErrInvalidMeasurement
	}
	if !finite(s.ManualControl) {
		return ErrInvalidManualControl
	}
	return nil
}

// ValidateConfig checks that a regulator configuration is physically
// sensible. The regulator itself accepts any configuration.
func ValidateConfig(cfg regulator.Config) error {
	for _, v := range []float64{
		cfg.PropGain, cfg.IntGain, cfg.DotGain, cfg.DotTime,
		cfg.SatGain, cfg.MinControl, cfg.MaxControl, cfg.DeadError,
	} {
		if !finite(v) {
			return ErrNonFiniteParameter
		}
	}
	if cfg.MinControl < 0 || cfg.MaxControl < 0 {
		return ErrNegativeControlLimit
	}
	if cfg.MinControl > cfg.MaxControl {
		return ErrInvalidControlLimits
	}
	if cfg.DeadError < 0 {
		return ErrNegativeDeadError
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (l *Loop) Get() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.s
	s.Config = l.reg.Config()
	s.State = l.reg.State()
	return s
}

func (l *Loop) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.Enabled = on
}

func (l *Loop) Enable() {
	l.SetEnabled(true)
}

func (l *Loop) Disable() {
	l.SetEnabled(false)
}

// SetMode switches between auto and manual. Going back to auto clears the
// regulator history so the stale error does not kick the output.
func (l *Loop) SetMode(m Mode) error {
	if !m.Valid() {
		return ErrInvalidMode
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if m == ModeAuto && l.s.Mode != ModeAuto {
		if err := l.reg.Reset(); err != nil {
			return err
		}
		l.log.Debug("regulator reset on switch to auto")
	}
	l.s.Mode = m
	return nil
}

func (l *Loop) SetAction(a Action) error {
	if !a.Valid() {
		return ErrInvalidAction
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.Action = a
	return nil
}

func (l *Loop) SetMinMax(min, max float64) error {
	if min > max {
		return ErrInvalidMinMax
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Enforce current setpoint remains valid
	if l.s.Setpoint < min || l.s.Setpoint > max {
		return ErrSetpointOutOfRange
	}

	l.s.SetpointMin = min
	l.s.SetpointMax = max
	return nil
}

func (l *Loop) SetSetpoint(sp float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sp < l.s.SetpointMin || sp > l.s.SetpointMax {
		return ErrSetpointOutOfRange
	}
	l.s.Setpoint = sp
	return nil
}

// SetMeasurement records the process value sampled by the caller.
func (l *Loop) SetMeasurement(v float64) error {
	if !finite(v) {
		return ErrInvalidMeasurement
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.Measurement = v
	return nil
}

// SetManualControl sets the output used in manual mode. Its magnitude is
// limited to the regulator's max control.
func (l *Loop) SetManualControl(v float64) error {
	if !finite(v) {
		return ErrInvalidManualControl
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.ManualControl = clampManual(v, l.reg.Config().MaxControl)
	return nil
}

func clampManual(v, max float64) float64 {
	if math.Abs(v) > max {
		return math.Copysign(max, v)
	}
	return v
}

// Configure validates cfg and re-initializes the regulator with it, which
// also clears its history. The manual control is clamped to the new limit.
func (l *Loop) Configure(cfg regulator.Config) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reg.Initialize(&cfg); err != nil {
		return err
	}
	l.s.ManualControl = clampManual(l.s.ManualControl, cfg.MaxControl)
	l.log.WithFields(logrus.Fields{
		"prop_gain":   cfg.PropGain,
		"int_gain":    cfg.IntGain,
		"dot_gain":    cfg.DotGain,
		"max_control": cfg.MaxControl,
	}).Info("regulator reconfigured")
	return nil
}

// Reset clears the regulator history, keeping its configuration.
func (l *Loop) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.reg.Reset(); err != nil {
		return err
	}
	l.s.Error, l.s.Control = 0, 0
	return nil
}

// Control runs the unsaturated law on an error sampled by the caller.
func (l *Loop) Control(e, dt float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, err := l.reg.Control(e, dt)
	if err != nil {
		return 0, err
	}
	l.s.Error, l.s.Control = e, u
	return u, nil
}

// SatControl runs the saturated law on an error sampled by the caller.
func (l *Loop) SatControl(e, dt float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, err := l.reg.SatControl(e, dt)
	if err != nil {
		return 0, err
	}
	l.s.Error, l.s.Control = e, u
	return u, nil
}

// Tick runs one closed-loop step of length dt from the current setpoint and
// measurement, then lets the plant, if any, respond to the output.
func (l *Loop) Tick(dt time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.s.Action.Error(l.s.Setpoint, l.s.Measurement)

	var control float64
	switch {
	case !l.s.Enabled:
	case l.s.Mode == ModeManual:
		control = l.s.ManualControl
	default:
		u, err := l.reg.SatControl(e, dt.Seconds())
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		control = u
	}
	l.s.Error = e
	l.s.Control = control

	if l.plant != nil {
		drive := control
		if l.s.Action == ActionReverse {
			drive = -control
		}
		l.s.Measurement = l.plant.Next(l.s.Measurement, drive, dt)
	}
	return nil
}

// Close deinitializes the regulator and disables the loop.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.Enabled = false
	l.s.Error, l.s.Control = 0, 0
	return l.reg.Deinitialize()
}

// Run ticks the loop every interval, using the interval as the time step,
// until ctx is canceled.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ErrNonPositiveTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Tick(interval); err != nil {
				l.log.WithError(err).Warn("tick failed")
			}
		}
	}
}
