// Package regulator implements a discrete-time PID regulator with a low-pass
// filtered derivative, trapezoidal integration and back-calculation
// anti-windup driven by the output saturator.
//
// A Regulator is not safe for concurrent use. Each control loop owns its own
// instance and serializes calls to it.
package regulator

import "math"

// Config holds the gains and limits of a regulator. The zero value is valid
// and yields a regulator that always outputs zero.
type Config struct {
	PropGain   float64 `json:"prop_gain" koanf:"prop_gain" yaml:"prop_gain"`
	IntGain    float64 `json:"int_gain" koanf:"int_gain" yaml:"int_gain"`
	DotGain    float64 `json:"dot_gain" koanf:"dot_gain" yaml:"dot_gain"`
	DotTime    float64 `json:"dot_time" koanf:"dot_time" yaml:"dot_time"` // derivative filter time constant (s), <= 0 disables filtering
	SatGain    float64 `json:"sat_gain" koanf:"sat_gain" yaml:"sat_gain"` // anti-windup feedback gain
	MinControl float64 `json:"min_control" koanf:"min_control" yaml:"min_control"`
	MaxControl float64 `json:"max_control" koanf:"max_control" yaml:"max_control"`
	DeadError  float64 `json:"dead_error" koanf:"dead_error" yaml:"dead_error"`
}

// State is the history carried between compute calls. The zero value is the
// state of a freshly initialized regulator.
type State struct {
	PrevError    float64 `json:"prev_error"`
	IntError     float64 `json:"int_error"`
	DotError     float64 `json:"dot_error"`
	SatError     float64 `json:"sat_error"`
	PrevSatError float64 `json:"prev_sat_error"`
	IntSatError  float64 `json:"int_sat_error"`
}

// Regulator is one PID channel. It is not safe for concurrent use.
type Regulator struct {
	config Config
	state  State
}

// New returns a regulator initialized with cfg.
func New(cfg Config) *Regulator {
	return &Regulator{config: cfg}
}

// Initialize copies cfg verbatim and clears the state. No validation of gain
// signs or limit ordering is done here.
func (r *Regulator) Initialize(cfg *Config) error {
	if r == nil || cfg == nil {
		return ErrNullReference
	}
	*r = Regulator{config: *cfg}
	return nil
}

// Deinitialize clears both configuration and state.
func (r *Regulator) Deinitialize() error {
	if r == nil {
		return ErrNullReference
	}
	*r = Regulator{}
	return nil
}

// Reset clears the state and keeps the configuration.
func (r *Regulator) Reset() error {
	if r == nil {
		return ErrNullReference
	}
	r.state = State{}
	return nil
}

// Config returns a copy of the current configuration.
func (r *Regulator) Config() Config {
	return r.config
}

// State returns a copy of the accumulated history.
func (r *Regulator) State() State {
	return r.state
}

// Control returns the unsaturated control for the error e measured over
// deltaTime seconds.
//
// Inside the dead band the output is zero and the state is left untouched,
// including PrevError: the next active call differentiates and integrates
// against the last active sample.
func (r *Regulator) Control(e, deltaTime float64) (float64, error) {
	if r == nil {
		return 0, ErrNullReference
	}
	if deltaTime == 0 {
		return 0, ErrDivideByZero
	}
	if math.Abs(e) < r.config.DeadError {
		return 0, nil
	}

	// The integral reads prevError before the derivative overwrites it.
	prop := r.propTerm(e)
	integral := r.intTerm(e, deltaTime)
	dot := r.dotTerm(e, deltaTime)

	return prop + integral + dot, nil
}

// SatControl returns the control clamped to the configured limits and
// records the clamping residual for the anti-windup integral of the next
// call.
func (r *Regulator) SatControl(e, deltaTime float64) (float64, error) {
	if r == nil {
		return 0, ErrNullReference
	}
	control, err := r.Control(e, deltaTime)
	if err != nil {
		return 0, err
	}

	satControl := r.clamp(control)

	r.state.PrevSatError = r.state.SatError
	r.state.SatError = control - satControl

	return satControl, nil
}

func (r *Regulator) propTerm(e float64) float64 {
	return r.config.PropGain * e
}

func (r *Regulator) intTerm(e, deltaTime float64) float64 {
	r.state.IntError += (e + r.state.PrevError) * deltaTime / 2
	r.state.IntSatError += (r.state.SatError + r.state.PrevSatError) * deltaTime / 2

	return r.config.IntGain*r.state.IntError - r.config.SatGain*r.state.IntSatError
}

func (r *Regulator) dotTerm(e, deltaTime float64) float64 {
	dotError := (e - r.state.PrevError) / deltaTime

	if r.config.DotTime > 0 {
		alpha := deltaTime / (r.config.DotTime + deltaTime)
		r.state.DotError = alpha*dotError + (1-alpha)*r.state.DotError
	} else {
		r.state.DotError = dotError
	}

	r.state.PrevError = e

	return r.config.DotGain * r.state.DotError
}

// clamp limits the magnitude of a non-zero control to [MinControl, MaxControl]
// keeping its sign. Zero means no actuation and passes through.
func (r *Regulator) clamp(control float64) float64 {
	if control == 0 {
		return control
	}
	if math.Abs(control) > r.config.MaxControl {
		return math.Copysign(r.config.MaxControl, control)
	}
	if math.Abs(control) < r.config.MinControl {
		return math.Copysign(r.config.MinControl, control)
	}
	return control
}
