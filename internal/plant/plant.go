// Package plant simulates the process a regulator acts on when no real
// process is attached to the device.
package plant

import (
	"errors"
	"math"
	"time"
)

var (
	ErrNegativeLossCoefficient = errors.New("loss coefficient must be greater or equal to zero")
	ErrNonFiniteParameter      = errors.New("plant parameters must be finite numbers")
)

type Params struct {
	Gain            float64 // process change per unit of control per second
	Ambient         float64 // value the process drifts to without control
	LossCoefficient float64 // >= 0, represents conductivity. 0 for no loss.
}

func (params *Params) Validate() error {
	for _, v := range []float64{params.Gain, params.Ambient, params.LossCoefficient} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFiniteParameter
		}
	}
	if params.LossCoefficient < 0 {
		return ErrNegativeLossCoefficient
	}
	return nil
}

// FirstOrder is a first-order process: the control pushes the measurement
// at a constant rate while the loss pulls it back to the ambient value.
type FirstOrder struct {
	params Params
}

func NewFirstOrder(params Params) (*FirstOrder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &FirstOrder{params: params}, nil
}

func (p *FirstOrder) Params() Params {
	return p.params
}

func (p *FirstOrder) DeltaControl(control float64, dt time.Duration) float64 {
	return p.params.Gain * control * dt.Seconds()
}

func (p *FirstOrder) DeltaLoss(measurement float64, dt time.Duration) float64 {
	diff := p.params.Ambient - measurement
	return p.params.LossCoefficient * diff * dt.Seconds()
}

// Next advances the measurement by one explicit Euler step of length dt.
func (p *FirstOrder) Next(measurement, control float64, dt time.Duration) float64 {
	return measurement + p.DeltaControl(control, dt) + p.DeltaLoss(measurement, dt)
}
