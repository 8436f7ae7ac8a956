package testutil

import (
	"github.com/Agrid-Dev/pidregulator/internal/loop"
	"github.com/Agrid-Dev/pidregulator/internal/regulator"
)

// FakeRegulatorService is a reusable fake implementing ports.RegulatorService.
// Put ONLY what multiple test packages need here.
type FakeRegulatorService struct {
	S loop.Snapshot

	SetEnabledCalled bool
	SetEnabledArg    bool

	SetModeCalled bool
	SetModeArg    loop.Mode
	SetModeErr    error

	SetActionCalled bool
	SetActionArg    loop.Action
	SetActionErr    error

	SetSetpointCalled bool
	SetSetpointArg    float64
	SetSetpointErr    error

	SetMinMaxCalled bool
	SetMinMaxMin    float64
	SetMinMaxMax    float64
	SetMinMaxErr    error

	SetMeasurementCalled bool
	SetMeasurementArg    float64
	SetMeasurementErr    error

	SetManualControlCalled bool
	SetManualControlArg    float64
	SetManualControlErr    error

	ConfigureCalled bool
	ConfigureArg    regulator.Config
	ConfigureErr    error

	ResetCalled bool
	ResetErr    error

	// Control and SatControl run on a real regulator built from S.Config
	// unless ControlErr is set.
	ControlCalls []ControlCall
	ControlErr   error
	reg          *regulator.Regulator
}

type ControlCall struct {
	E, DT     float64
	Saturated bool
}

func NewFakeRegulatorService() *FakeRegulatorService {
	return &FakeRegulatorService{
		S: loop.Snapshot{
			Enabled:     true,
			Mode:        loop.ModeAuto,
			Action:      loop.ActionDirect,
			Setpoint:    22,
			SetpointMin: 16,
			SetpointMax: 28,
			Measurement: 21,
			Config: regulator.Config{
				PropGain:   1,
				MaxControl: 10,
			},
		},
	}
}

func (f *FakeRegulatorService) Get() loop.Snapshot { return f.S }

func (f *FakeRegulatorService) SetEnabled(b bool) {
	f.SetEnabledCalled = true
	f.SetEnabledArg = b
	f.S.Enabled = b
}

func (f *FakeRegulatorService) SetMode(m loop.Mode) error {
	f.SetModeCalled = true
	f.SetModeArg = m
	if f.SetModeErr != nil {
		return f.SetModeErr
	}
	if !m.Valid() {
		return loop.ErrInvalidMode
	}
	f.S.Mode = m
	return nil
}

func (f *FakeRegulatorService) SetAction(a loop.Action) error {
	f.SetActionCalled = true
	f.SetActionArg = a
	if f.SetActionErr != nil {
		return f.SetActionErr
	}
	if !a.Valid() {
		return loop.ErrInvalidAction
	}
	f.S.Action = a
	return nil
}

func (f *FakeRegulatorService) SetSetpoint(v float64) error {
	f.SetSetpointCalled = true
	f.SetSetpointArg = v
	if f.SetSetpointErr != nil {
		return f.SetSetpointErr
	}
	f.S.Setpoint = v
	return nil
}

func (f *FakeRegulatorService) SetMinMax(min, max float64) error {
	f.SetMinMaxCalled = true
	f.SetMinMaxMin = min
	f.SetMinMaxMax = max
	if f.SetMinMaxErr != nil {
		return f.SetMinMaxErr
	}
	f.S.SetpointMin = min
	f.S.SetpointMax = max
	return nil
}

func (f *FakeRegulatorService) SetMeasurement(v float64) error {
	f.SetMeasurementCalled = true
	f.SetMeasurementArg = v
	if f.SetMeasurementErr != nil {
		return f.SetMeasurementErr
	}
	f.S.Measurement = v
	return nil
}

func (f *FakeRegulatorService) SetManualControl(v float64) error {
	f.SetManualControlCalled = true
	f.SetManualControlArg = v
	if f.SetManualControlErr != nil {
		return f.SetManualControlErr
	}
	f.S.ManualControl = v
	return nil
}

func (f *FakeRegulatorService) Configure(cfg regulator.Config) error {
	f.ConfigureCalled = true
	f.ConfigureArg = cfg
	if f.ConfigureErr != nil {
		return f.ConfigureErr
	}
	f.S.Config = cfg
	f.S.State = regulator.State{}
	f.reg = nil
	return nil
}

func (f *FakeRegulatorService) Reset() error {
	f.ResetCalled = true
	if f.ResetErr != nil {
		return f.ResetErr
	}
	f.S.State = regulator.State{}
	f.reg = nil
	return nil
}

func (f *FakeRegulatorService) Control(e, dt float64) (float64, error) {
	return f.compute(e, dt, false)
}

func (f *FakeRegulatorService) SatControl(e, dt float64) (float64, error) {
	return f.compute(e, dt, true)
}

func (f *FakeRegulatorService) compute(e, dt float64, saturated bool) (float64, error) {
	f.ControlCalls = append(f.ControlCalls, ControlCall{E: e, DT: dt, Saturated: saturated})
	if f.ControlErr != nil {
		return 0, f.ControlErr
	}
	if f.reg == nil {
		f.reg = regulator.New(f.S.Config)
	}
	var (
		u   float64
		err error
	)
	if saturated {
		u, err = f.reg.SatControl(e, dt)
	} else {
		u, err = f.reg.Control(e, dt)
	}
	if err != nil {
		return 0, err
	}
	f.S.Error, f.S.Control = e, u
	f.S.State = f.reg.State()
	return u, nil
}
