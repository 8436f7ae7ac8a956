package regulator

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

func almostEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func assertControl(t *testing.T, got float64, err error, want float64) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(got, want, 1e-9) {
		t.Fatalf("control = %v, want %v", got, want)
	}
}

func TestExampleScenario(t *testing.T) {
	reg := New(Config{PropGain: 1, MaxControl: 10})

	got, err := reg.Control(5, 1)
	assertControl(t, got, err, 5)

	got, err = reg.SatControl(20, 1)
	assertControl(t, got, err, 10)

	if reg.State().SatError != 10 {
		t.Fatalf("SatError = %v, want 10", reg.State().SatError)
	}
}

func TestDeadBandFreezesState(t *testing.T) {
	reg := New(Config{PropGain: 1, IntGain: 1, DotGain: 1, DotTime: 0.5, MaxControl: 100, DeadError: 1})

	if _, err := reg.Control(5, 0.1); err != nil {
		t.Fatal(err)
	}
	before := reg.State()

	for _, e := range []float64{0, 0.5, -0.5, 0.999} {
		got, err := reg.Control(e, 0.1)
		assertControl(t, got, err, 0)
		if reg.State() != before {
			t.Fatalf("state changed in dead band for e=%v: %+v, want %+v", e, reg.State(), before)
		}
	}
}

func TestDeadBandKeepsStalePrevError(t *testing.T) {
	reg := New(Config{DotGain: 1, MaxControl: 100, DeadError: 1})

	got, err := reg.Control(5, 1)
	assertControl(t, got, err, 5)

	got, err = reg.Control(0.5, 1)
	assertControl(t, got, err, 0)

	// Differentiated against 5, not 0.5.
	got, err = reg.Control(2, 1)
	assertControl(t, got, err, -3)
}

func TestSatControlInDeadBandShiftsResidual(t *testing.T) {
	reg := New(Config{PropGain: 1, MaxControl: 10, DeadError: 1})

	if _, err := reg.SatControl(30, 1); err != nil {
		t.Fatal(err)
	}
	got, err := reg.SatControl(0.5, 1)
	assertControl(t, got, err, 0)

	s := reg.State()
	if s.PrevSatError != 20 || s.SatError != 0 {
		t.Fatalf("residual history = (%v, %v), want (20, 0)", s.PrevSatError, s.SatError)
	}
	if s.PrevError != 30 {
		t.Fatalf("PrevError = %v, want 30", s.PrevError)
	}
}

func TestZeroDeltaTime(t *testing.T) {
	reg := New(Config{PropGain: 1, IntGain: 1, DotGain: 1, SatGain: 1, MaxControl: 1})
	for i := 0; i < 3; i++ {
		if _, err := reg.SatControl(4, 0.5); err != nil {
			t.Fatal(err)
		}
	}
	before := reg.State()

	tests := []struct {
		name string
		call func(e, dt float64) (float64, error)
	}{
		{"Control", reg.Control},
		{"SatControl", reg.SatControl},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.call(7, 0)
			if !errors.Is(err, ErrDivideByZero) {
				t.Fatalf("err = %v, want %v", err, ErrDivideByZero)
			}
			if got != 0 {
				t.Fatalf("control = %v, want 0", got)
			}
			if reg.State() != before {
				t.Fatalf("state changed: %+v, want %+v", reg.State(), before)
			}
		})
	}
}

func TestNilRegulator(t *testing.T) {
	var reg *Regulator

	if err := reg.Initialize(&Config{}); err != ErrNullReference {
		t.Errorf("Initialize() = %v, want %v", err, ErrNullReference)
	}
	if err := reg.Deinitialize(); err != ErrNullReference {
		t.Errorf("Deinitialize() = %v, want %v", err, ErrNullReference)
	}
	if err := reg.Reset(); err != ErrNullReference {
		t.Errorf("Reset() = %v, want %v", err, ErrNullReference)
	}
	if _, err := reg.Control(1, 1); err != ErrNullReference {
		t.Errorf("Control() = %v, want %v", err, ErrNullReference)
	}
	if _, err := reg.SatControl(1, 1); err != ErrNullReference {
		t.Errorf("SatControl() = %v, want %v", err, ErrNullReference)
	}
}

func TestInitializeNilConfig(t *testing.T) {
	reg := New(Config{PropGain: 3})
	if err := reg.Initialize(nil); err != ErrNullReference {
		t.Fatalf("Initialize(nil) = %v, want %v", err, ErrNullReference)
	}
	if reg.Config().PropGain != 3 {
		t.Fatalf("config changed on failed Initialize")
	}
}

func TestInitializeClearsStateAndCopiesConfig(t *testing.T) {
	reg := New(Config{PropGain: 1, IntGain: 1, MaxControl: 1})
	for i := 0; i < 5; i++ {
		if _, err := reg.SatControl(3, 1); err != nil {
			t.Fatal(err)
		}
	}

	cfg := Config{PropGain: 2, IntGain: 0.5, DotGain: 0.1, DotTime: 1, SatGain: 0.3, MinControl: 1, MaxControl: 9, DeadError: 0.2}
	if err := reg.Initialize(&cfg); err != nil {
		t.Fatal(err)
	}
	if reg.Config() != cfg {
		t.Fatalf("Config() = %+v, want %+v", reg.Config(), cfg)
	}
	if reg.State() != (State{}) {
		t.Fatalf("State() = %+v, want zero", reg.State())
	}

	// Later changes to the caller's value are not seen by the regulator.
	cfg.PropGain = 100
	if reg.Config().PropGain != 2 {
		t.Fatalf("configuration is not a copy")
	}
}

func TestReset(t *testing.T) {
	cfg := Config{PropGain: 1, IntGain: 2, DotGain: 3, DotTime: 0.4, SatGain: 5, MinControl: 0.5, MaxControl: 7, DeadError: 0.1}
	reg := New(cfg)
	for _, e := range []float64{3, -2, 8, 1} {
		if _, err := reg.SatControl(e, 0.25); err != nil {
			t.Fatal(err)
		}
	}
	if reg.State() == (State{}) {
		t.Fatal("expected non-zero state before reset")
	}

	if err := reg.Reset(); err != nil {
		t.Fatal(err)
	}
	if reg.State() != (State{}) {
		t.Fatalf("State() = %+v, want zero", reg.State())
	}
	if reg.Config() != cfg {
		t.Fatalf("Config() = %+v, want %+v", reg.Config(), cfg)
	}
}

func TestDeinitialize(t *testing.T) {
	reg := New(Config{PropGain: 1, IntGain: 1, MaxControl: 2})
	if _, err := reg.SatControl(5, 1); err != nil {
		t.Fatal(err)
	}

	if err := reg.Deinitialize(); err != nil {
		t.Fatal(err)
	}
	if reg.Config() != (Config{}) {
		t.Fatalf("Config() = %+v, want zero", reg.Config())
	}
	if reg.State() != (State{}) {
		t.Fatalf("State() = %+v, want zero", reg.State())
	}
}

func TestUnfilteredDerivative(t *testing.T) {
	for _, dotTime := range []float64{0, -1} {
		t.Run(fmt.Sprintf("dot_time=%v", dotTime), func(t *testing.T) {
			reg := New(Config{DotGain: 2, DotTime: dotTime, MaxControl: 100})

			steps := []struct {
				e, dt, want float64
			}{
				{1, 0.5, 4},   // (1-0)/0.5 * 2
				{3, 0.5, 8},   // (3-1)/0.5 * 2
				{3, 0.5, 0},   // no memory
				{2, 0.25, -8}, // (2-3)/0.25 * 2
			}
			for _, st := range steps {
				got, err := reg.Control(st.e, st.dt)
				assertControl(t, got, err, st.want)
			}
		})
	}
}

func TestFilteredDerivativeConverges(t *testing.T) {
	const dt = 0.1
	reg := New(Config{DotGain: 1, DotTime: 1, MaxControl: 100})

	// Ramp with unit slope: every finite difference equals 1.
	got, err := reg.Control(dt, dt)
	alpha := dt / (1 + dt)
	assertControl(t, got, err, alpha)

	prev := got
	for k := 2; k <= 200; k++ {
		got, err = reg.Control(float64(k)*dt, dt)
		if err != nil {
			t.Fatal(err)
		}
		if got < prev || got > 1+1e-12 {
			t.Fatalf("step %d: filtered derivative %v not monotonically approaching 1 (prev %v)", k, got, prev)
		}
		prev = got
	}
	if !almostEqual(got, 1, 1e-6) {
		t.Fatalf("filtered derivative = %v, want ~1", got)
	}
}

func TestTrapezoidalIntegral(t *testing.T) {
	reg := New(Config{IntGain: 1, MaxControl: 100})

	got, err := reg.Control(2, 1)
	assertControl(t, got, err, 1) // (2+0)/2

	got, err = reg.Control(2, 1)
	assertControl(t, got, err, 3) // + (2+2)/2

	got, err = reg.Control(-2, 0.5)
	assertControl(t, got, err, 3) // + (-2+2)*0.5/2
}

func TestIntegralReadsPrevErrorBeforeDerivativeUpdate(t *testing.T) {
	reg := New(Config{IntGain: 1, MaxControl: 100})

	got, err := reg.Control(4, 1)
	assertControl(t, got, err, 2)

	got, err = reg.Control(0, 1)
	assertControl(t, got, err, 4) // (0+4)/2 added
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name  string
		e     float64
		want  float64
		resid float64
	}{
		{"above max", 20, 10, 10},
		{"below -max", -20, -10, -10},
		{"inside", 5, 5, 0},
		{"below min", 1, 2, -1},
		{"above -min", -1, -2, 1},
		{"exact zero", 0, 0, 0},
		{"negative zero", math.Copysign(0, -1), 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := New(Config{PropGain: 1, MinControl: 2, MaxControl: 10})
			got, err := reg.SatControl(tt.e, 1)
			assertControl(t, got, err, tt.want)
			if tt.want != 0 && math.Signbit(got) != math.Signbit(tt.e) {
				t.Fatalf("sign not preserved: e=%v got=%v", tt.e, got)
			}
			if reg.State().SatError != tt.resid {
				t.Fatalf("SatError = %v, want %v", reg.State().SatError, tt.resid)
			}
		})
	}
}

func TestSaturatedMagnitudeWithinLimits(t *testing.T) {
	cfg := Config{PropGain: 3, IntGain: 1.5, DotGain: 0.2, DotTime: 0.05, SatGain: 0.5, MinControl: 0.5, MaxControl: 4}
	reg := New(cfg)

	errs := []float64{10, -3, 0.01, 0, 7, -12, 0.2, -0.05, 3, 0}
	for i := 0; i < 50; i++ {
		e := errs[i%len(errs)]
		got, err := reg.SatControl(e, 0.1)
		if err != nil {
			t.Fatal(err)
		}
		if got == 0 {
			continue
		}
		if m := math.Abs(got); m < cfg.MinControl || m > cfg.MaxControl {
			t.Fatalf("step %d: |%v| outside [%v, %v]", i, got, cfg.MinControl, cfg.MaxControl)
		}
	}
}

func windupTerm(reg *Regulator) float64 {
	cfg, s := reg.Config(), reg.State()
	return cfg.IntGain*s.IntError - cfg.SatGain*s.IntSatError
}

func TestAntiWindup(t *testing.T) {
	const dt = 0.1
	plain := New(Config{IntGain: 1, MaxControl: 1})
	guarded := New(Config{IntGain: 1, SatGain: 1, MaxControl: 1})

	for i := 0; i < 100; i++ {
		for _, reg := range []*Regulator{plain, guarded} {
			if _, err := reg.SatControl(10, dt); err != nil {
				t.Fatal(err)
			}
		}
	}

	if w := windupTerm(plain); w < 90 {
		t.Fatalf("unguarded integral term = %v, expected wind-up", w)
	}
	if w := windupTerm(guarded); w > 15 {
		t.Fatalf("guarded integral term = %v, expected it bounded by the saturation feedback", w)
	}

	// Once the error reverses, the guarded regulator leaves saturation quickly.
	recovered := false
	for i := 0; i < 50; i++ {
		u, err := guarded.SatControl(-1, dt)
		if err != nil {
			t.Fatal(err)
		}
		if u < 1 {
			recovered = true
		}
		u, err = plain.SatControl(-1, dt)
		if err != nil {
			t.Fatal(err)
		}
		if u != 1 {
			t.Fatalf("unguarded regulator left saturation after %d steps, expected it to stay wound up", i)
		}
	}
	if !recovered {
		t.Fatal("guarded regulator did not leave saturation")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, CodeOK},
		{ErrFailure, CodeFailure},
		{ErrNullReference, CodeNullReference},
		{ErrDivideByZero, CodeDivideByZero},
		{fmt.Errorf("step: %w", ErrDivideByZero), CodeDivideByZero},
		{errors.New("other"), CodeFailure},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if CodeDivideByZero.String() != "divide_by_zero" {
		t.Errorf("unexpected code string %q", CodeDivideByZero.String())
	}
}
