// Package simulation runs a control loop offline against its plant and
// reports on the run.
package simulation

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/guptarohit/asciigraph"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/Agrid-Dev/pidregulator/internal/loop"
)

var (
	ErrNoIterations = errors.New("simulation: iterations must be strictly positive")
	ErrNoStep       = errors.New("simulation: step must be strictly positive")
	ErrNoSamples    = errors.New("simulation: no samples")
)

// SetpointCommand changes the setpoint right before the given 1-based
// iteration.
type SetpointCommand struct {
	Iteration int
	Value     float64
}

type Params struct {
	Iterations       int
	Step             time.Duration
	SetpointCommands []SetpointCommand
}

// Sample is the loop state after one tick.
type Sample struct {
	Iteration   int
	Time        time.Duration
	Setpoint    float64
	Measurement float64
	Error       float64
	Control     float64
	Saturated   bool
}

// Run ticks l p.Iterations times. The loop needs a plant for the
// measurement to move.
func Run(ctx context.Context, l *loop.Loop, p Params) ([]Sample, error) {
	if p.Iterations <= 0 {
		return nil, ErrNoIterations
	}
	if p.Step <= 0 {
		return nil, ErrNoStep
	}

	samples := make([]Sample, 0, p.Iterations)
	for i := 1; i <= p.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return samples, err
		}

		for _, cmd := range p.SetpointCommands {
			if cmd.Iteration == i {
				if err := l.SetSetpoint(cmd.Value); err != nil {
					return samples, fmt.Errorf("iteration %d: set setpoint %v: %w", i, cmd.Value, err)
				}
			}
		}

		if err := l.Tick(p.Step); err != nil {
			return samples, fmt.Errorf("iteration %d: %w", i, err)
		}

		s := l.Get()
		samples = append(samples, Sample{
			Iteration:   i,
			Time:        time.Duration(i) * p.Step,
			Setpoint:    s.Setpoint,
			Measurement: s.Measurement,
			Error:       s.Error,
			Control:     s.Control,
			Saturated:   s.Mode == loop.ModeAuto && s.State.SatError != 0,
		})
	}
	return samples, nil
}

var csvHeader = []string{"iteration", "time_s", "setpoint", "measurement", "error", "control", "saturated"}

func WriteCSV(w io.Writer, samples []Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, s := range samples {
		if err := cw.Write([]string{
			strconv.Itoa(s.Iteration),
			formatFloat(s.Time.Seconds()),
			formatFloat(s.Setpoint),
			formatFloat(s.Measurement),
			formatFloat(s.Error),
			formatFloat(s.Control),
			strconv.FormatBool(s.Saturated),
		}); err != nil {
			return fmt.Errorf("write csv record %d: %w", s.Iteration, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

type Summary struct {
	Samples      int
	MeanError    float64
	StdError     float64
	MeanAbsError float64
	PeakControl  float64 // largest output magnitude
	// Overshoot is how far the measurement went past the last setpoint, in
	// the direction it was approached from. Zero when it never crossed.
	Overshoot         float64
	SaturatedFraction float64
}

func Summarize(samples []Sample) (Summary, error) {
	if len(samples) == 0 {
		return Summary{}, ErrNoSamples
	}

	errs := make([]float64, len(samples))
	absErrs := make([]float64, len(samples))
	absControls := make([]float64, len(samples))
	saturated := 0
	for i, s := range samples {
		errs[i] = s.Error
		absErrs[i] = math.Abs(s.Error)
		absControls[i] = math.Abs(s.Control)
		if s.Saturated {
			saturated++
		}
	}

	sum := Summary{
		Samples:           len(samples),
		MeanAbsError:      stat.Mean(absErrs, nil),
		PeakControl:       floats.Max(absControls),
		Overshoot:         overshoot(samples),
		SaturatedFraction: float64(saturated) / float64(len(samples)),
	}
	if len(samples) > 1 {
		sum.MeanError, sum.StdError = stat.MeanStdDev(errs, nil)
	} else {
		sum.MeanError = errs[0]
	}
	return sum, nil
}

func overshoot(samples []Sample) float64 {
	// Start of the last constant-setpoint segment.
	start := 0
	for i := 1; i < len(samples); i++ {
		if samples[i].Setpoint != samples[i-1].Setpoint {
			start = i
		}
	}
	seg := samples[start:]
	sp := seg[0].Setpoint
	// Approach direction from the measurement before the segment's first tick.
	from := seg[0].Measurement
	if start > 0 {
		from = samples[start-1].Measurement
	}
	dir := math.Copysign(1, sp-from)

	peak := 0.0
	for _, s := range seg {
		peak = math.Max(peak, dir*(s.Measurement-sp))
	}
	return peak
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "samples:            %d\n", s.Samples)
	fmt.Fprintf(&b, "mean error:         %.4f\n", s.MeanError)
	fmt.Fprintf(&b, "std error:          %.4f\n", s.StdError)
	fmt.Fprintf(&b, "mean |error|:       %.4f\n", s.MeanAbsError)
	fmt.Fprintf(&b, "peak |control|:     %.4f\n", s.PeakControl)
	fmt.Fprintf(&b, "overshoot:          %.4f\n", s.Overshoot)
	fmt.Fprintf(&b, "saturated fraction: %.2f%%\n", 100*s.SaturatedFraction)
	return b.String()
}

// Plot renders the setpoint and measurement on one chart and the control on
// a second one.
func Plot(samples []Sample, width, height int) string {
	if len(samples) == 0 {
		return ""
	}
	setpoints := make([]float64, len(samples))
	measurements := make([]float64, len(samples))
	controls := make([]float64, len(samples))
	for i, s := range samples {
		setpoints[i] = s.Setpoint
		measurements[i] = s.Measurement
		controls[i] = s.Control
	}

	process := asciigraph.PlotMany([][]float64{setpoints, measurements},
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.SeriesColors(asciigraph.Red, asciigraph.Blue),
		asciigraph.SeriesLegends("setpoint", "measurement"),
		asciigraph.Caption("process"),
	)
	output := asciigraph.Plot(controls,
		asciigraph.Height(height/2+1),
		asciigraph.Width(width),
		asciigraph.SeriesColors(asciigraph.Green),
		asciigraph.Caption("control"),
	)
	return process + "\n\n" + output
}
