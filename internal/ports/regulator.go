package ports

import (
	"github.com/Agrid-Dev/pidregulator/internal/loop"
	"github.com/Agrid-Dev/pidregulator/internal/regulator"
)

// RegulatorService is the control-plane port used by controllers (HTTP/MQTT/etc).
type RegulatorService interface {
	Get() loop.Snapshot
	SetEnabled(bool)
	SetMode(loop.Mode) error
	SetAction(loop.Action) error
	SetSetpoint(float64) error
	SetMinMax(min, max float64) error
	SetMeasurement(float64) error
	SetManualControl(float64) error
	Configure(regulator.Config) error
	Reset() error
	Control(e, dt float64) (float64, error)
	SatControl(e, dt float64) (float64, error)
}
