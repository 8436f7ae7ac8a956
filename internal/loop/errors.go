package loop

import "errors"

var (
	ErrInvalidMode             = errors.New("invalid mode")
	ErrInvalidAction           = errors.New("invalid action")
	ErrInvalidMinMax           = errors.New("invalid min/max setpoints")
	ErrSetpointOutOfRange      = errors.New("setpoint out of range")
	ErrInvalidMeasurement      = errors.New("measurement must be a finite number")
	ErrInvalidManualControl    = errors.New("manual control must be a finite number")
	ErrNonFiniteParameter      = errors.New("regulator parameters must be finite numbers")
	ErrNegativeControlLimit    = errors.New("control limits must be greater or equal to zero")
	ErrInvalidControlLimits    = errors.New("min control must be lower or equal to max control")
	ErrNegativeDeadError       = errors.New("dead error must be greater or equal to zero")
	ErrNonPositiveTickInterval = errors.New("tick interval must be strictly positive")
)
