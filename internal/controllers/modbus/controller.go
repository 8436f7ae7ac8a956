package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	mbserver "github.com/tbrandon/mbserver"

	"github.com/Agrid-Dev/pidregulator/internal/loop"
	"github.com/Agrid-Dev/pidregulator/internal/ports"
)

// Register map.
//
// Coils: 0 enabled, 1 reset trigger (reads as 0).
// Holding registers: 0 setpoint, 1 min setpoint, 2 max setpoint, 3 mode,
// 4 action, 5 measurement, 6 manual control.
// Input registers: 0 measurement, 1 control, 2 error, 3 integral of error,
// 4 filtered derivative, 5 saturation residual.
//
// Analog values are signed 16-bit integers scaled by Scale.
const (
	CoilEnabled = 0
	CoilReset   = 1
	coilCount   = 2

	HRSetpoint      = 0
	HRSetpointMin   = 1
	HRSetpointMax   = 2
	HRMode          = 3
	HRAction        = 4
	HRMeasurement   = 5
	HRManualControl = 6
	holdingCount    = 7

	IRMeasurement = 0
	IRControl     = 1
	IRError       = 2
	IRIntError    = 3
	IRDotError    = 4
	IRSatError    = 5
	inputCount    = 6
)

// Config for the Modbus controller.
type Config struct {
	DeviceID string
	Addr     string
	UnitID   byte // UnitID (Modbus slave/unit ID). Use an integer 1..247.
	Logger   logrus.FieldLogger
}

type Controller struct {
	svc ports.RegulatorService
	cfg Config
	log logrus.FieldLogger

	serv *mbserver.Server
}

func New(svc ports.RegulatorService, cfg Config) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: UnitID is required (non-zero)")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:1502"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Controller{
		svc: svc,
		cfg: cfg,
		log: cfg.Logger.WithField("component", "modbus"),
	}, nil
}

// Run starts the Modbus server and registers handlers that apply writes immediately and
// provide reads directly from the regulator service. It blocks until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	serv := mbserver.NewServer()
	c.serv = serv

	// Register handlers BEFORE starting the TCP listener to avoid races inside mbserver
	// between handler registration and the server's goroutines.
	serv.RegisterFunctionHandler(1, c.readCoils)
	serv.RegisterFunctionHandler(3, c.readHoldingRegisters)
	serv.RegisterFunctionHandler(4, c.readInputRegisters)
	serv.RegisterFunctionHandler(5, c.writeSingleCoil)
	serv.RegisterFunctionHandler(6, c.writeSingleRegister)
	serv.RegisterFunctionHandler(16, c.writeMultipleRegisters)

	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}
	c.log.WithFields(logrus.Fields{"addr": c.cfg.Addr, "unit_id": c.cfg.UnitID}).Info("listening")

	// Block until ctx.Done()
	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

// Read Coils (function 1).
func (c *Controller) readCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	qty := int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > 2000 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if start+qty > coilCount {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	snap := c.svc.Get()
	coils := byte(0)
	for i := 0; i < qty; i++ {
		if start+i == CoilEnabled && snap.Enabled {
			coils |= 1 << i
		}
	}
	// response: byte count (1) + coil bytes
	return []byte{1, coils}, &mbserver.Success
}

// Read Holding Registers (function 3).
func (c *Controller) readHoldingRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, exc := readRange(frame.GetData(), holdingCount)
	if exc != nil {
		return []byte{}, exc
	}
	snap := c.svc.Get()
	regs := make([]uint16, 0, qty)
	for addr := start; addr < start+qty; addr++ {
		switch addr {
		case HRSetpoint:
			regs = append(regs, encodeScaled(snap.Setpoint))
		case HRSetpointMin:
			regs = append(regs, encodeScaled(snap.SetpointMin))
		case HRSetpointMax:
			regs = append(regs, encodeScaled(snap.SetpointMax))
		case HRMode:
			regs = append(regs, uint16(snap.Mode))
		case HRAction:
			regs = append(regs, uint16(snap.Action))
		case HRMeasurement:
			regs = append(regs, encodeScaled(snap.Measurement))
		case HRManualControl:
			regs = append(regs, encodeScaled(snap.ManualControl))
		}
	}
	return registersResponse(regs), &mbserver.Success
}

// Read Input Registers (function 4).
func (c *Controller) readInputRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, exc := readRange(frame.GetData(), inputCount)
	if exc != nil {
		return []byte{}, exc
	}
	snap := c.svc.Get()
	regs := make([]uint16, 0, qty)
	for addr := start; addr < start+qty; addr++ {
		switch addr {
		case IRMeasurement:
			regs = append(regs, encodeScaled(snap.Measurement))
		case IRControl:
			regs = append(regs, encodeScaled(snap.Control))
		case IRError:
			regs = append(regs, encodeScaled(snap.Error))
		case IRIntError:
			regs = append(regs, encodeScaled(snap.State.IntError))
		case IRDotError:
			regs = append(regs, encodeScaled(snap.State.DotError))
		case IRSatError:
			regs = append(regs, encodeScaled(snap.State.SatError))
		}
	}
	return registersResponse(regs), &mbserver.Success
}

// Write Single Coil (function 5).
func (c *Controller) writeSingleCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	var on bool
	switch value {
	case 0x0000:
		on = false
	case 0xFF00:
		on = true
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}

	switch addr {
	case CoilEnabled:
		c.svc.SetEnabled(on)
	case CoilReset:
		if on {
			if err := c.svc.Reset(); err != nil {
				c.log.WithError(err).Warn("reset rejected")
				return []byte{}, &mbserver.SlaveDeviceFailure
			}
		}
	default:
		return []byte{}, &mbserver.IllegalDataAddress
	}

	// echo request (address + value)
	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

// Write Single Register (function 6).
func (c *Controller) writeSingleRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := int(binary.BigEndian.Uint16(data[0:2]))
	value := binary.BigEndian.Uint16(data[2:4])

	if exc := c.writeHolding(addr, value); exc != nil {
		return []byte{}, exc
	}

	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

// Write Multiple Registers (function 16).
func (c *Controller) writeMultipleRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	d := frame.GetData()
	if len(d) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(d[0:2])
	quantity := binary.BigEndian.Uint16(d[2:4])
	byteCount := int(d[4])
	if byteCount != int(quantity)*2 || len(d) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	for i := 0; i < int(quantity); i++ {
		val := binary.BigEndian.Uint16(d[5+i*2 : 5+i*2+2])
		if exc := c.writeHolding(int(start)+i, val); exc != nil {
			return []byte{}, exc
		}
	}

	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], start)
	binary.BigEndian.PutUint16(resp[2:4], quantity)
	return resp, &mbserver.Success
}

func (c *Controller) writeHolding(addr int, value uint16) *mbserver.Exception {
	var err error
	switch addr {
	case HRSetpoint:
		err = c.svc.SetSetpoint(decodeScaled(value))
	case HRSetpointMin:
		cur := c.svc.Get()
		err = c.svc.SetMinMax(decodeScaled(value), cur.SetpointMax)
	case HRSetpointMax:
		cur := c.svc.Get()
		err = c.svc.SetMinMax(cur.SetpointMin, decodeScaled(value))
	case HRMode:
		err = c.svc.SetMode(loop.Mode(value))
	case HRAction:
		err = c.svc.SetAction(loop.Action(value))
	case HRMeasurement:
		err = c.svc.SetMeasurement(decodeScaled(value))
	case HRManualControl:
		err = c.svc.SetManualControl(decodeScaled(value))
	default:
		return &mbserver.IllegalDataAddress
	}
	if err != nil {
		c.log.WithError(err).WithField("register", addr).Debug("write rejected")
		return &mbserver.IllegalDataValue
	}
	return nil
}

func readRange(data []byte, count int) (start, qty int, exc *mbserver.Exception) {
	if len(data) < 4 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	start = int(binary.BigEndian.Uint16(data[0:2]))
	qty = int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > 125 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	if start+qty > count {
		return 0, 0, &mbserver.IllegalDataAddress
	}
	return start, qty, nil
}

// registersResponse builds byte count + register bytes.
func registersResponse(regs []uint16) []byte {
	byteCount := len(regs) * 2
	resp := make([]byte, 1+byteCount)
	resp[0] = byte(byteCount)
	for i, r := range regs {
		binary.BigEndian.PutUint16(resp[1+i*2:1+i*2+2], r)
	}
	return resp
}

const Scale int = 100

// encodeScaled saturates to the int16 range before converting. NaN reads as 0.
func encodeScaled(v float64) uint16 {
	if math.IsNaN(v) {
		return 0
	}
	r := min(max(math.Round(v*float64(Scale)), math.MinInt16), math.MaxInt16)
	return uint16(int16(r))
}

func decodeScaled(u uint16) float64 {
	i := int16(u)
	return float64(i) / float64(Scale)
}
