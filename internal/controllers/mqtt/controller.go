package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/Agrid-Dev/pidregulator/internal/loop"
	"github.com/Agrid-Dev/pidregulator/internal/ports"
	"github.com/Agrid-Dev/pidregulator/internal/regulator"
)

type Config struct {
	// Identity
	DeviceID string

	// MQTT connection
	BrokerURL string
	ClientID  string

	// Topics
	BaseTopic string

	// Behavior
	QoS             byte
	RetainSnapshot  bool
	PublishInterval time.Duration

	Username string
	Password string

	Logger logrus.FieldLogger
}

type Controller struct {
	svc ports.RegulatorService
	cfg Config
	log logrus.FieldLogger

	client mqtt.Client
}

func New(svc ports.RegulatorService, cfg Config) (*Controller, error) {
	// ---- defaults ----

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}

	if cfg.DeviceID == "" {
		return nil, errors.New("mqtt: DeviceID is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "pidregulator/" + cfg.DeviceID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "pidregulator-" + cfg.DeviceID
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 1 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: QoS must be 0 or 1")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Controller{
		svc: svc,
		cfg: cfg,
		log: cfg.Logger.WithFields(logrus.Fields{
			"component": "mqtt",
			"topic":     cfg.BaseTopic,
		}),
	}, nil
}

func (c *Controller) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	// Subscribe when connected/reconnected.
	opts.OnConnect = func(cl mqtt.Client) {
		topic := c.topic("set/+")
		token := cl.Subscribe(topic, c.cfg.QoS, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.WithError(err).Error("subscribe failed")
			return
		}
		c.log.WithField("broker", c.cfg.BrokerURL).Info("connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.log.WithError(err).Warn("connection lost")
	}

	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Publish loop: publish snapshot on interval, and only when changed.
	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	last := c.svc.Get()
	c.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			c.client.Disconnect(250)
			return ctx.Err()

		case <-ticker.C:
			cur := c.svc.Get()
			if !reflect.DeepEqual(cur, last) {
				c.publishSnapshot()
				last = cur
			}
		}
	}
}

func (c *Controller) publishSnapshot() {
	s := c.svc.Get()
	dto := snapshotDTO{
		DeviceID:      c.cfg.DeviceID,
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
	b, err := json.Marshal(dto)
	if err != nil {
		c.log.WithError(err).Warn("snapshot not published")
		return
	}
	c.client.Publish(c.topic("snapshot"), c.cfg.QoS, c.cfg.RetainSnapshot, b)
}

func (c *Controller) publishControl(u float64) error {
	b, err := json.Marshal(controlResp{Control: u})
	if err != nil {
		return fmt.Errorf("encode control: %w", err)
	}
	c.client.Publish(c.topic("control"), c.cfg.QoS, false, b)
	return nil
}

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

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

type controlReq struct {
	Error     *float64 `json:"error"`
	DeltaTime *float64 `json:"delta_time"`
}

type controlResp struct {
	Control float64 `json:"control"`
}

func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// topic format: <base>/set/<field>
	t := msg.Topic()
	prefix := strings.TrimRight(c.cfg.BaseTopic, "/") + "/set/"
	if !strings.HasPrefix(t, prefix) {
		return
	}
	field := strings.TrimPrefix(t, prefix)

	if err := c.dispatch(field, msg.Payload()); err != nil {
		c.log.WithError(err).WithField("field", field).Debug("command ignored")
	}
}

func (c *Controller) dispatch(field string, payload []byte) error {
	switch field {
	case "enabled":
		v, err := decodeValueStrict[bool](payload)
		if err != nil {
			return err
		}
		c.svc.SetEnabled(v)
		return nil

	case "setpoint":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return err
		}
		return c.svc.SetSetpoint(v)

	case "min_setpoint":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return err
		}
		cur := c.svc.Get()
		return c.svc.SetMinMax(v, cur.SetpointMax)

	case "max_setpoint":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return err
		}
		cur := c.svc.Get()
		return c.svc.SetMinMax(cur.SetpointMin, v)

	case "measurement":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return err
		}
		return c.svc.SetMeasurement(v)

	case "manual_control":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return err
		}
		return c.svc.SetManualControl(v)

	case "mode":
		s, err := decodeValueStrict[string](payload)
		if err != nil {
			return err
		}
		m, err := loop.ParseMode(s)
		if err != nil {
			return err
		}
		return c.svc.SetMode(m)

	case "action":
		s, err := decodeValueStrict[string](payload)
		if err != nil {
			return err
		}
		a, err := loop.ParseAction(s)
		if err != nil {
			return err
		}
		return c.svc.SetAction(a)

	case "config":
		cfg, err := decodeValueStrict[regulator.Config](payload)
		if err != nil {
			return err
		}
		return c.svc.Configure(cfg)

	case "reset":
		// any payload triggers the reset
		return c.svc.Reset()

	case "control", "sat_control":
		req, err := decodeValueStrict[controlReq](payload)
		if err != nil {
			return err
		}
		if req.Error == nil || req.DeltaTime == nil {
			return errors.New("missing field 'error' or 'delta_time'")
		}
		compute := c.svc.Control
		if field == "sat_control" {
			compute = c.svc.SatControl
		}
		u, err := compute(*req.Error, *req.DeltaTime)
		if err != nil {
			return err
		}
		if math.IsNaN(u) || math.IsInf(u, 0) {
			return fmt.Errorf("non-finite control %v", u)
		}
		return c.publishControl(u)
	}
	return fmt.Errorf("unknown field %q", field)
}

func (c *Controller) topic(suffix string) string {
	return strings.TrimRight(c.cfg.BaseTopic, "/") + "/" + suffix
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}
