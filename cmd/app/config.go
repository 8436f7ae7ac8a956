package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/Agrid-Dev/pidregulator/internal/loop"
	"github.com/Agrid-Dev/pidregulator/internal/plant"
	"github.com/Agrid-Dev/pidregulator/internal/regulator"
)

const EnvPrefix = "PIDREGULATOR_"

type Config struct {
	DeviceID    string            `koanf:"device_id" yaml:"device_id"`
	Controllers ControllersConfig `koanf:"controllers" yaml:"controllers"`

	Loop       LoopConfig       `koanf:"loop" yaml:"loop"`
	Regulator  RegulatorConfig  `koanf:"regulator" yaml:"regulator"`
	Plant      PlantConfig      `koanf:"plant" yaml:"plant"`
	Log        LogConfig        `koanf:"log" yaml:"log"`
	Simulation SimulationConfig `koanf:"simulation" yaml:"simulation"`
}

type ControllersConfig struct {
	HTTP   HTTPConfig   `koanf:"http" yaml:"http"`
	MQTT   MQTTConfig   `koanf:"mqtt" yaml:"mqtt"`
	Modbus ModbusConfig `koanf:"modbus" yaml:"modbus"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
}

type MQTTConfig struct {
	Enabled         bool          `koanf:"enabled" yaml:"enabled"`
	BrokerURL       string        `koanf:"broker_url" yaml:"broker_url"`
	ClientID        string        `koanf:"client_id" yaml:"client_id"`
	BaseTopic       string        `koanf:"base_topic" yaml:"base_topic"`
	QoS             byte          `koanf:"qos" yaml:"qos"`
	RetainSnapshot  bool          `koanf:"retain_snapshot" yaml:"retain_snapshot"`
	PublishInterval time.Duration `koanf:"publish_interval" yaml:"publish_interval"`
	Username        string        `koanf:"username" yaml:"username"`
	Password        string        `koanf:"password" yaml:"password"`
}

type ModbusConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
	UnitID  byte   `koanf:"unit_id" yaml:"unit_id"`
}

// LoopConfig is the initial state of the control loop.
type LoopConfig struct {
	Enabled       bool    `koanf:"enabled" yaml:"enabled"`
	Mode          string  `koanf:"mode" yaml:"mode"`     // "auto" | "manual"
	Action        string  `koanf:"action" yaml:"action"` // "direct" | "reverse"
	Setpoint      float64 `koanf:"setpoint" yaml:"setpoint"`
	SetpointMin   float64 `koanf:"setpoint_min" yaml:"setpoint_min"`
	SetpointMax   float64 `koanf:"setpoint_max" yaml:"setpoint_max"`
	Measurement   float64 `koanf:"measurement" yaml:"measurement"`
	ManualControl float64 `koanf:"manual_control" yaml:"manual_control"`
}

type RegulatorConfig struct {
	PropGain   float64 `koanf:"prop_gain" yaml:"prop_gain"`
	IntGain    float64 `koanf:"int_gain" yaml:"int_gain"`
	DotGain    float64 `koanf:"dot_gain" yaml:"dot_gain"`
	DotTime    float64 `koanf:"dot_time" yaml:"dot_time"`
	SatGain    float64 `koanf:"sat_gain" yaml:"sat_gain"`
	MinControl float64 `koanf:"min_control" yaml:"min_control"`
	MaxControl float64 `koanf:"max_control" yaml:"max_control"`
	DeadError  float64 `koanf:"dead_error" yaml:"dead_error"`

	// Interval is both the tick period and the delta time fed to the regulator.
	Interval time.Duration `koanf:"interval" yaml:"interval"`
}

type PlantConfig struct {
	Enabled         bool    `koanf:"enabled" yaml:"enabled"`
	Gain            float64 `koanf:"gain" yaml:"gain"`
	Ambient         float64 `koanf:"ambient" yaml:"ambient"`
	LossCoefficient float64 `koanf:"loss_coefficient" yaml:"loss_coefficient"`
}

type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`   // debug | info | warn | error
	Format string `koanf:"format" yaml:"format"` // text | json
}

type SimulationConfig struct {
	Iterations       int               `koanf:"iterations" yaml:"iterations"`
	Step             time.Duration     `koanf:"step" yaml:"step"`
	Output           string            `koanf:"output" yaml:"output"`
	Plot             bool              `koanf:"plot" yaml:"plot"`
	SetpointCommands []SetpointCommand `koanf:"setpoint_commands" yaml:"setpoint_commands"`
}

type SetpointCommand struct {
	Iteration int     `koanf:"iteration" yaml:"iteration"`
	Value     float64 `koanf:"value" yaml:"value"`
}

func defaultConfig() Config {
	return Config{
		DeviceID: "default",
		Controllers: ControllersConfig{
			HTTP: HTTPConfig{Enabled: true, Addr: ":8080"},
			MQTT: MQTTConfig{
				BrokerURL:       "tcp://localhost:1883",
				PublishInterval: time.Second,
			},
			Modbus: ModbusConfig{Addr: "127.0.0.1:1502", UnitID: 1},
		},
		Loop: LoopConfig{
			Enabled:     true,
			Mode:        "auto",
			Action:      "direct",
			Setpoint:    20,
			SetpointMin: 0,
			SetpointMax: 100,
			Measurement: 20,
		},
		Regulator: RegulatorConfig{
			PropGain:   2,
			IntGain:    0.2,
			SatGain:    0.5,
			MaxControl: 10,
			Interval:   time.Second,
		},
		Plant: PlantConfig{
			Enabled:         true,
			Gain:            0.1,
			Ambient:         10,
			LossCoefficient: 0.01,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Simulation: SimulationConfig{
			Iterations: 3000,
			Step:       100 * time.Millisecond,
			Output:     "pidregulator.csv",
			Plot:       true,
			SetpointCommands: []SetpointCommand{
				{Iteration: 1000, Value: 25},
			},
		},
	}
}

// LoadConfig layers defaults, the optional config file and PIDREGULATOR_*
// environment variables, in that order.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, os.Environ)
}

func loadConfig(path string, environ func() []string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return Config{}, err
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix:      EnvPrefix,
		EnvironFunc: environ,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(key, EnvPrefix)), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	// Containers commonly inject PORT; an explicit addr still wins.
	if port := lookupEnv(environ, "PORT"); port != "" && lookupEnv(environ, EnvPrefix+"CONTROLLERS_HTTP_ADDR") == "" {
		if err := k.Set("controllers.http.addr", ":"+port); err != nil {
			return Config{}, fmt.Errorf("apply PORT: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// Config file missing → use defaults
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("parse %s: %w", ext, err)
	}
	return nil
}

func lookupEnv(environ func() []string, key string) string {
	for _, kv := range environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

var envSections = []string{"loop", "regulator", "plant", "log", "simulation"}

// envKeyTransform maps an unprefixed environment variable name to a koanf
// path: CONTROLLERS_HTTP_ADDR → controllers.http.addr,
// REGULATOR_PROP_GAIN → regulator.prop_gain, DEVICE_ID → device_id.
func envKeyTransform(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}

	if strings.HasPrefix(s, "controllers_") {
		parts := strings.SplitN(s, "_", 3)
		if len(parts) < 3 {
			return s
		}
		return parts[0] + "." + parts[1] + "." + parts[2]
	}

	for _, section := range envSections {
		if rest, ok := strings.CutPrefix(s, section+"_"); ok {
			return section + "." + rest
		}
	}
	return s
}

func applyDefaults(cfg *Config) {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "default"
	}
	c := &cfg.Controllers
	if !c.HTTP.Enabled && !c.MQTT.Enabled && !c.Modbus.Enabled {
		c.HTTP.Enabled = true
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 1 * time.Second
	}
	if c.Modbus.UnitID == 0 {
		c.Modbus.UnitID = 1
	}
}

func (c Config) Snapshot() (loop.Snapshot, error) {
	mode, err := loop.ParseMode(c.Loop.Mode)
	if err != nil {
		return loop.Snapshot{}, err
	}
	action, err := loop.ParseAction(c.Loop.Action)
	if err != nil {
		return loop.Snapshot{}, err
	}
	return loop.Snapshot{
		Enabled:       c.Loop.Enabled,
		Mode:          mode,
		Action:        action,
		Setpoint:      c.Loop.Setpoint,
		SetpointMin:   c.Loop.SetpointMin,
		SetpointMax:   c.Loop.SetpointMax,
		Measurement:   c.Loop.Measurement,
		ManualControl: c.Loop.ManualControl,
	}, nil
}

func (c RegulatorConfig) Config() regulator.Config {
	return regulator.Config{
		PropGain:   c.PropGain,
		IntGain:    c.IntGain,
		DotGain:    c.DotGain,
		DotTime:    c.DotTime,
		SatGain:    c.SatGain,
		MinControl: c.MinControl,
		MaxControl: c.MaxControl,
		DeadError:  c.DeadError,
	}
}

func (c PlantConfig) Params() plant.Params {
	return plant.Params{
		Gain:            c.Gain,
		Ambient:         c.Ambient,
		LossCoefficient: c.LossCoefficient,
	}
}
