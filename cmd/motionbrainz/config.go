package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the motionbrainz daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume
// a well-formed config. The file is the primary configuration surface; flags
// and a few environment variables override it.
type Config struct {
	// Where samples come from
	Source SourceConfig `yaml:"source"`

	// Circular sample window
	Buffer BufferConfig `yaml:"buffer"`

	// Magnitude trigger
	Trigger TriggerConfig `yaml:"trigger"`

	// Gesture classifier
	Classifier ClassifierConfig `yaml:"classifier"`

	// IPC configuration (motion-ctl and external producers)
	IPC IPCConfig `yaml:"ipc"`

	// HTTP server (/ws, /window, /predictions)
	HTTP HTTPConfig `yaml:"http"`

	// Prediction journal
	Journal JournalConfig `yaml:"journal"`

	// MQTT publishing
	MQTT MQTTConfig `yaml:"mqtt"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// Source kinds.
const (
	SourceSimulate = "simulate"
	SourceEvdev    = "evdev"
	SourceSerial   = "serial"
	SourceNone     = "none"
)

// Classifier kinds.
const (
	ClassifierAxis   = "axis"
	ClassifierRemote = "remote"
)

type SourceConfig struct {
	Kind     string               `yaml:"kind"`
	RateHz   int                  `yaml:"rate_hz"`
	Simulate SimulateSourceConfig `yaml:"simulate"`
	Evdev    EvdevSourceConfig    `yaml:"evdev"`
	Serial   SerialSourceConfig   `yaml:"serial"`
}

type SimulateSourceConfig struct {
	GestureEveryMS int    `yaml:"gesture_every_ms"`
	Seed           uint64 `yaml:"seed"`
}

type EvdevSourceConfig struct {
	Device  string   `yaml:"device,omitempty"`  // Deprecated: use Devices instead
	Devices []string `yaml:"devices,omitempty"` // Input devices to monitor
	Scale   float64  `yaml:"scale"`
}

type SerialSourceConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

type BufferConfig struct {
	Size int `yaml:"size"`
}

type TriggerConfig struct {
	Threshold  float64 `yaml:"threshold"`
	SettleMS   int     `yaml:"settle_ms"`
	CooldownMS int     `yaml:"cooldown_ms"`
	TickHz     int     `yaml:"tick_hz"`
}

type ClassifierConfig struct {
	Kind       string                 `yaml:"kind"`
	TimeoutMS  int                    `yaml:"timeout_ms"` // overall budget; caps the remote client's own timeouts
	CarryState bool                   `yaml:"carry_state"`
	StateSize  int                    `yaml:"state_size"`
	Axis       AxisClassifierConfig   `yaml:"axis"`
	Remote     RemoteClassifierConfig `yaml:"remote"`
}

type AxisClassifierConfig struct {
	VerticalAxis string  `yaml:"vertical_axis"`
	MinEnergy    float64 `yaml:"min_energy"`
}

type RemoteClassifierConfig struct {
	ServerIP string `yaml:"server_ip"`
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type JournalConfig struct {
	Path string `yaml:"path"` // empty disables the journal
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"` // empty disables MQTT
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Source: SourceConfig{
			Kind:   SourceSimulate,
			RateHz: defaultSampleHz,
			Simulate: SimulateSourceConfig{
				GestureEveryMS: defaultGestureEveryMS,
			},
			Evdev: EvdevSourceConfig{
				Devices: []string{"/dev/input/event0"},
				Scale:   defaultEvdevScale,
			},
			Serial: SerialSourceConfig{
				BaudRate: defaultSerialBaud,
				DataBits: defaultSerialDataBits,
				StopBits: defaultSerialStopBits,
				Parity:   defaultSerialParity,
			},
		},
		Buffer: BufferConfig{
			Size: defaultBufferSize,
		},
		Trigger: TriggerConfig{
			Threshold:  defaultThreshold,
			SettleMS:   defaultSettleMS,
			CooldownMS: defaultCooldownMS,
			TickHz:     defaultTickHz,
		},
		Classifier: ClassifierConfig{
			Kind:       defaultClassifierKind,
			TimeoutMS:  defaultClassifierTimeoutMS,
			CarryState: true,
			StateSize:  defaultStateSize,
			Axis: AxisClassifierConfig{
				VerticalAxis: "y",
				MinEnergy:    defaultAxisMinEnergy,
			},
			Remote: RemoteClassifierConfig{
				ServerIP: defaultRemoteServerIP,
				Port:     defaultRemotePort,
				Path:     defaultRemotePath,
			},
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocket,
		},
		HTTP: HTTPConfig{
			Port: defaultHTTPPort,
		},
		Journal: JournalConfig{
			Path: "",
		},
		MQTT: MQTTConfig{
			Topic: defaultMQTTTopic,
			QoS:   defaultMQTTQoS,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// Environment variables consulted by ApplyEnv.
const (
	envConfigPath         = "MOTIONBRAINZ_CONFIG"
	envMQTTPassword       = "MOTIONBRAINZ_MQTT_PASSWORD"
	envClassifierServerIP = "MOTIONBRAINZ_CLASSIFIER_SERVER_IP"
)

// ApplyEnv overlays secrets and deployment-specific values from the
// environment. Unset or empty variables leave cfg untouched.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(envMQTTPassword); v != "" {
		cfg.MQTT.Password = v
	}
	if v := getenv(envClassifierServerIP); v != "" {
		cfg.Classifier.Remote.ServerIP = v
	}
}

// FlagOverrides applies overrides from flags on top of a loaded config.
//
// Flags pass pointers; each override is only applied if the pointer is non-nil.
// main.go decides which flags exist.
type FlagOverrides struct {
	SourceKind   *string
	SourceRateHz *int
	EvdevDevice  *string
	SerialPort   *string
	SimulateSeed *uint64

	BufferSize *int

	Threshold  *float64
	SettleMS   *int
	CooldownMS *int

	ClassifierKind     *string
	ClassifierServerIP *string

	IPCSocketPath *string
	HTTPPort      *int
	JournalPath   *string
	MQTTBroker    *string

	LogLevel *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
// If the pointer is non-nil, the value is applied (even if it is a "zero value").
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}

	if o.SourceKind != nil {
		cfg.Source.Kind = *o.SourceKind
	}
	if o.SourceRateHz != nil {
		cfg.Source.RateHz = *o.SourceRateHz
	}
	if o.EvdevDevice != nil {
		cfg.Source.Evdev.Device = *o.EvdevDevice
		cfg.Source.Evdev.Devices = []string{*o.EvdevDevice}
	}
	if o.SerialPort != nil {
		cfg.Source.Serial.Port = *o.SerialPort
	}
	if o.SimulateSeed != nil {
		cfg.Source.Simulate.Seed = *o.SimulateSeed
	}

	if o.BufferSize != nil {
		cfg.Buffer.Size = *o.BufferSize
	}

	if o.Threshold != nil {
		cfg.Trigger.Threshold = *o.Threshold
	}
	if o.SettleMS != nil {
		cfg.Trigger.SettleMS = *o.SettleMS
	}
	if o.CooldownMS != nil {
		cfg.Trigger.CooldownMS = *o.CooldownMS
	}

	if o.ClassifierKind != nil {
		cfg.Classifier.Kind = *o.ClassifierKind
	}
	if o.ClassifierServerIP != nil {
		cfg.Classifier.Remote.ServerIP = *o.ClassifierServerIP
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.JournalPath != nil {
		cfg.Journal.Path = *o.JournalPath
	}
	if o.MQTTBroker != nil {
		cfg.MQTT.Broker = *o.MQTTBroker
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + env + overrides are applied.
func (c *Config) Validate() error {
	// Source
	switch c.Source.Kind {
	case SourceSimulate, SourceEvdev, SourceSerial, SourceNone:
	default:
		return fmt.Errorf("source.kind must be one of %q, %q, %q or %q",
			SourceSimulate, SourceEvdev, SourceSerial, SourceNone)
	}
	if c.Source.RateHz <= 0 || c.Source.RateHz > 2000 {
		return errors.New("source.rate_hz must be between 1 and 2000")
	}
	if c.Source.Simulate.GestureEveryMS < 0 {
		return errors.New("source.simulate.gesture_every_ms must be >= 0")
	}

	if c.Source.Kind == SourceEvdev {
		// Migrate the deprecated single-device field.
		if c.Source.Evdev.Device != "" && len(c.Source.Evdev.Devices) == 0 {
			c.Source.Evdev.Devices = []string{c.Source.Evdev.Device}
		}
		if len(c.Source.Evdev.Devices) == 0 {
			return errors.New("source.evdev.devices must not be empty (or use deprecated source.evdev.device)")
		}
		for i, dev := range c.Source.Evdev.Devices {
			if dev == "" {
				return fmt.Errorf("source.evdev.devices[%d] is empty", i)
			}
		}
		if c.Source.Evdev.Scale == 0 {
			return errors.New("source.evdev.scale must not be 0")
		}
	}

	if c.Source.Kind == SourceSerial {
		if c.Source.Serial.Port == "" {
			return errors.New("source.kind is serial but source.serial.port is empty")
		}
		if _, err := c.SerialOptions().Normalize(); err != nil {
			return fmt.Errorf("source.serial: %w", err)
		}
	}

	// Buffer
	if c.Buffer.Size <= 0 {
		return errors.New("buffer.size must be > 0")
	}

	// Trigger
	if c.Trigger.Threshold < 0 {
		return errors.New("trigger.threshold must be >= 0")
	}
	if c.Trigger.SettleMS < 0 {
		return errors.New("trigger.settle_ms must be >= 0")
	}
	if c.Trigger.CooldownMS < 0 {
		return errors.New("trigger.cooldown_ms must be >= 0")
	}
	if c.Trigger.TickHz <= 0 || c.Trigger.TickHz > 1000 {
		return errors.New("trigger.tick_hz must be between 1 and 1000")
	}

	// Classifier
	switch c.Classifier.Kind {
	case ClassifierAxis:
		c.Classifier.Axis.VerticalAxis = strings.ToLower(strings.TrimSpace(c.Classifier.Axis.VerticalAxis))
		switch c.Classifier.Axis.VerticalAxis {
		case "y", "z":
		default:
			return errors.New(`classifier.axis.vertical_axis must be "y" or "z"`)
		}
		if c.Classifier.Axis.MinEnergy < 0 {
			return errors.New("classifier.axis.min_energy must be >= 0")
		}
	case ClassifierRemote:
		if err := ValidateServerIP(c.Classifier.Remote.ServerIP); err != nil {
			return fmt.Errorf("classifier.remote.server_ip: %w", err)
		}
		if c.Classifier.Remote.Port <= 0 || c.Classifier.Remote.Port > 65535 {
			return errors.New("classifier.remote.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(c.Classifier.Remote.Path, "/") {
			return errors.New(`classifier.remote.path must start with "/"`)
		}
	default:
		return fmt.Errorf("classifier.kind must be %q or %q", ClassifierAxis, ClassifierRemote)
	}
	if c.Classifier.TimeoutMS <= 0 {
		return errors.New("classifier.timeout_ms must be > 0")
	}
	if c.Classifier.StateSize < 0 {
		return errors.New("classifier.state_size must be >= 0")
	}

	// IPC / HTTP
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 (disabled) and 65535")
	}

	// MQTT
	if c.MQTT.Broker != "" {
		if c.MQTT.Topic == "" {
			return errors.New("mqtt.broker is set but mqtt.topic is empty")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return errors.New("mqtt.qos must be 0, 1 or 2")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToReducerConfig converts the trigger and classifier sections into the reducer's config.
func (c *Config) ToReducerConfig() ReducerConfig {
	return ReducerConfig{
		Settle:     time.Duration(c.Trigger.SettleMS) * time.Millisecond,
		Cooldown:   time.Duration(c.Trigger.CooldownMS) * time.Millisecond,
		CarryState: c.Classifier.CarryState,
		StateSize:  c.Classifier.StateSize,
	}
}

// SerialOptions returns the serial port mode options from the source section.
func (c *Config) SerialOptions() SerialOptions {
	return SerialOptions{
		BaudRate: c.Source.Serial.BaudRate,
		DataBits: c.Source.Serial.DataBits,
		StopBits: c.Source.Serial.StopBits,
		Parity:   c.Source.Serial.Parity,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
