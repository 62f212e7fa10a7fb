// Package config loads the server configuration from defaults, an optional
// TOML or YAML file and DETECT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/logger"
)

const (
	EnvPrefix = "DETECT"
	FileName  = "detection-server"
)

const (
	LogLevelDebug  = "debug"
	LogLevelInfo   = "info"
	LogLevelWarn   = "warn"
	LogLevelError  = "error"
	LogLevelSilent = "silent"
)

type ServerConfig struct {
	Address           string   `mapstructure:"address" toml:"address"`
	MetricsAddress    string   `mapstructure:"metrics_address" toml:"metrics_address"`
	AllowedOrigins    []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
	StatusInterval    string   `mapstructure:"status_interval" toml:"status_interval"`
	KeepaliveInterval string   `mapstructure:"keepalive_interval" toml:"keepalive_interval"`
}

type WebRTCConfig struct {
	STUNServers   []string `mapstructure:"stun_servers" toml:"stun_servers"`
	MaxPeers      int      `mapstructure:"max_peers" toml:"max_peers"`
	StatsInterval string   `mapstructure:"stats_interval" toml:"stats_interval"`
}

type DetectorConfig struct {
	URL           string  `mapstructure:"url" toml:"url"` // empty runs without inference
	Timeout       string  `mapstructure:"timeout" toml:"timeout"`
	MinConfidence float64 `mapstructure:"min_confidence" toml:"min_confidence"`
	Warmup        bool    `mapstructure:"warmup" toml:"warmup"`
}

type PipelineConfig struct {
	PLIInterval string `mapstructure:"pli_interval" toml:"pli_interval"`
	MaxLate     int    `mapstructure:"max_late" toml:"max_late"`
}

type BroadcastConfig struct {
	QueueSize   int    `mapstructure:"queue_size" toml:"queue_size"`
	SendTimeout string `mapstructure:"send_timeout" toml:"send_timeout"`
}

type TelemetryConfig struct {
	WindowSize       int    `mapstructure:"window_size" toml:"window_size"`
	ExportDir        string `mapstructure:"export_dir" toml:"export_dir"`
	ExportOnExit     bool   `mapstructure:"export_on_exit" toml:"export_on_exit"`
	ResourceInterval string `mapstructure:"resource_interval" toml:"resource_interval"` // "0s" disables sampling
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker" toml:"broker"` // empty disables the emitter
	ClientID string `mapstructure:"client_id" toml:"client_id"`
	Topic    string `mapstructure:"topic" toml:"topic"`
	QoS      int    `mapstructure:"qos" toml:"qos"`
	Interval string `mapstructure:"interval" toml:"interval"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" toml:"level"`
	Color bool   `mapstructure:"color" toml:"color"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	WebRTC    WebRTCConfig    `mapstructure:"webrtc" toml:"webrtc"`
	Detector  DetectorConfig  `mapstructure:"detector" toml:"detector"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" toml:"pipeline"`
	Broadcast BroadcastConfig `mapstructure:"broadcast" toml:"broadcast"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" toml:"telemetry"`
	MQTT      MQTTConfig      `mapstructure:"mqtt" toml:"mqtt"`
	Logging   LoggingConfig   `mapstructure:"logging" toml:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.metrics_address", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.status_interval", "2s")
	v.SetDefault("server.keepalive_interval", "15s")

	v.SetDefault("webrtc.stun_servers", []string{})
	v.SetDefault("webrtc.max_peers", 4)
	v.SetDefault("webrtc.stats_interval", "2s")

	v.SetDefault("detector.url", "")
	v.SetDefault("detector.timeout", "2s")
	v.SetDefault("detector.min_confidence", 0.5)
	v.SetDefault("detector.warmup", true)

	v.SetDefault("pipeline.pli_interval", "3s")
	v.SetDefault("pipeline.max_late", 128)

	v.SetDefault("broadcast.queue_size", 8)
	v.SetDefault("broadcast.send_timeout", "2s")

	v.SetDefault("telemetry.window_size", 100)
	v.SetDefault("telemetry.export_dir", "metrics")
	v.SetDefault("telemetry.export_on_exit", true)
	v.SetDefault("telemetry.resource_interval", "5s")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic", "detection/telemetry")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.interval", "5s")

	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.color", true)
}

func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.WithLogger(logger.Slog()))
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load reads path, or searches the working directory and /etc for
// detection-server.{toml,yaml} when path is empty. A missing file is only an
// error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/" + FileName)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// WriteDefault writes the default configuration as TOML. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	data, err := toml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Duration parses a validated duration string. Invalid input yields 0.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Server),
		validation.Field(&c.WebRTC),
		validation.Field(&c.Detector),
		validation.Field(&c.Pipeline),
		validation.Field(&c.Broadcast),
		validation.Field(&c.Telemetry),
		validation.Field(&c.MQTT),
		validation.Field(&c.Logging),
	)
}

func (c ServerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Address, validation.Required, validation.By(validateHostPort)),
		validation.Field(&c.MetricsAddress, validation.By(validateHostPort)),
		validation.Field(&c.StatusInterval, validation.Required, validation.By(validatePositiveDuration)),
		validation.Field(&c.KeepaliveInterval, validation.Required, validation.By(validatePositiveDuration)),
	)
}

var iceURL = regexp.MustCompile(`^(stun|stuns|turn|turns):`)

func (c WebRTCConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.STUNServers, validation.Each(validation.Required, validation.Match(iceURL))),
		validation.Field(&c.MaxPeers, validation.Required, validation.Min(1)),
		validation.Field(&c.StatsInterval, validation.Required, validation.By(validatePositiveDuration)),
	)
}

func (c DetectorConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.URL, is.URL),
		validation.Field(&c.Timeout, validation.Required, validation.By(validatePositiveDuration)),
		validation.Field(&c.MinConfidence, validation.Min(0.0), validation.Max(1.0)),
	)
}

func (c PipelineConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.PLIInterval, validation.Required, validation.By(validatePositiveDuration)),
		validation.Field(&c.MaxLate, validation.Required, validation.Min(1), validation.Max(1<<15)),
	)
}

func (c BroadcastConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.QueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.SendTimeout, validation.Required, validation.By(validatePositiveDuration)),
	)
}

func (c TelemetryConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.WindowSize, validation.Required, validation.Min(1)),
		validation.Field(&c.ExportDir, validation.Required),
		validation.Field(&c.ResourceInterval, validation.Required, validation.By(validateDuration)),
	)
}

func (c MQTTConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Topic, validation.When(c.Broker != "", validation.Required)),
		validation.Field(&c.QoS, validation.In(0, 1, 2)),
		validation.Field(&c.Interval, validation.Required, validation.By(validatePositiveDuration)),
	)
}

func (c LoggingConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelSilent),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}
	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}
	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}
	return nil
}

func validateDuration(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a duration such as 2s or 500ms")
	}
	if d < 0 {
		return validation.NewError("validation_negative_duration", "must not be negative")
	}
	return nil
}

func validatePositiveDuration(value interface{}) error {
	if err := validateDuration(value); err != nil {
		return err
	}
	if Duration(value.(string)) == 0 {
		return validation.NewError("validation_zero_duration", "must be greater than zero")
	}
	return nil
}
