// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"sensorhub/internal/batch"
	"sensorhub/internal/link"
	"sensorhub/internal/sensor"
	"sensorhub/internal/timestamp"
	"sensorhub/internal/transport"
	"sensorhub/internal/watchdog"
)

// Transport modes
const (
	ModeDirect = "direct"
	ModeRelay  = "relay"
)

// Config represents the application configuration
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Protocol    ProtocolConfig    `mapstructure:"protocol"`
	Decoder     DecoderConfig     `mapstructure:"decoder"`
	Batch       batch.Config      `mapstructure:"batch"`
	Watchdog    WatchdogConfig    `mapstructure:"watchdog"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig represents the diagnostics HTTP server
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// TransportConfig selects the binding to the hub
type TransportConfig struct {
	Mode         string                 `mapstructure:"mode"`
	PollInterval time.Duration          `mapstructure:"poll_interval"`
	Link         link.Config            `mapstructure:"link"`
	Relay        transport.BridgeConfig `mapstructure:"relay"`
}

// RetryConfig bounds a caller-level retry
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// ProtocolConfig tunes the protocol engine
type ProtocolConfig struct {
	MaxPayload         int           `mapstructure:"max_payload"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	MaxInFlight        int           `mapstructure:"max_in_flight"`
	RecoveryCheckDelay time.Duration `mapstructure:"recovery_check_delay"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	TimeResync         time.Duration `mapstructure:"time_resync"`
	CommandRetry       RetryConfig   `mapstructure:"command_retry"`
}

// DecoderConfig tunes dataframe decoding
type DecoderConfig struct {
	Leveling     timestamp.LevelConfig `mapstructure:"leveling"`
	AnchorSlots  int                   `mapstructure:"anchor_slots"`
	AlwaysReport []string              `mapstructure:"always_report"`
	Variants     sensor.Variants       `mapstructure:"variants"`

	alwaysReport []sensor.Type
}

// WatchdogConfig tunes the recovery supervisor
type WatchdogConfig struct {
	watchdog.Config `mapstructure:",squash"`
	Continuous      []string `mapstructure:"continuous"`
}

// CalibrationConfig locates the calibration store
type CalibrationConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load loads configuration from file and environment variables. An empty
// path searches the default locations and tolerates a missing file.
func Load(path string) (*Config, error) {
	return load(afero.NewOsFs(), path)
}

func load(fs afero.Fs, path string) (*Config, error) {
	v := viper.New()
	v.SetFs(fs)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/sensorhub")
	}

	// Environment variable support
	v.SetEnvPrefix("SENSORHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "sensorhub")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	// Transport defaults
	v.SetDefault("transport.mode", ModeDirect)
	v.SetDefault("transport.poll_interval", "5ms")
	v.SetDefault("transport.link.type", string(link.TypeSerial))
	v.SetDefault("transport.link.serial.port", "/dev/ttyS1")
	v.SetDefault("transport.link.serial.baud_rate", 921600)
	v.SetDefault("transport.link.serial.data_bits", 8)
	v.SetDefault("transport.link.serial.stop_bits", 1)
	v.SetDefault("transport.link.serial.parity", "none")
	v.SetDefault("transport.link.serial.timeout", "100ms")
	v.SetDefault("transport.link.usb.interface", 0)
	v.SetDefault("transport.link.usb.endpoint", 1)
	v.SetDefault("transport.link.usb.timeout", "1s")
	v.SetDefault("transport.link.tcp.timeout", "5s")
	v.SetDefault("transport.link.tcp.keep_alive", true)
	v.SetDefault("transport.relay.url", "ws://127.0.0.1:7070/hub")
	v.SetDefault("transport.relay.handshake_timeout", "5s")
	v.SetDefault("transport.relay.write_timeout", "2s")
	v.SetDefault("transport.relay.ping_interval", "20s")
	v.SetDefault("transport.relay.max_chunk", 4096)

	// Protocol defaults
	v.SetDefault("protocol.max_payload", 2048)
	v.SetDefault("protocol.default_timeout", "1s")
	v.SetDefault("protocol.max_in_flight", 64)
	v.SetDefault("protocol.recovery_check_delay", "500ms")
	v.SetDefault("protocol.probe_timeout", "500ms")
	v.SetDefault("protocol.time_resync", "60s")
	v.SetDefault("protocol.command_retry.attempts", 3)
	v.SetDefault("protocol.command_retry.delay", "50ms")

	// Decoder defaults
	level := timestamp.DefaultLevelConfig()
	v.SetDefault("decoder.leveling.band_fraction", level.BandFraction)
	v.SetDefault("decoder.leveling.max_deviation", level.MaxDeviation)
	v.SetDefault("decoder.leveling.interval_ring", level.RingSize)
	v.SetDefault("decoder.anchor_slots", 16)
	v.SetDefault("decoder.always_report", []string{})
	v.SetDefault("decoder.variants.gyro_wide", false)
	v.SetDefault("decoder.variants.mag_accuracy", true)

	// Batch defaults
	v.SetDefault("batch.chunk_size", 1024)
	v.SetDefault("batch.chunk_timeout", "1s")
	v.SetDefault("batch.max_total", 1<<20)

	// Watchdog defaults
	wd := watchdog.DefaultConfig()
	v.SetDefault("watchdog.period", wd.Period)
	v.SetDefault("watchdog.missed_ticks", wd.MissedTicks)
	v.SetDefault("watchdog.timeout_threshold", wd.TimeoutThreshold)
	v.SetDefault("watchdog.cooldown", wd.Cooldown)
	v.SetDefault("watchdog.violation_window", wd.ViolationWindow)
	v.SetDefault("watchdog.recovery_timeout", wd.RecoveryTimeout)
	v.SetDefault("watchdog.continuous", []string{})

	// Calibration defaults
	v.SetDefault("calibration.dir", "./data/calibration")
}

// validate validates the configuration and resolves sensor names
func validate(config *Config) error {
	if config.Server.Enabled && config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !slices.Contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	switch config.Transport.Mode {
	case ModeDirect:
		if err := link.Validate(config.Transport.Link); err != nil {
			return fmt.Errorf("transport.link: %w", err)
		}
	case ModeRelay:
		if config.Transport.Relay.URL == "" {
			return fmt.Errorf("transport.relay.url is required in relay mode")
		}
	default:
		return fmt.Errorf("transport.mode must be %q or %q, got %q", ModeDirect, ModeRelay, config.Transport.Mode)
	}

	if config.Protocol.MaxPayload <= 0 || config.Protocol.MaxPayload > 0xFFFF {
		return fmt.Errorf("protocol.max_payload must be in 1..65535")
	}
	if config.Protocol.MaxInFlight <= 0 {
		return fmt.Errorf("protocol.max_in_flight must be positive")
	}
	if config.Batch.ChunkSize <= 0 || config.Batch.ChunkSize >= config.Protocol.MaxPayload {
		return fmt.Errorf("batch.chunk_size must be positive and below protocol.max_payload")
	}
	if f := config.Decoder.Leveling.BandFraction; f < 0 || f > 1 {
		return fmt.Errorf("decoder.leveling.band_fraction must be in [0, 1]")
	}
	if config.Decoder.AnchorSlots < 2 || config.Decoder.AnchorSlots > 256 {
		return fmt.Errorf("decoder.anchor_slots must be in 2..256")
	}

	always, err := sensor.ParseTypes(config.Decoder.AlwaysReport)
	if err != nil {
		return fmt.Errorf("decoder.always_report: %w", err)
	}
	config.Decoder.alwaysReport = always

	continuous, err := sensor.ParseTypes(config.Watchdog.Continuous)
	if err != nil {
		return fmt.Errorf("watchdog.continuous: %w", err)
	}
	config.Watchdog.Config.Continuous = continuous

	return nil
}

// Widths resolves the record width table for the configured firmware build
func (c *Config) Widths() sensor.WidthTable {
	return sensor.Resolve(c.Decoder.Variants)
}

// AlwaysReportTypes returns the sensors reported even while disabled
func (c *Config) AlwaysReportTypes() []sensor.Type {
	return c.Decoder.alwaysReport
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
