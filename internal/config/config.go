// Package config loads application settings from a YAML file, VT_*
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/protocol"
)

const appDirName = "vision-trainer"

// Config is the top-level configuration.
type Config struct {
	Server      ServerConfig                 `mapstructure:"server"`
	Database    DatabaseConfig               `mapstructure:"database"`
	Logging     LoggingConfig                `mapstructure:"logging"`
	Calibration CalibrationConfig            `mapstructure:"calibration"`
	Session     SessionConfig                `mapstructure:"session"`
	Protocols   map[string]protocol.Override `mapstructure:"protocols"`
}

// ServerConfig holds the loopback HTTP settings.
type ServerConfig struct {
	Host           string        `mapstructure:"host" validate:"required"`
	Port           int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RateLimit      float64       `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst      int           `mapstructure:"rate_burst" validate:"gte=0"`
}

// Addr is host:port.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// DatabaseConfig points at the SQLite progress database.
type DatabaseConfig struct {
	Path        string `mapstructure:"path" validate:"required"`
	MaxSessions int    `mapstructure:"max_sessions" validate:"gte=0"`
}

// LoggingConfig holds settings for the logger.
type LoggingConfig struct {
	Directory  string `mapstructure:"directory"`
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	Console    bool   `mapstructure:"console"`
}

// CalibrationConfig is the stored screen calibration. A zero reference
// width means the screen has not been calibrated.
type CalibrationConfig struct {
	ReferenceWidthPx  float64 `mapstructure:"reference_width_px" validate:"gte=0"`
	PhysicalWidthMm   float64 `mapstructure:"physical_width_mm" validate:"gt=0"`
	ViewingDistanceMm float64 `mapstructure:"viewing_distance_mm" validate:"gte=0"`
}

// SessionConfig holds defaults for live sessions.
type SessionConfig struct {
	SurfaceWidth  int           `mapstructure:"surface_width" validate:"gte=0"`
	SurfaceHeight int           `mapstructure:"surface_height" validate:"gte=0"`
	ReapAfter     time.Duration `mapstructure:"reap_after" validate:"gte=0"`
	MaxActive     int           `mapstructure:"max_active" validate:"gte=1"`
}

// DataDir returns an OS-appropriate writable directory.
func DataDir() string {
	if d, err := os.UserConfigDir(); err == nil && d != "" {
		return filepath.Join(d, appDirName)
	}
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return filepath.Join(h, "."+appDirName)
	}
	return "."
}

func setDefaults(v *viper.Viper) {
	data := DataDir()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8077)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*", "http://127.0.0.1:*"})
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)

	v.SetDefault("database.path", filepath.Join(data, "progress.db"))
	v.SetDefault("database.max_sessions", 500)

	v.SetDefault("logging.directory", filepath.Join(data, "logs"))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 7)
	v.SetDefault("logging.compress", true)
	v.SetDefault("logging.console", true)

	v.SetDefault("calibration.reference_width_px", 0)
	v.SetDefault("calibration.physical_width_mm", 85.60)
	v.SetDefault("calibration.viewing_distance_mm", 500)

	v.SetDefault("session.surface_width", 800)
	v.SetDefault("session.surface_height", 600)
	v.SetDefault("session.reap_after", 5*time.Minute)
	v.SetDefault("session.max_active", 8)
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Loader owns the viper instance behind a Config and can watch the file.
type Loader struct {
	v   *viper.Viper
	log *zap.Logger

	mu  sync.RWMutex
	cur *Config
}

// Load reads configuration. file may be empty, in which case config.yaml is
// searched for in the working directory and DataDir. A missing file is not
// an error; defaults and environment variables apply.
func Load(file string, log *zap.Logger) (*Loader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(DataDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("VT") // e.g. VT_SERVER_PORT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	l := &Loader{v: v, log: log}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.cur = cfg
	return l, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// File reports which config file was read, if any.
func (l *Loader) File() string { return l.v.ConfigFileUsed() }

// Set overrides a key in memory, for CLI flags.
func (l *Loader) Set(key string, value any) error {
	l.v.Set(key, value)
	cfg, err := l.decode()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cur = cfg
	l.mu.Unlock()
	return nil
}

// Persist sets key and writes the configuration back to the file it was
// read from, or to config.yaml under DataDir when none was read. It returns
// the path written.
func (l *Loader) Persist(key string, value any) (string, error) {
	if err := l.Set(key, value); err != nil {
		return "", err
	}
	path := l.v.ConfigFileUsed()
	if path == "" {
		path = filepath.Join(DataDir(), "config.yaml")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("config: %w", err)
		}
	}
	if err := l.v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("config: write %s: %w", path, err)
	}
	return path, nil
}

// Watch reloads on file changes and calls onChange with each valid config.
// Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.log.Info("Configuration file changed, reloading.", zap.String("file", e.Name))
		cfg, err := l.decode()
		if err != nil {
			l.log.Error("Error reloading configuration", zap.Error(err))
			return
		}
		l.mu.Lock()
		l.cur = cfg
		l.mu.Unlock()
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}
