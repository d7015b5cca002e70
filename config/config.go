// Package config loads the run configuration from defaults, an optional
// YAML file, GRAVELER_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/openfluke/graveler/planner"
)

const (
	BackendGPU = "gpu"
	BackendCPU = "cpu"

	EnvPrefix = "GRAVELER"
)

// Keys shared by the config file, the environment and the flags.
const (
	KeyRuns     = "runs"
	KeyValidate = "validate"
	KeyWrite    = "write"
	KeyOutDir   = "out_dir"
	KeyTarget   = "target"
	KeyTimeout  = "timeout"
	KeyBackend  = "backend"
	KeyAdapter  = "adapter"
	KeyStrategy = "strategy"
	KeyLogLevel = "log_level"
	KeySummary  = "summary"
)

var (
	ErrZeroMultiplier = errors.New("run multiplier must be a positive integer")
	ErrZeroTarget     = errors.New("target trial count must be positive")
	ErrTimeout        = errors.New("wait timeout must be positive")
	ErrBackend        = errors.New("unknown backend")
)

// Config is the typed run configuration.
type Config struct {
	RunMultiplier uint64        `mapstructure:"runs" yaml:"runs"`
	Validation    bool          `mapstructure:"validate" yaml:"validate"`
	WriteResults  bool          `mapstructure:"write" yaml:"write"`
	OutputDir     string        `mapstructure:"out_dir" yaml:"out_dir"`
	TargetTrials  uint64        `mapstructure:"target" yaml:"target"`
	WaitTimeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	Adapter       int           `mapstructure:"adapter" yaml:"adapter"`
	Strategy      string        `mapstructure:"strategy" yaml:"strategy"`
	LogLevel      string        `mapstructure:"log_level" yaml:"log_level"`
	SummaryPath   string        `mapstructure:"summary" yaml:"summary,omitempty"`
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyRuns, 1)
	v.SetDefault(KeyValidate, false)
	v.SetDefault(KeyWrite, false)
	v.SetDefault(KeyOutDir, ".")
	v.SetDefault(KeyTarget, uint64(1_000_000_000))
	v.SetDefault(KeyTimeout, 30*time.Second)
	v.SetDefault(KeyBackend, BackendGPU)
	v.SetDefault(KeyAdapter, -1)
	v.SetDefault(KeyStrategy, planner.SingleAxis{}.Name())
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeySummary, "")
}

// New returns a viper instance with defaults and environment lookup set.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path when it is not empty, then decodes and validates v.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no run can start with.
func (c *Config) Validate() error {
	if c.RunMultiplier == 0 {
		return ErrZeroMultiplier
	}
	if c.TargetTrials == 0 {
		return ErrZeroTarget
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("%w: %s", ErrTimeout, c.WaitTimeout)
	}
	switch c.Backend {
	case BackendGPU, BackendCPU:
	default:
		return fmt.Errorf("%w %q (want %s or %s)", ErrBackend, c.Backend, BackendGPU, BackendCPU)
	}
	if _, err := planner.Lookup(c.Strategy); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// Logger builds the process logger for c.LogLevel.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
