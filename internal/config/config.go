package config

import (
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"pcpsched/internal/job"
	"pcpsched/internal/pcp"
	"pcpsched/internal/sched"
)

// Config mirrors config.yml.
type Config struct {
	sched.Config `yaml:",inline"`

	TimeUnitMS          int    `yaml:"time_unit_ms"`          // 100 (by default)
	AcquireTimeoutTicks int    `yaml:"acquire_timeout_ticks"` // 1 (by default)
	Restore             string `yaml:"restore"`               // stack (by default)
	MaxNesting          int    `yaml:"max_nesting"`           // 2 (by default)
	EventBuffer         int    `yaml:"event_buffer"`          // 256 (by default)
	LogLevel            string `yaml:"log_level"`             // info (by default)

	job.Table `yaml:",inline"`
}

func defaultConfig() Config {
	return Config{
		Config:              sched.DefaultConfig(),
		TimeUnitMS:          100,
		AcquireTimeoutTicks: 1,
		Restore:             string(pcp.RestoreStack),
		MaxNesting:          2,
		EventBuffer:         256,
		LogLevel:            "info",
	}
}

// Default is the built-in configuration: default knobs and the reference
// job table.
func Default() Config {
	cfg := defaultConfig()
	cfg.Table = job.ReferenceTable()
	return cfg
}

// Load reads a YAML file and overrides the defaults; empty path = defaults
// only. Unlike a missing optional setting, a missing or malformed file is an
// error.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading config %q", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Annotatef(err, "config %q", path)
	}
	return cfg, nil
}

// Parse decodes YAML. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return Config{}, errors.Trace(err)
	}

	// sanity clamps
	cfg.Config = cfg.Config.Sanitize()
	if cfg.TimeUnitMS <= 0 {
		cfg.TimeUnitMS = 100
	}
	if cfg.AcquireTimeoutTicks <= 0 {
		cfg.AcquireTimeoutTicks = 1
	}
	if cfg.MaxNesting <= 0 {
		cfg.MaxNesting = 2
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if len(cfg.Tasks) == 0 {
		cfg.Table = job.ReferenceTable()
	}
	if _, err := cfg.RestorePolicy(); err != nil {
		return Config{}, err
	}
	if _, err := cfg.Level(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Timebase is the unit-to-tick conversion.
func (c Config) Timebase() job.Timebase {
	return job.Timebase{UnitMS: c.TimeUnitMS, TickMS: c.TickMS}
}

// Limits bound what the job table may use.
func (c Config) Limits() job.Limits {
	return job.Limits{
		MinPriority: sched.MinPriority,
		MaxPriority: c.MaxPriority,
		MaxNesting:  c.MaxNesting,
	}
}

// Compile validates the job table against the configured limits.
func (c Config) Compile() (*job.Compiled, error) {
	return job.Compile(c.Table, c.Timebase(), c.Limits())
}

// RestorePolicy parses the restore key.
func (c Config) RestorePolicy() (pcp.RestorePolicy, error) {
	return pcp.ParseRestorePolicy(c.Restore)
}

// Level parses the log_level key.
func (c Config) Level() (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, errors.NotValidf("log level %q", c.LogLevel)
	}
	return lvl, nil
}

// EngineOptions turns the protocol knobs into engine options. Logger,
// clock and sinks are left to the caller.
func (c Config) EngineOptions() pcp.Options {
	policy, _ := c.RestorePolicy()
	return pcp.Options{
		AcquireTimeout: sched.Tick(c.AcquireTimeoutTicks),
		Restore:        policy,
		MaxNesting:     c.MaxNesting,
	}
}
