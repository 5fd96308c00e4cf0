package sched

import "time"

const (
	// MinPriority is the idle priority; nothing runs below it.
	MinPriority = 0
	// DefaultMaxPriority mirrors a typical small RTOS build with 8 levels.
	DefaultMaxPriority = 7
)

// Config holds the kernel part of the YAML configuration.
type Config struct {
	TickMS      int `yaml:"tick_ms"`      // 10 (by default)
	MaxPriority int `yaml:"max_priority"` // 7 (by default)
}

// DefaultConfig is used when the config file leaves the kernel section empty.
func DefaultConfig() Config {
	return Config{
		TickMS:      10,
		MaxPriority: DefaultMaxPriority,
	}
}

// Sanitize applies the sanity clamps.
func (c Config) Sanitize() Config {
	if c.TickMS <= 0 {
		c.TickMS = 10
	}
	if c.MaxPriority <= MinPriority {
		c.MaxPriority = DefaultMaxPriority
	}
	return c
}

// TickDuration is the wall-clock length of one tick.
func (c Config) TickDuration() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}
