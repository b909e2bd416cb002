package orchestrator

import (
	"fmt"
	"time"

	"github.com/endorhq/rover-sub004/internal/models"
)

// Config defines the scheduling loop configuration.
type Config struct {
	// TickInterval is the period of the scheduling timer.
	TickInterval time.Duration `yaml:"tick_interval"`
	// GlobalMax is the maximum number of in-flight invocations across all
	// step types. Zero means unlimited.
	GlobalMax int `yaml:"global_max"`
	// ByStep overrides a step's maxParallel, keyed by action type.
	ByStep map[string]int `yaml:"by_step"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval: time.Second,
		GlobalMax:    10,
	}
}

// StepLimit returns the concurrency limit for an action type, falling back to
// the step's own maxParallel.
func (c *Config) StepLimit(action models.ActionType, fallback int) int {
	if limit, ok := c.ByStep[string(action)]; ok && limit > 0 {
		return limit
	}
	if fallback < 1 {
		return 1
	}
	return fallback
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}
	if c.GlobalMax < 0 {
		return fmt.Errorf("global_max must not be negative, got %d", c.GlobalMax)
	}
	for name, limit := range c.ByStep {
		if !models.ActionType(name).Known() {
			return fmt.Errorf("by_step: unknown action type %q", name)
		}
		if limit <= 0 {
			return fmt.Errorf("by_step: limit for %q must be positive, got %d", name, limit)
		}
	}
	return nil
}
