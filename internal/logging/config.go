package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap/zapcore"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
	FormatAuto    = "auto"
)

// Config holds logging configuration.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewDefaultConfig returns info-level logging with the format picked from the terminal.
func NewDefaultConfig() *Config {
	return &Config{Level: "info", Format: FormatAuto}
}

// Validate checks level and format.
func (c *Config) Validate() error {
	if _, err := c.zapLevel(); err != nil {
		return err
	}
	switch c.Format {
	case FormatJSON, FormatConsole, FormatAuto, "":
		return nil
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
}

func (c *Config) zapLevel() (zapcore.Level, error) {
	if c.Level == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	return lvl, nil
}

// resolvedFormat turns "auto" into console on a terminal and json otherwise.
func (c *Config) resolvedFormat() string {
	if c.Format == FormatJSON || c.Format == FormatConsole {
		return c.Format
	}
	fd := os.Stderr.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return FormatConsole
	}
	return FormatJSON
}
