// Package config loads the automation configuration of a project.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/endorhq/rover-sub004/internal/logging"
	"github.com/endorhq/rover-sub004/internal/orchestrator"
	"github.com/endorhq/rover-sub004/internal/scm"
	"github.com/endorhq/rover-sub004/internal/steps"
	"github.com/endorhq/rover-sub004/internal/store"
)

// FileName is the configuration file inside a project's .rover directory.
const FileName = "automation.yaml"

// Environment overrides for secrets that should not live in the file.
const (
	EnvGitHubToken   = "GITHUB_TOKEN"
	EnvWebhookSecret = "GITHUB_WEBHOOK_SECRET"
)

// Config is the complete daemon configuration.
type Config struct {
	Project ProjectConfig `yaml:"project"`
	// DataDir overrides the directory holding the pipeline database.
	DataDir string `yaml:"data_dir,omitempty"`
	// Verbose logs reasoner prompts and output at debug level.
	Verbose   bool                `yaml:"verbose"`
	Log       logging.Config      `yaml:"log"`
	Scheduler orchestrator.Config `yaml:"scheduler"`
	Reasoning ReasoningConfig     `yaml:"reasoning"`
	GitHub    GitHubConfig        `yaml:"github"`
	Server    ServerConfig        `yaml:"server"`
	Inbox     InboxConfig         `yaml:"inbox"`
	Planner   PlannerConfig       `yaml:"planner"`
}

// ProjectConfig identifies the repository the pipeline works on. Owner and
// repo are resolved from the origin remote when empty.
type ProjectConfig struct {
	Root  string `yaml:"root"`
	Owner string `yaml:"owner,omitempty"`
	Repo  string `yaml:"repo,omitempty"`
}

// ReasoningConfig selects the reasoning CLI. An empty binary picks the first
// detected agent.
type ReasoningConfig struct {
	Binary  string        `yaml:"binary,omitempty"`
	Model   string        `yaml:"model,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

// GitHubConfig holds API credentials and retry policy.
type GitHubConfig struct {
	Token         string          `yaml:"token,omitempty"`
	WebhookSecret string          `yaml:"webhook_secret,omitempty"`
	Retry         scm.RetryConfig `yaml:"retry"`
}

// ServerConfig configures the HTTP control plane.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// WebhookRateLimit is the sustained webhook rate per client, per second.
	WebhookRateLimit float64 `yaml:"webhook_rate_limit"`
	WebhookBurst     int     `yaml:"webhook_burst"`
}

// InboxConfig configures the event inbox directory. Empty disables it.
type InboxConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// PlannerConfig bounds planning.
type PlannerConfig struct {
	MaxTasks int `yaml:"max_tasks"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Project:   ProjectConfig{Root: "."},
		Log:       *logging.NewDefaultConfig(),
		Scheduler: *orchestrator.DefaultConfig(),
		Reasoning: ReasoningConfig{Timeout: 10 * time.Minute},
		GitHub:    GitHubConfig{Retry: *scm.DefaultRetryConfig()},
		Server: ServerConfig{
			Listen:           "127.0.0.1:7466",
			WebhookRateLimit: 5,
			WebhookBurst:     20,
		},
		Planner: PlannerConfig{MaxTasks: steps.DefaultMaxPlannedTasks},
	}
}

// Path returns the configuration file path for a project root.
func Path(projectRoot string) string {
	return filepath.Join(projectRoot, ".rover", FileName)
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.GitHub.Retry.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromProject loads <root>/.rover/automation.yaml and anchors the
// project root at root when the file does not set one.
func LoadFromProject(root string) (*Config, error) {
	cfg, err := Load(Path(root))
	if err != nil {
		return nil, err
	}
	if cfg.Project.Root == "" || cfg.Project.Root == "." {
		cfg.Project.Root = root
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	// secrets come from the environment, never from a generated file
	out := *cfg
	out.GitHub.Token = ""
	out.GitHub.WebhookSecret = ""

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvGitHubToken); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		c.GitHub.WebhookSecret = v
	}
	if c.Verbose {
		c.Log.Level = "debug"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Project.Root == "" {
		return fmt.Errorf("project.root is required")
	}
	if (c.Project.Owner == "") != (c.Project.Repo == "") {
		return fmt.Errorf("project.owner and project.repo must be set together")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if c.Reasoning.Timeout < 0 {
		return fmt.Errorf("reasoning.timeout must not be negative")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.WebhookRateLimit <= 0 || c.Server.WebhookBurst <= 0 {
		return fmt.Errorf("server webhook rate limit and burst must be positive")
	}
	if c.Planner.MaxTasks <= 0 {
		return fmt.Errorf("planner.max_tasks must be positive, got %d", c.Planner.MaxTasks)
	}
	return nil
}

// DatabasePath returns the pipeline database location.
func (c *Config) DatabasePath() string {
	if c.DataDir != "" {
		return filepath.Join(c.DataDir, store.DefaultFile)
	}
	return store.Path(c.Project.Root)
}
