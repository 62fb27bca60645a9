package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/labforge/pkg/configmgmt"
	"github.com/openfroyo/labforge/pkg/objectstore"
	"github.com/openfroyo/labforge/pkg/policy"
	"github.com/openfroyo/labforge/pkg/provisioning"
	"github.com/openfroyo/labforge/pkg/stores"
	"github.com/openfroyo/labforge/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvDataDir  = "LABFORGE_DATA_DIR"
	EnvLogLevel = "LOG_LEVEL"
)

// AppConfig is the labforge configuration file.
type AppConfig struct {
	DataDir   string           `yaml:"data_dir"`
	Database  DatabaseConfig   `yaml:"database"`
	Workspace WorkspaceConfig  `yaml:"workspace"`
	Engines   EnginesConfig    `yaml:"engines"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Archive   ArchiveConfig    `yaml:"archive"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type DatabaseConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
}

type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type EnginesConfig struct {
	Terraform TerraformConfig `yaml:"terraform"`
	Ansible   AnsibleConfig   `yaml:"ansible"`
}

type TerraformConfig struct {
	Binary         string        `yaml:"binary"`
	InitTimeout    time.Duration `yaml:"init_timeout" validate:"gte=0"`
	PlanTimeout    time.Duration `yaml:"plan_timeout" validate:"gte=0"`
	ApplyTimeout   time.Duration `yaml:"apply_timeout" validate:"gte=0"`
	DestroyTimeout time.Duration `yaml:"destroy_timeout" validate:"gte=0"`
	OutputTimeout  time.Duration `yaml:"output_timeout" validate:"gte=0"`
}

type AnsibleConfig struct {
	Binary          string        `yaml:"binary"`
	PlaybookBinary  string        `yaml:"playbook_binary"`
	PingTimeout     time.Duration `yaml:"ping_timeout" validate:"gte=0"`
	PlaybookTimeout time.Duration `yaml:"playbook_timeout" validate:"gte=0"`
}

type PipelineConfig struct {
	// GenerateKeys creates an SSH key pair per lab when none exists.
	GenerateKeys bool `yaml:"generate_keys"`
}

type ArchiveConfig struct {
	Dir       string             `yaml:"dir"`
	Retention int                `yaml:"retention" validate:"gte=1"`
	Mirror    objectstore.Config `yaml:"mirror"`
}

type PolicyConfig struct {
	Paths  []string      `yaml:"paths"`
	Watch  bool          `yaml:"watch"`
	Limits policy.Limits `yaml:"limits"`
}

// DefaultDataDir returns ~/.labforge, or .labforge when the home directory
// is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".labforge"
	}
	return filepath.Join(home, ".labforge")
}

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	tf := provisioning.DefaultRunnerConfig()
	an := configmgmt.DefaultRunnerConfig()
	return &AppConfig{
		DataDir:  DefaultDataDir(),
		Database: DatabaseConfig{MaxOpenConns: 1},
		Engines: EnginesConfig{
			Terraform: TerraformConfig{
				Binary:         tf.Binary,
				InitTimeout:    tf.InitTimeout,
				PlanTimeout:    tf.PlanTimeout,
				ApplyTimeout:   tf.ApplyTimeout,
				DestroyTimeout: tf.DestroyTimeout,
				OutputTimeout:  tf.OutputTimeout,
			},
			Ansible: AnsibleConfig{
				Binary:          an.AnsibleBinary,
				PlaybookBinary:  an.PlaybookBinary,
				PingTimeout:     an.PingTimeout,
				PlaybookTimeout: an.PlaybookTimeout,
			},
		},
		Pipeline:  PipelineConfig{GenerateKeys: true},
		Archive:   ArchiveConfig{Retention: 10},
		Policy:    PolicyConfig{Limits: policy.DefaultLimits()},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults. Environment overrides and derived paths are applied afterwards.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *AppConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		c.DataDir = dir
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Telemetry.Logging.Level = level
	}
}

// resolvePaths fills empty paths from DataDir and anchors relative ones to it.
func (c *AppConfig) resolvePaths() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	c.Database.Path = c.under(c.Database.Path, "labforge.db")
	c.Workspace.Root = c.under(c.Workspace.Root, "workspaces")
	c.Archive.Dir = c.under(c.Archive.Dir, "archives")
	if len(c.Policy.Paths) == 0 {
		c.Policy.Paths = []string{"policies"}
	}
	for i, p := range c.Policy.Paths {
		c.Policy.Paths[i] = c.under(p, "policies")
	}
}

func (c *AppConfig) under(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// Validate checks the configuration.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// ProvisioningRunner maps the terraform section onto a runner config.
func (c *AppConfig) ProvisioningRunner() provisioning.RunnerConfig {
	t := c.Engines.Terraform
	return provisioning.RunnerConfig{
		Binary:         t.Binary,
		InitTimeout:    t.InitTimeout,
		PlanTimeout:    t.PlanTimeout,
		ApplyTimeout:   t.ApplyTimeout,
		DestroyTimeout: t.DestroyTimeout,
		OutputTimeout:  t.OutputTimeout,
	}
}

// ConfigRunner maps the ansible section onto a runner config.
func (c *AppConfig) ConfigRunner() configmgmt.RunnerConfig {
	a := c.Engines.Ansible
	return configmgmt.RunnerConfig{
		AnsibleBinary:   a.Binary,
		PlaybookBinary:  a.PlaybookBinary,
		PingTimeout:     a.PingTimeout,
		PlaybookTimeout: a.PlaybookTimeout,
	}
}

// StoreConfig maps the database section onto a store config.
func (c *AppConfig) StoreConfig() stores.Config {
	return stores.Config{
		Path:         c.Database.Path,
		MaxOpenConns: c.Database.MaxOpenConns,
		MaxIdleConns: c.Database.MaxOpenConns,
	}
}
