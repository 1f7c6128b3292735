// Package config loads the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/tollgate/internal/connectors/localexec"
	"github.com/fentz26/tollgate/internal/models"
	"github.com/fentz26/tollgate/internal/plans"
	"github.com/fentz26/tollgate/internal/retention"
	"github.com/fentz26/tollgate/internal/router"
	"github.com/fentz26/tollgate/internal/scheduler"
)

// DefaultAddr is where the daemon listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:7466"

// Config is the full daemon configuration.
type Config struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`

	Ledger    LedgerConfig     `yaml:"ledger"`
	Plans     []plans.Plan     `yaml:"plans"`
	Retention retention.Config `yaml:"retention"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Router    *router.Config   `yaml:"router"`

	// Executors binds routing roles to local commands.
	Executors []Executor `yaml:"executors"`
	// Allowlist names the command basenames executors may run.
	Allowlist []string `yaml:"allowlist"`
	// Estimates overrides the per-intent admission request.
	Estimates map[string]map[models.ResourceKey]float64 `yaml:"estimates"`
}

// LedgerConfig controls billing cycles.
type LedgerConfig struct {
	CycleLength time.Duration `yaml:"cycle_length"`
	DefaultPlan string        `yaml:"default_plan"`
}

// Executor binds a role to a local command.
type Executor struct {
	Role           string `yaml:"role"`
	localexec.Spec `yaml:",inline"`
}

// Dir returns ~/.tollgate, or .tollgate if the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tollgate"
	}
	return filepath.Join(home, ".tollgate")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:   DefaultAddr,
		DBPath: filepath.Join(Dir(), "tollgate.db"),
		Ledger: LedgerConfig{
			CycleLength: 30 * 24 * time.Hour,
			DefaultPlan: plans.DefaultPlanID,
		},
		Retention: retention.Config{
			TTL:      retention.DefaultTTL,
			Interval: retention.DefaultInterval,
		},
		Scheduler: *scheduler.DefaultConfig(),
		Router:    router.DefaultConfig(),
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	// The routing table is decoded on its own so a file can drop built-in
	// routes instead of merging into them.
	cfg.Router = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Router == nil {
		cfg.Router = router.DefaultConfig()
	} else {
		cfg.Router.ApplyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromHome loads ~/.tollgate/config.yaml.
func LoadFromHome() (*Config, error) {
	return Load(filepath.Join(Dir(), "config.yaml"))
}

// Catalog builds the plan catalog: built-in tiers merged with configured
// plans.
func (c *Config) Catalog() (*plans.Catalog, error) {
	return plans.Merge(c.Ledger.DefaultPlan, c.Plans)
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Ledger.CycleLength <= 0 {
		return fmt.Errorf("ledger.cycle_length must be positive")
	}
	if c.Router == nil {
		c.Router = router.DefaultConfig()
	}
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("plans: %w", err)
	}
	seen := map[string]bool{}
	for i, e := range c.Executors {
		if e.Role == "" {
			return fmt.Errorf("executors[%d]: role is required", i)
		}
		if e.Command == "" {
			return fmt.Errorf("executors[%d]: command is required", i)
		}
		if seen[e.Role] {
			return fmt.Errorf("executors[%d]: duplicate role %q", i, e.Role)
		}
		seen[e.Role] = true
	}
	return nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
