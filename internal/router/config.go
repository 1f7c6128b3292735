package router

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the routing table and intent classifier.
type Config struct {
	// DefaultIntent is used when a request has no intent and no rule matches.
	DefaultIntent string `yaml:"default_intent"`
	// Verifier is the role appended to every route with Verify set.
	Verifier string `yaml:"verifier"`
	// Routes maps an intent to the executor roles it requires.
	Routes map[string]Route `yaml:"routes"`
	// Rules classify free-text queries into intents.
	Rules []ClassifyRule `yaml:"rules"`
	// InputTimeout bounds how long a task may wait in input-required.
	// Zero means the default; a negative value disables the bound.
	InputTimeout time.Duration `yaml:"input_timeout"`
	// MaxInputRounds caps follow-up requests per role.
	MaxInputRounds int `yaml:"max_input_rounds"`
}

// Route lists required roles in invocation order; the first is the primary.
type Route struct {
	Roles  []string `yaml:"roles"`
	Verify bool     `yaml:"verify"`
}

// ClassifyRule maps keywords or a regex pattern to an intent.
type ClassifyRule struct {
	Intent   string   `yaml:"intent"`
	Keywords []string `yaml:"keywords"`
	Pattern  string   `yaml:"pattern,omitempty"`
}

// DefaultConfig returns the built-in routing table.
func DefaultConfig() *Config {
	return &Config{
		DefaultIntent: "chat",
		Verifier:      "verifier",
		Routes: map[string]Route{
			"chat":     {Roles: []string{"responder"}},
			"question": {Roles: []string{"responder"}},
			"build":    {Roles: []string{"builder"}, Verify: true},
			"research": {Roles: []string{"researcher"}, Verify: true},
			"workflow": {Roles: []string{"workflow"}, Verify: true},
		},
		Rules: []ClassifyRule{
			{Intent: "build", Keywords: []string{"build", "create", "implement", "generate", "code", "app", "website"}},
			{Intent: "research", Keywords: []string{"research", "investigate", "compare", "analyze", "find sources", "report"}},
			{Intent: "workflow", Keywords: []string{"workflow", "automate", "schedule", "pipeline"}},
			{Intent: "question", Pattern: `\?\s*$`},
		},
		InputTimeout:   30 * time.Minute,
		MaxInputRounds: 3,
	}
}

// LoadConfig loads a routing config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading router config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing router config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid router config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills fields left empty by a decoded file. A file that
// declares routes replaces the built-in table; built-in classifier rules and
// the default intent are kept only where they target a declared route.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	custom := c.Routes != nil
	if !custom {
		c.Routes = def.Routes
	}
	if c.Verifier == "" {
		c.Verifier = def.Verifier
	}
	if c.DefaultIntent == "" {
		if _, ok := c.Routes[def.DefaultIntent]; ok {
			c.DefaultIntent = def.DefaultIntent
		}
	}
	if c.Rules == nil {
		for _, rule := range def.Rules {
			if _, ok := c.Routes[rule.Intent]; ok || !custom {
				c.Rules = append(c.Rules, rule)
			}
		}
	}
	if c.InputTimeout == 0 {
		c.InputTimeout = def.InputTimeout
	}
	if c.MaxInputRounds == 0 {
		c.MaxInputRounds = def.MaxInputRounds
	}
}

// LoadConfigFromHome loads ~/.tollgate/routes.yaml.
func LoadConfigFromHome() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadConfig(filepath.Join(home, ".tollgate", "routes.yaml"))
}

// Validate checks the routing table is usable.
func (c *Config) Validate() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	for intent, r := range c.Routes {
		if len(r.Roles) == 0 {
			return fmt.Errorf("route %q has no roles", intent)
		}
		if r.Verify && c.Verifier == "" {
			return fmt.Errorf("route %q requires verification but no verifier role is set", intent)
		}
	}
	if c.DefaultIntent != "" {
		if _, ok := c.Routes[c.DefaultIntent]; !ok {
			return fmt.Errorf("default intent %q has no route", c.DefaultIntent)
		}
	}
	for _, rule := range c.Rules {
		if _, ok := c.Routes[rule.Intent]; !ok {
			return fmt.Errorf("classifier rule targets unknown intent %q", rule.Intent)
		}
	}
	if c.MaxInputRounds < 0 {
		return fmt.Errorf("max_input_rounds must not be negative")
	}
	return nil
}

// Plan returns the ordered roles required for intent.
func (c *Config) Plan(intent string) ([]string, bool) {
	r, ok := c.Routes[intent]
	if !ok {
		return nil, false
	}
	roles := append([]string(nil), r.Roles...)
	if r.Verify {
		roles = append(roles, c.Verifier)
	}
	return roles, true
}

// Roles returns every role referenced by the table.
func (c *Config) Roles() []string {
	seen := map[string]bool{}
	var out []string
	add := func(r string) {
		if r != "" && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, r := range c.Routes {
		for _, role := range r.Roles {
			add(role)
		}
		if r.Verify {
			add(c.Verifier)
		}
	}
	return out
}
