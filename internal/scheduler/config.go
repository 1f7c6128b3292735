// Package scheduler runs dispatch jobs under global and per-intent
// concurrency limits.
package scheduler

// Config defines the scheduler configuration.
type Config struct {
	// GlobalMax is the maximum number of concurrent dispatches.
	GlobalMax int `yaml:"global_max"`
	// ByIntent caps concurrent dispatches per intent.
	ByIntent map[string]int `yaml:"by_intent"`
	// DefaultIntentMax applies to intents absent from ByIntent. Zero means
	// only GlobalMax applies.
	DefaultIntentMax int `yaml:"default_intent_max"`
	// MaxPending bounds the queue of jobs waiting for a slot. Zero means
	// unbounded.
	MaxPending int `yaml:"max_pending"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax: 16,
		ByIntent: map[string]int{
			"build":    4,
			"research": 4,
			"workflow": 4,
		},
		MaxPending: 1024,
	}
}

// IntentLimit returns the concurrency limit for an intent, or 0 when only
// the global limit applies.
func (c *Config) IntentLimit(intent string) int {
	if limit, ok := c.ByIntent[intent]; ok {
		return limit
	}
	return c.DefaultIntentMax
}
