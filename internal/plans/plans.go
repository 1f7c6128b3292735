// Package plans provides the static plan catalog that maps a plan id to the
// resource limits it grants.
package plans

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/fentz26/tollgate/internal/models"
	"gopkg.in/yaml.v3"
)

// DefaultPlanID is the no-commitment plan every new tenant starts on.
const DefaultPlanID = "free"

// ErrUnknownPlan is returned when a plan id is not in the catalog.
var ErrUnknownPlan = errors.New("unknown plan")

// Plan is an immutable plan definition.
type Plan struct {
	ID     string                         `yaml:"id" json:"id"`
	Name   string                         `yaml:"name" json:"name"`
	Tier   int                            `yaml:"tier" json:"tier"`
	Limits map[models.ResourceKey]float64 `yaml:"limits" json:"limits"`
}

func clonePlan(p Plan) Plan {
	c := p
	c.Limits = make(map[models.ResourceKey]float64, len(p.Limits))
	for k, v := range p.Limits {
		c.Limits[k] = v
	}
	return c
}

// Catalog is a read-only set of plans. It is safe for concurrent use once
// constructed.
type Catalog struct {
	plans     map[string]Plan
	defaultID string
}

// BuiltinPlans returns the shipped tiers.
func BuiltinPlans() []Plan {
	return []Plan{
		{
			ID: DefaultPlanID, Name: "No commitment", Tier: 0,
			Limits: map[models.ResourceKey]float64{
				models.ResourceSearchCalls:        0,
				models.ResourceComputeMinutes:     0,
				models.ResourceStorageGB:          0,
				models.ResourceTTSCharacters:      0,
				models.ResourceWorkflowExecutions: 0,
				models.ResourceAPICalls:           100,
			},
		},
		{
			ID: "starter", Name: "Starter", Tier: 1,
			Limits: map[models.ResourceKey]float64{
				models.ResourceSearchCalls:        100,
				models.ResourceComputeMinutes:     60,
				models.ResourceStorageGB:          1,
				models.ResourceTTSCharacters:      10000,
				models.ResourceWorkflowExecutions: 50,
				models.ResourceAPICalls:           1000,
			},
		},
		{
			ID: "pro", Name: "Pro", Tier: 2,
			Limits: map[models.ResourceKey]float64{
				models.ResourceSearchCalls:        1000,
				models.ResourceComputeMinutes:     600,
				models.ResourceStorageGB:          10,
				models.ResourceTTSCharacters:      100000,
				models.ResourceWorkflowExecutions: 500,
				models.ResourceAPICalls:           10000,
			},
		},
		{
			ID: "business", Name: "Business", Tier: 3,
			Limits: map[models.ResourceKey]float64{
				models.ResourceSearchCalls:        10000,
				models.ResourceComputeMinutes:     6000,
				models.ResourceStorageGB:          100,
				models.ResourceTTSCharacters:      1000000,
				models.ResourceWorkflowExecutions: 5000,
				models.ResourceAPICalls:           100000,
			},
		},
	}
}

// NewCatalog builds a catalog from plans. defaultID must name one of them.
func NewCatalog(defaultID string, plans ...Plan) (*Catalog, error) {
	c := &Catalog{plans: make(map[string]Plan, len(plans)), defaultID: defaultID}
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan id cannot be empty")
		}
		c.plans[p.ID] = clonePlan(p)
	}
	if _, ok := c.plans[defaultID]; !ok {
		return nil, fmt.Errorf("default plan %q: %w", defaultID, ErrUnknownPlan)
	}
	return c, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPlanID, BuiltinPlans()...)
	if err != nil {
		panic(err)
	}
	return c
}

// fileFormat is the on-disk YAML layout for catalog overrides.
type fileFormat struct {
	Default string `yaml:"default"`
	Plans   []Plan `yaml:"plans"`
}

// LoadCatalog reads plans from a YAML file and merges them over the
// built-in tiers. A missing file yields the built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultCatalog(), nil
		}
		return nil, fmt.Errorf("reading plan catalog: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing plan catalog: %w", err)
	}
	return Merge(f.Default, f.Plans)
}

// Merge overlays extra plans on the built-ins. An empty defaultID keeps
// DefaultPlanID.
func Merge(defaultID string, extra []Plan) (*Catalog, error) {
	if defaultID == "" {
		defaultID = DefaultPlanID
	}
	byID := make(map[string]Plan)
	for _, p := range BuiltinPlans() {
		byID[p.ID] = p
	}
	for _, p := range extra {
		byID[p.ID] = p
	}
	all := make([]Plan, 0, len(byID))
	for _, p := range byID {
		all = append(all, p)
	}
	return NewCatalog(defaultID, all...)
}

// Get returns a copy of the plan with the given id.
func (c *Catalog) Get(id string) (Plan, bool) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, false
	}
	return clonePlan(p), true
}

// Has reports whether id is a known plan.
func (c *Catalog) Has(id string) bool {
	_, ok := c.plans[id]
	return ok
}

// Default returns the default plan.
func (c *Catalog) Default() Plan {
	return clonePlan(c.plans[c.defaultID])
}

// List returns all plans ordered by tier, then id.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, clonePlan(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Validate checks that limits never decrease from one tier to the next.
// This is an authoring check and is not enforced at runtime.
func (c *Catalog) Validate() error {
	plans := c.List()
	for i := 1; i < len(plans); i++ {
		lower, upper := plans[i-1], plans[i]
		if lower.Tier == upper.Tier {
			continue
		}
		for key, lim := range lower.Limits {
			if upper.Limits[key] < lim {
				return fmt.Errorf("plan %q grants less %s (%g) than lower tier %q (%g)",
					upper.ID, key, upper.Limits[key], lower.ID, lim)
			}
		}
	}
	return nil
}
