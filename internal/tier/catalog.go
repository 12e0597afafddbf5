// Package tier maps subscription tiers to their rate limits, unit costs and
// overage policy. The catalog is built once from configuration and is
// read-only afterwards, so lookups need no locking.
package tier

import (
	"fmt"
	"sort"
	"time"
)

// Defaults applied to tiers that leave a policy field empty.
type Defaults struct {
	Algorithm   Algorithm
	Overage     Overage
	DebtCeiling int64
}

type Catalog struct {
	tiers map[Name]Params
}

// NewCatalog validates params and fills empty policy fields from defaults.
func NewCatalog(defaults Defaults, params ...Params) (*Catalog, error) {
	if defaults.Algorithm == "" {
		defaults.Algorithm = FixedWindow
	}
	if defaults.Overage == "" {
		defaults.Overage = OverageHard
	}

	c := &Catalog{tiers: make(map[Name]Params, len(params))}
	for _, p := range params {
		if p.Algorithm == "" {
			p.Algorithm = defaults.Algorithm
		}
		if p.Overage == "" {
			p.Overage = defaults.Overage
			if p.DebtCeiling == 0 {
				p.DebtCeiling = defaults.DebtCeiling
			}
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.tiers[p.Name]; dup {
			return nil, fmt.Errorf("tier: duplicate tier %q", p.Name)
		}
		c.tiers[p.Name] = p
	}
	if len(c.tiers) == 0 {
		return nil, fmt.Errorf("tier: catalog needs at least one tier")
	}
	return c, nil
}

// Lookup returns the params for a tier.
func (c *Catalog) Lookup(name Name) (Params, bool) {
	p, ok := c.tiers[name]
	return p, ok
}

// Names returns the configured tiers in a stable order.
func (c *Catalog) Names() []Name {
	names := make([]Name, 0, len(c.tiers))
	for n := range c.tiers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// DefaultParams is the catalog used when configuration does not list tiers.
func DefaultParams() []Params {
	return []Params{
		{
			Name:              Free,
			RequestsPerWindow: 5,
			Window:            time.Minute,
			BalanceCap:        100,
			Overage:           OverageHard,
			Costs: map[string]CostRule{
				"search": {Flat: 10},
				"export": {Flat: 5, PerSize: 1, SizeUnit: 1024, EstimateSize: 16 * 1024},
			},
		},
		{
			Name:              Basic,
			RequestsPerWindow: 60,
			Window:            time.Minute,
			BalanceCap:        1_000,
			Overage:           OverageHard,
			Costs: map[string]CostRule{
				"search": {Flat: 8},
				"export": {Flat: 4, PerSize: 1, SizeUnit: 1024, EstimateSize: 16 * 1024},
			},
		},
		{
			Name:              Pro,
			RequestsPerWindow: 600,
			Window:            time.Minute,
			Algorithm:         SlidingWindow,
			BalanceCap:        10_000,
			Overage:           OverageSoft,
			DebtCeiling:       1_000,
			Costs: map[string]CostRule{
				"search": {Flat: 5},
				"export": {Flat: 2, PerSize: 1, SizeUnit: 2048, EstimateSize: 32 * 1024},
			},
		},
		{
			Name:              Enterprise,
			RequestsPerWindow: 6_000,
			Window:            time.Minute,
			Algorithm:         SlidingWindow,
			BalanceCap:        100_000,
			Overage:           OverageSoft,
			DebtCeiling:       50_000,
			Costs: map[string]CostRule{
				"search": {Flat: 2},
				"export": {Flat: 1, PerSize: 1, SizeUnit: 4096, EstimateSize: 64 * 1024},
			},
		},
	}
}
