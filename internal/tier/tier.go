package tier

import (
	"fmt"
	"strings"
	"time"
)

type Name string

const (
	Free       Name = "free"
	Basic      Name = "basic"
	Pro        Name = "pro"
	Enterprise Name = "enterprise"
)

// ParseName normalizes a tier name coming from configuration or an API key.
func ParseName(s string) (Name, error) {
	switch n := Name(strings.ToLower(strings.TrimSpace(s))); n {
	case Free, Basic, Pro, Enterprise:
		return n, nil
	default:
		return "", fmt.Errorf("tier: unknown tier %q", s)
	}
}

// Algorithm selects how a tier's request window is counted.
type Algorithm string

const (
	FixedWindow   Algorithm = "fixed_window"
	SlidingWindow Algorithm = "sliding_window"
)

func (a Algorithm) Valid() bool {
	return a == FixedWindow || a == SlidingWindow
}

// Overage decides what happens when a charge exceeds the available balance.
type Overage string

const (
	// OverageHard denies any charge that would take the balance below zero.
	OverageHard Overage = "hard"

	// OverageSoft allows the balance to go negative down to the debt ceiling.
	OverageSoft Overage = "soft"
)

func (o Overage) Valid() bool {
	return o == OverageHard || o == OverageSoft
}

// CostRule prices one operation kind. A rule with PerSize > 0 is size
// proportional: Flat + ceil(size/SizeUnit) * PerSize.
type CostRule struct {
	Flat         int64 `yaml:"flat" json:"flat"`
	PerSize      int64 `yaml:"per_size" json:"per_size,omitempty"`
	SizeUnit     int64 `yaml:"size_unit" json:"size_unit,omitempty"`
	EstimateSize int64 `yaml:"estimate_size" json:"estimate_size,omitempty"`
}

// Proportional reports whether the final cost depends on the response size.
func (r CostRule) Proportional() bool {
	return r.PerSize > 0
}

// Params is everything the engine needs to know about one tier.
type Params struct {
	Name              Name                `yaml:"name" json:"name"`
	RequestsPerWindow int                 `yaml:"requests_per_window" json:"requests_per_window"`
	Window            time.Duration       `yaml:"window" json:"window"`
	Algorithm         Algorithm           `yaml:"algorithm" json:"algorithm"`
	BalanceCap        int64               `yaml:"balance_cap" json:"balance_cap"`
	Overage           Overage             `yaml:"overage" json:"overage"`
	DebtCeiling       int64               `yaml:"debt_ceiling" json:"debt_ceiling"`
	Costs             map[string]CostRule `yaml:"costs" json:"costs"`
}

// Floor is the lowest value available may reach after a charge.
func (p Params) Floor() int64 {
	if p.Overage == OverageSoft {
		return -p.DebtCeiling
	}
	return 0
}

func (p Params) validate() error {
	if _, err := ParseName(string(p.Name)); err != nil {
		return err
	}
	if p.RequestsPerWindow <= 0 {
		return fmt.Errorf("tier: %s: requests_per_window must be positive", p.Name)
	}
	if p.Window <= 0 {
		return fmt.Errorf("tier: %s: window must be positive", p.Name)
	}
	if p.Algorithm != "" && !p.Algorithm.Valid() {
		return fmt.Errorf("tier: %s: invalid algorithm %q", p.Name, p.Algorithm)
	}
	if p.BalanceCap < 0 {
		return fmt.Errorf("tier: %s: balance_cap must not be negative", p.Name)
	}
	if p.Overage != "" && !p.Overage.Valid() {
		return fmt.Errorf("tier: %s: invalid overage %q", p.Name, p.Overage)
	}
	if p.DebtCeiling < 0 {
		return fmt.Errorf("tier: %s: debt_ceiling must not be negative", p.Name)
	}
	for op, rule := range p.Costs {
		if rule.Flat < 0 || rule.PerSize < 0 || rule.SizeUnit < 0 || rule.EstimateSize < 0 {
			return fmt.Errorf("tier: %s: cost %q has a negative field", p.Name, op)
		}
		if rule.Proportional() && rule.SizeUnit == 0 {
			return fmt.Errorf("tier: %s: cost %q is size proportional but size_unit is zero", p.Name, op)
		}
	}
	return nil
}
