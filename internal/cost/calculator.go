// Package cost prices operations in quota units.
package cost

import (
	"fmt"
	"math"

	"github.com/aman-churiwal/quotagate/internal/quota"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

// UnknownMode is what to do with an operation the tier does not price.
type UnknownMode string

const (
	UnknownDeny        UnknownMode = "deny"
	UnknownDefaultCost UnknownMode = "default_cost"
	UnknownFree        UnknownMode = "free"
)

// UnknownPolicy configures pricing for unregistered operation kinds.
type UnknownPolicy struct {
	Mode        UnknownMode
	DefaultCost int64
}

func (p UnknownPolicy) Validate() error {
	switch p.Mode {
	case UnknownDeny, UnknownFree, "":
		return nil
	case UnknownDefaultCost:
		if p.DefaultCost < 0 {
			return fmt.Errorf("cost: default_cost must not be negative")
		}
		return nil
	default:
		return fmt.Errorf("cost: invalid on_unknown_operation %q", p.Mode)
	}
}

// Calculator is stateless; all methods are safe for concurrent use.
type Calculator struct {
	catalog *tier.Catalog
	unknown UnknownPolicy
}

func NewCalculator(catalog *tier.Catalog, unknown UnknownPolicy) *Calculator {
	if unknown.Mode == "" {
		unknown.Mode = UnknownDeny
	}
	return &Calculator{catalog: catalog, unknown: unknown}
}

// Cost returns the estimated charge for an operation. sizeHint may be nil, in
// which case size-proportional rules use their configured estimate.
func (c *Calculator) Cost(operation string, name tier.Name, sizeHint *int64) (int64, error) {
	rule, err := c.rule(operation, name)
	if err != nil {
		return 0, err
	}
	if rule == nil {
		return c.unknownCost(operation)
	}

	size := rule.EstimateSize
	if sizeHint != nil {
		size = *sizeHint
	}
	return Price(*rule, size), nil
}

// Actual returns the final charge once the response size is known.
func (c *Calculator) Actual(operation string, name tier.Name, size int64) (int64, error) {
	return c.Cost(operation, name, &size)
}

// Proportional reports whether the operation's cost depends on size. Unknown
// operations are priced flat.
func (c *Calculator) Proportional(operation string, name tier.Name) bool {
	rule, err := c.rule(operation, name)
	return err == nil && rule != nil && rule.Proportional()
}

func (c *Calculator) rule(operation string, name tier.Name) (*tier.CostRule, error) {
	params, ok := c.catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", quota.ErrUnknownTier, name)
	}
	rule, ok := params.Costs[operation]
	if !ok {
		return nil, nil
	}
	return &rule, nil
}

func (c *Calculator) unknownCost(operation string) (int64, error) {
	switch c.unknown.Mode {
	case UnknownFree:
		return 0, nil
	case UnknownDefaultCost:
		return c.unknown.DefaultCost, nil
	default:
		return 0, fmt.Errorf("%w: %q", quota.ErrUnknownOperation, operation)
	}
}

// Price applies a rule to a size. The result saturates at math.MaxInt64 and is
// never negative.
func Price(rule tier.CostRule, size int64) int64 {
	total := max(rule.Flat, 0)
	if !rule.Proportional() || size <= 0 {
		return total
	}

	blocks := size / rule.SizeUnit
	if size%rule.SizeUnit != 0 {
		blocks++
	}
	return saturatingAdd(total, saturatingMul(blocks, rule.PerSize))
}

func saturatingAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func saturatingMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxInt64/b {
		return math.MaxInt64
	}
	return a * b
}
