package cost

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aman-churiwal/quotagate/internal/quota"
	"github.com/aman-churiwal/quotagate/internal/tier"
)

func testCatalog(t *testing.T) *tier.Catalog {
	t.Helper()
	c, err := tier.NewCatalog(tier.Defaults{}, tier.DefaultParams()...)
	require.NoError(t, err)
	return c
}

func size(n int64) *int64 { return &n }

func TestCost_Flat(t *testing.T) {
	calc := NewCalculator(testCatalog(t), UnknownPolicy{})

	got, err := calc.Cost("search", tier.Free, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)

	// Flat rules ignore the size hint.
	got, err = calc.Cost("search", tier.Free, size(1<<20))
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)
	assert.False(t, calc.Proportional("search", tier.Free))
}

func TestCost_Proportional(t *testing.T) {
	calc := NewCalculator(testCatalog(t), UnknownPolicy{})

	// free export: 5 + ceil(size/1024) * 1
	got, err := calc.Cost("export", tier.Free, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5+16), got, "estimate_size is used without a hint")

	got, err = calc.Cost("export", tier.Free, size(1025))
	require.NoError(t, err)
	assert.Equal(t, int64(5+2), got)

	got, err = calc.Actual("export", tier.Free, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
	assert.True(t, calc.Proportional("export", tier.Free))
}

func TestCost_UnknownOperationPolicies(t *testing.T) {
	catalog := testCatalog(t)

	_, err := NewCalculator(catalog, UnknownPolicy{Mode: UnknownDeny}).Cost("delete", tier.Free, nil)
	assert.ErrorIs(t, err, quota.ErrUnknownOperation)

	got, err := NewCalculator(catalog, UnknownPolicy{Mode: UnknownFree}).Cost("delete", tier.Free, nil)
	require.NoError(t, err)
	assert.Zero(t, got)

	got, err = NewCalculator(catalog, UnknownPolicy{Mode: UnknownDefaultCost, DefaultCost: 7}).Cost("delete", tier.Free, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)
}

func TestCost_UnknownTier(t *testing.T) {
	calc := NewCalculator(testCatalog(t), UnknownPolicy{Mode: UnknownFree})
	_, err := calc.Cost("search", "gold", nil)
	assert.ErrorIs(t, err, quota.ErrUnknownTier)
}

func TestPrice_Saturates(t *testing.T) {
	rule := tier.CostRule{Flat: 10, PerSize: math.MaxInt64 / 2, SizeUnit: 1}
	assert.Equal(t, int64(math.MaxInt64), Price(rule, 4))

	assert.Equal(t, int64(0), Price(tier.CostRule{Flat: -3}, 0))
}

func TestUnknownPolicy_Validate(t *testing.T) {
	assert.NoError(t, UnknownPolicy{Mode: UnknownDefaultCost, DefaultCost: 3}.Validate())
	assert.Error(t, UnknownPolicy{Mode: UnknownDefaultCost, DefaultCost: -1}.Validate())
	assert.Error(t, UnknownPolicy{Mode: "charge"}.Validate())
}
