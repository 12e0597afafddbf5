package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCatalog_AppliesDefaults(t *testing.T) {
	c, err := NewCatalog(Defaults{Algorithm: SlidingWindow, Overage: OverageSoft, DebtCeiling: 25},
		Params{Name: Free, RequestsPerWindow: 5, Window: time.Minute, BalanceCap: 100},
		Params{Name: Pro, RequestsPerWindow: 50, Window: time.Minute, Algorithm: FixedWindow, Overage: OverageHard},
	)
	require.NoError(t, err)

	free, ok := c.Lookup(Free)
	require.True(t, ok)
	assert.Equal(t, SlidingWindow, free.Algorithm)
	assert.Equal(t, OverageSoft, free.Overage)
	assert.Equal(t, int64(-25), free.Floor())

	pro, ok := c.Lookup(Pro)
	require.True(t, ok)
	assert.Equal(t, FixedWindow, pro.Algorithm)
	assert.Equal(t, int64(0), pro.Floor())

	_, ok = c.Lookup(Enterprise)
	assert.False(t, ok)
	assert.Equal(t, []Name{Free, Pro}, c.Names())
}

func TestNewCatalog_Rejects(t *testing.T) {
	cases := map[string]Params{
		"unknown name":   {Name: "gold", RequestsPerWindow: 1, Window: time.Second},
		"zero limit":     {Name: Free, Window: time.Second},
		"zero window":    {Name: Free, RequestsPerWindow: 1},
		"bad algorithm":  {Name: Free, RequestsPerWindow: 1, Window: time.Second, Algorithm: "leaky"},
		"negative cost":  {Name: Free, RequestsPerWindow: 1, Window: time.Second, Costs: map[string]CostRule{"a": {Flat: -1}}},
		"no size unit":   {Name: Free, RequestsPerWindow: 1, Window: time.Second, Costs: map[string]CostRule{"a": {PerSize: 2}}},
		"negative debt":  {Name: Free, RequestsPerWindow: 1, Window: time.Second, Overage: OverageSoft, DebtCeiling: -1},
		"bad overage":    {Name: Free, RequestsPerWindow: 1, Window: time.Second, Overage: "maybe"},
		"negative cap":   {Name: Free, RequestsPerWindow: 1, Window: time.Second, BalanceCap: -5},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewCatalog(Defaults{}, p)
			assert.Error(t, err)
		})
	}
}

func TestNewCatalog_RejectsDuplicatesAndEmpty(t *testing.T) {
	p := Params{Name: Free, RequestsPerWindow: 1, Window: time.Second}
	_, err := NewCatalog(Defaults{}, p, p)
	assert.Error(t, err)

	_, err = NewCatalog(Defaults{})
	assert.Error(t, err)
}

func TestDefaultParams_AreValid(t *testing.T) {
	c, err := NewCatalog(Defaults{}, DefaultParams()...)
	require.NoError(t, err)
	assert.Len(t, c.Names(), 4)

	free, _ := c.Lookup(Free)
	assert.Equal(t, 5, free.RequestsPerWindow)
	assert.Equal(t, int64(100), free.BalanceCap)
	assert.Equal(t, int64(10), free.Costs["search"].Flat)
}

func TestParseName(t *testing.T) {
	n, err := ParseName(" Pro ")
	require.NoError(t, err)
	assert.Equal(t, Pro, n)

	_, err = ParseName("platinum")
	assert.Error(t, err)
}
