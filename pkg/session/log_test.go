package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/models"
)

func TestLog_Cost(t *testing.T) {
	l := &Log{pricing: config.PricingTable{
		"claude-sonnet": {InputPerMillion: 3, OutputPerMillion: 15},
	}}

	assert.InDelta(t, 3*2+15*1, l.cost("claude-sonnet", 2_000_000, 1_000_000), 0.0001)
	assert.Equal(t, float64(0), l.cost("unknown-model", 1_000_000, 1_000_000))
}

func TestPeriodRange_UnsupportedPeriodErrors(t *testing.T) {
	_, _, err := periodRange(models.SummaryPeriod("fortnight"), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported summary period")
}

func TestPeriodRange_Today(t *testing.T) {
	now := time.Date(2026, 7, 31, 15, 4, 5, 0, time.UTC)
	start, end, err := periodRange(models.SummaryToday, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), end)
}
