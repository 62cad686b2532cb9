package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/models"
)

func TestSortByScore_TieBreaksOnCreatedAtThenID(t *testing.T) {
	now := time.Now()
	older := now.Add(-time.Hour)

	items := []models.MemoryItem{
		{ID: 3, Relevance: 0.5, Importance: 0.5, Recency: 0.5, Confidence: 0.5, CreatedAt: older},
		{ID: 1, Relevance: 0.5, Importance: 0.5, Recency: 0.5, Confidence: 0.5, CreatedAt: now},
		{ID: 2, Relevance: 0.5, Importance: 0.5, Recency: 0.5, Confidence: 0.5, CreatedAt: now},
		{ID: 4, Relevance: 0.9, Importance: 0.9, Recency: 0.9, Confidence: 0.9, CreatedAt: older},
	}

	sortByScore(items)

	require.Equal(t, []int64{4, 1, 2, 3}, idsOf(items))
}

func idsOf(items []models.MemoryItem) []int64 {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func TestReclassify_HarmfulOutweighsHelpful(t *testing.T) {
	r := models.Rule{HelpfulCount: 3, HarmfulCount: 2, Maturity: models.RuleCandidate}
	require.Equal(t, models.RuleAntiPattern, reclassify(r))
}

func TestReclassify_EstablishedOnSustainedHelpfulEvidence(t *testing.T) {
	r := models.Rule{HelpfulCount: 5, HarmfulCount: 0, Maturity: models.RuleCandidate}
	require.Equal(t, models.RuleEstablished, reclassify(r))
}

func TestReclassify_ProvenRequiresHighVolume(t *testing.T) {
	r := models.Rule{HelpfulCount: 10, HarmfulCount: 1, Maturity: models.RuleEstablished}
	require.Equal(t, models.RuleProven, reclassify(r))
}

func TestRecencyScore_DecaysTowardZeroButStaysPositive(t *testing.T) {
	now := time.Now()
	fresh := recencyScore(now, now)
	stale := recencyScore(now.Add(-30*24*time.Hour), now)
	require.Greater(t, fresh, stale)
	require.Greater(t, stale, 0.0)
}

func TestEnforceBudget_DropsItemsExceedingTokenBudget(t *testing.T) {
	s := &Store{budget: Budget{MaxTokens: 5}, tokenizer: wordCounter{}}
	items := []models.MemoryItem{
		{ID: 1, Text: "one two"},   // 2 tokens
		{ID: 2, Text: "three four"}, // 2 tokens, cumulative 4
		{ID: 3, Text: "five six seven"}, // 3 tokens, would exceed budget -> dropped
		{ID: 4, Text: "x"}, // 1 token, fits after the drop
	}
	out := s.enforceBudget(items)
	require.Equal(t, []int64{1, 2, 4}, idsOf(out))
}

type wordCounter struct{}

func (wordCounter) Count(text string) int {
	n := 1
	for _, c := range text {
		if c == ' ' {
			n++
		}
	}
	return n
}
