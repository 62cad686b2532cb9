package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnv(t *testing.T) {
	lookup := func(name string) (string, bool) {
		if name == "FOO" {
			return "bar", true
		}
		return "", false
	}

	t.Run("resolves known reference", func(t *testing.T) {
		out, missing := ExpandEnv("value: ${FOO}", lookup)
		require.Empty(t, missing)
		assert.Equal(t, "value: bar", out)
	})

	t.Run("reports missing reference and leaves it untouched", func(t *testing.T) {
		out, missing := ExpandEnv("value: ${MISSING}", lookup)
		assert.Equal(t, []string{"MISSING"}, missing)
		assert.Equal(t, "value: ${MISSING}", out)
	})

	t.Run("deduplicates repeated missing names", func(t *testing.T) {
		_, missing := ExpandEnv("${X} and ${X} again", lookup)
		assert.Equal(t, []string{"X"}, missing)
	})
}

func TestLooksLikeLiteralSecret(t *testing.T) {
	assert.True(t, LooksLikeLiteralSecret("api_key", "sk-live-abc123"))
	assert.False(t, LooksLikeLiteralSecret("api_key", "${ANTHROPIC_API_KEY}"))
	assert.False(t, LooksLikeLiteralSecret("description", "some text"))
	assert.False(t, LooksLikeLiteralSecret("api_key", ""))
}
