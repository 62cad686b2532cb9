package spawner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/models"
)

func TestIsWithinSpawner(t *testing.T) {
	ctx := context.Background()
	assert.False(t, isWithinSpawner(ctx, "health"))

	ctx = withinSpawner(ctx, "health")
	assert.True(t, isWithinSpawner(ctx, "health"))
	assert.False(t, isWithinSpawner(ctx, "finance"))
}

func TestInvoke_SelfInvocationRejectsFast(t *testing.T) {
	s := &Spawner{butlerName: "health", slot: make(chan struct{}, 1)}
	ctx := withinSpawner(context.Background(), "health")

	_, err := s.Invoke(ctx, models.OpenSessionFields{Prompt: "hi"})
	require.ErrorIs(t, err, ErrOverloadRejected)
}
