package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classifiedErr struct{ class string }

func (e classifiedErr) Error() string      { return "boom" }
func (e classifiedErr) ErrorClass() string { return e.class }

func TestSpan_RecordsOkOutcome(t *testing.T) {
	called := false
	err := Span(context.Background(), SpanAttributes{Butler: "health", ToolName: "status"}, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestSpan_PropagatesError(t *testing.T) {
	err := Span(context.Background(), SpanAttributes{Butler: "health", ToolName: "trigger"}, func(ctx context.Context) error {
		return classifiedErr{class: "timeout"}
	})
	require.Error(t, err)
}

func TestClassify_FallsBackToInternalError(t *testing.T) {
	assert.Equal(t, "internal_error", classify(errors.New("plain")))
	assert.Equal(t, "timeout", classify(classifiedErr{class: "timeout"}))
}
