// Package spawner implements the per-butler serialized LLM invocation
// boundary: session lifecycle, credential snapshotting,
// memory context composition, and the self-invocation deadlock guard.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/models"
	"github.com/butler-fleet/butlers/pkg/runtime"
	"github.com/butler-fleet/butlers/pkg/session"
)

// ErrOverloadRejected is returned when a trigger call would deadlock on
// the spawner's own session lock, or when every concurrent session slot
// is already taken.
var ErrOverloadRejected = errors.New("spawner: overload_rejected: self-invocation while session lock held")

// MemoryProvider supplies the optional memory-context block appended to
// the system prompt. Failures are fail-open: the raw
// CLAUDE.md is used instead.
type MemoryProvider interface {
	Context(ctx context.Context, tenant string) (string, error)
	RecordEpisode(ctx context.Context, tenant, content string) error
}

type spawnerLockKey struct{}

// withinSpawner marks ctx as already running inside this butler's
// spawner, so a nested Trigger call can detect the self-invocation
// deadlock without blocking.
func withinSpawner(ctx context.Context, butler string) context.Context {
	return context.WithValue(ctx, spawnerLockKey{}, butler)
}

func isWithinSpawner(ctx context.Context, butler string) bool {
	v, _ := ctx.Value(spawnerLockKey{}).(string)
	return v == butler
}

// Spawner serializes one butler's LLM invocations behind a bounded
// semaphore.
type Spawner struct {
	butlerName   string
	personality  string
	model        string
	env          map[string]string
	adapter      runtime.Adapter
	sessionLog   *session.Log
	memory       MemoryProvider
	tenant       string
	invocationTO time.Duration

	mu   sync.Mutex
	slot chan struct{}
	slog *slog.Logger
}

// New builds a Spawner for one butler.
func New(butlerName string, manifest *config.Manifest, personality string, adapter runtime.Adapter, sessionLog *session.Log, memory MemoryProvider, log *slog.Logger) *Spawner {
	if log == nil {
		log = slog.Default()
	}
	capacity := manifest.Runtime.MaxConcurrentSessions
	if capacity < 1 {
		capacity = 1
	}
	return &Spawner{
		butlerName:   butlerName,
		personality:  personality,
		model:        manifest.Runtime.Model,
		env:          manifest.DeclaredEnv(),
		adapter:      adapter,
		sessionLog:   sessionLog,
		memory:       memory,
		tenant:       butlerName,
		invocationTO: manifest.Runtime.InvocationTimeout,
		slot:         make(chan struct{}, capacity),
		slog:         log.With("component", "spawner", "butler", butlerName),
	}
}

// Invoke runs one LLM invocation end-to-end: create session row, compose
// prompt, snapshot credentials, run the adapter, write terminal fields.
// The returned duration is measured from before step 1
// even on failure.
func (s *Spawner) Invoke(ctx context.Context, open models.OpenSessionFields) (models.Session, error) {
	measureStart := time.Now()

	if isWithinSpawner(ctx, s.butlerName) {
		return models.Session{}, ErrOverloadRejected
	}

	select {
	case s.slot <- struct{}{}:
	default:
		return models.Session{}, ErrOverloadRejected
	}
	defer func() { <-s.slot }()

	ctx = withinSpawner(ctx, s.butlerName)

	if open.StartedAt.IsZero() {
		open.StartedAt = measureStart
	}
	if open.Model == "" {
		open.Model = s.model
	}
	if open.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return models.Session{}, fmt.Errorf("spawner: generate session id: %w", err)
		}
		open.ID = id
	}

	sessionID, err := s.sessionLog.Create(ctx, open)
	if err != nil {
		return models.Session{}, fmt.Errorf("spawner: create session row: %w", err)
	}

	systemPrompt := s.composeSystemPrompt(ctx)

	result, invokeErr := s.adapter.Invoke(ctx, runtime.Invocation{
		SystemPrompt: systemPrompt,
		UserPrompt:   open.Prompt,
		Model:        open.Model,
		Env:          s.env,
		Timeout:      s.invocationTO,
	})

	durationMs := time.Since(measureStart).Milliseconds()

	terminal := s.buildTerminalFields(result, invokeErr, durationMs)
	if err := s.sessionLog.Complete(ctx, sessionID, terminal); err != nil {
		s.slog.Error("failed to write terminal session fields", "session_id", sessionID, "error", err)
	}

	if terminal.Success && s.memory != nil {
		if err := s.memory.RecordEpisode(ctx, s.tenant, result.Text); err != nil {
			s.slog.Warn("memory episode recording failed (fail-open)", "error", err)
		}
	}

	final, getErr := s.sessionLog.Get(ctx, sessionID)
	if getErr != nil {
		return models.Session{}, fmt.Errorf("spawner: reload session: %w", getErr)
	}
	return *final, nil
}

// composeSystemPrompt concatenates personality text with optional memory
// context after a blank line; memory failures fall back to
// raw personality text (fail-open).
func (s *Spawner) composeSystemPrompt(ctx context.Context) string {
	if s.memory == nil {
		return s.personality
	}
	memCtx, err := s.memory.Context(ctx, s.tenant)
	if err != nil {
		s.slog.Warn("memory context retrieval failed (fail-open)", "error", err)
		return s.personality
	}
	if memCtx == "" {
		return s.personality
	}
	return s.personality + "\n\n" + memCtx
}

func (s *Spawner) buildTerminalFields(result runtime.Result, invokeErr error, durationMs int64) models.TerminalSessionFields {
	now := time.Now()
	if invokeErr != nil {
		errStr := invokeErr.Error()
		return models.TerminalSessionFields{
			CompletedAt: now,
			Success:     false,
			Error:       &errStr,
			DurationMs:  durationMs,
		}
	}
	fields := models.TerminalSessionFields{
		CompletedAt:  now,
		Success:      result.Success,
		ToolCalls:    result.ToolCalls,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		DurationMs:   durationMs,
	}
	if result.Success {
		text := result.Text
		fields.Result = &text
	} else {
		errStr := result.Error
		fields.Error = &errStr
	}
	return fields
}
