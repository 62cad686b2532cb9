// Package modules implements the concrete capability modules the fleet calls
// out by name (email, telegram, calendar, memory) as pkg/module.Module
// values: plain data-declared tool descriptors plus whatever handler
// logic a faithful stub needs. Per the project's scope
// note, the depth here matches "a minimal stub satisfying the
// route.execute contract" for anything that is itself a specialist
// butler's domain logic (the channel send/reply/react verbs); memory
// retrieval is the one capability module in full, since memory is core
// scope.
package modules

import (
	"context"

	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/memory"
	"github.com/butler-fleet/butlers/pkg/module"
)

// MemoryModule exposes pkg/memory's retrieval surface as a registered
// tool so a butler's LLM session can pull
// ranked facts/rules/episodes on demand, independent of the fail-open
// context injection pkg/spawner already performs automatically on every
// invocation.
type MemoryModule struct {
	store  *memory.Store
	tenant string
}

// NewMemoryModule wraps store for one butler's tenant scope.
func NewMemoryModule(store *memory.Store, tenant string) *MemoryModule {
	return &MemoryModule{store: store, tenant: tenant}
}

func (m *MemoryModule) Name() string           { return "memory" }
func (m *MemoryModule) Dependencies() []string { return nil }

func (m *MemoryModule) RegisterTools() []module.ToolIODescriptor {
	return []module.ToolIODescriptor{
		{
			Name:           "memory_context",
			Description:    "Retrieve ranked, token-budgeted facts and rules for the current tenant scope.",
			BotInputs:      []string{"scope"},
			BotOutputs:     []string{"context"},
			ApprovalDefault: module.ApprovalNone,
			Handler:        m.handleContext,
		},
	}
}

func (m *MemoryModule) handleContext(ctx context.Context, args map[string]any) (any, error) {
	tenant := m.tenant
	if scope, ok := args["scope"].(string); ok && scope != "" {
		tenant = scope
	}
	text, err := m.store.Context(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return map[string]string{"context": text}, nil
}

func (m *MemoryModule) MigrationChain() *database.MigrationChain {
	chain := memory.MigrationChain()
	return &chain
}

func (m *MemoryModule) OnStartup(ctx context.Context) error  { return nil }
func (m *MemoryModule) OnShutdown(ctx context.Context) error { return nil }
