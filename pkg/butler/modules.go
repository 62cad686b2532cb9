package butler

import (
	"context"
	"fmt"
	"os"

	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/memory"
	"github.com/butler-fleet/butlers/pkg/messenger"
	"github.com/butler-fleet/butlers/pkg/module"
	"github.com/butler-fleet/butlers/pkg/modules"
)

// buildModules instantiates the built-in module implementation for each
// [modules.<name>] block the manifest declares. providers is non-nil only
// on Messenger, where the channel modules hold live delivery providers;
// everywhere else the egress tools are stripped before a nil provider
// could ever be reached. memStore is non-nil only when the memory module
// is declared.
func buildModules(m *config.Manifest, memStore *memory.Store, providers map[string]messenger.Provider) ([]module.Module, error) {
	var out []module.Module
	for name := range m.Modules {
		switch name {
		case "telegram":
			out = append(out, modules.NewTelegramModule(providers["telegram"]))
		case "email":
			out = append(out, modules.NewEmailModule(providers["email"]))
		case "calendar":
			out = append(out, modules.NewCalendarModule(os.Getenv("GOOGLE_CALENDAR_ACCESS_TOKEN"), calendarID(m), nil))
		case "memory":
			if memStore == nil {
				return nil, fmt.Errorf("memory module declared but no memory store was built")
			}
			out = append(out, modules.NewMemoryModule(memStore, m.Butler.Name))
		case "approvals":
			// Not a capability module: approvals is wired as the Gate wrapping
			// registered tools, driven by the gated_tools config block.
		default:
			return nil, fmt.Errorf("no built-in implementation for module %q", name)
		}
	}
	return out, nil
}

func calendarID(m *config.Manifest) string {
	if cfg, ok := m.Modules["calendar"]; ok {
		if id, ok := cfg.Config["calendar_id"].(string); ok {
			return id
		}
	}
	return ""
}

// executeTool is the approval gate's Executor. Auto-approved and
// human-approved actions both run through this one path, so audit and
// status transitions are identical for either route.
func (b *Butler) executeTool(ctx context.Context, toolName string, args map[string]any) (any, error) {
	desc, ok := b.Modules.Tools()[toolName]
	if !ok {
		return nil, fmt.Errorf("butler: unknown tool %q", toolName)
	}
	return desc.Handler(ctx, args)
}
