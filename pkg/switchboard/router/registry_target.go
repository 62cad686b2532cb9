package router

import (
	"context"
	"time"

	"github.com/butler-fleet/butlers/pkg/registry"
)

// RegistryTarget adapts pkg/registry.Registry to the Target and
// ButlerNames interfaces fanout and Router depend on, keeping both free
// of a direct registry import for testability.
type RegistryTarget struct {
	reg          *registry.Registry
	includeStale bool
}

func NewRegistryTarget(reg *registry.Registry, includeStale bool) *RegistryTarget {
	return &RegistryTarget{reg: reg, includeStale: includeStale}
}

// Resolve looks up one butler's endpoint, excluding offline (and,
// unless includeStale, stale) registrations from routing.
func (t *RegistryTarget) Resolve(ctx context.Context, butler string) (string, bool) {
	reg, err := t.reg.Get(ctx, butler)
	if err != nil {
		return "", false
	}
	live := t.reg.Liveness(*reg, time.Now())
	if live == "offline" {
		return "", false
	}
	if live == "stale" && !t.includeStale {
		return "", false
	}
	return reg.EndpointURL, true
}

// KnownButlers returns every currently routable (online, or stale when
// policy allows) registered butler name, the classifier's candidate set.
func (t *RegistryTarget) KnownButlers(ctx context.Context) map[string]bool {
	regs, err := t.reg.RoutableTargets(ctx, time.Now(), t.includeStale)
	if err != nil {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(regs))
	for _, r := range regs {
		out[r.Name] = true
	}
	return out
}
