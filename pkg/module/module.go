// Package module implements the capability-module runtime:
// the Module interface, DAG dependency resolution with topological
// ordering, tool I/O descriptors as plain data, and the channel-egress
// ownership enforcement that keeps Messenger the sole outbound execution
// plane.
package module

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/butler-fleet/butlers/pkg/database"
)

// ApprovalDefault is a module's declared default gating posture for its
// output tools.
type ApprovalDefault string

const (
	ApprovalNone        ApprovalDefault = "none"
	ApprovalConditional ApprovalDefault = "conditional"
	ApprovalAlways      ApprovalDefault = "always"
)

// ToolIODescriptor is data, not reflection on function objects:
// every tool a module registers declares its input/output shape
// explicitly.
type ToolIODescriptor struct {
	Name           string
	Description    string
	UserInputs     []string
	UserOutputs    []string
	BotInputs      []string
	BotOutputs     []string
	ApprovalDefault ApprovalDefault
	Handler        ToolHandler
}

// ToolHandler executes one tool call. args/result are left as `any` so
// the RPC layer can marshal/unmarshal module-specific shapes
// without this package depending on it.
type ToolHandler func(ctx context.Context, args map[string]any) (result any, err error)

// Module is the capability-module ABC: register tools,
// migrations, lifecycle hooks.
type Module interface {
	Name() string
	Dependencies() []string
	RegisterTools() []ToolIODescriptor
	MigrationChain() *database.MigrationChain // nil if the module owns no tables
	OnStartup(ctx context.Context) error
	OnShutdown(ctx context.Context) error
}

// channelEgressPattern matches `^(user|bot)_<channel>_(send|reply|react)`
// tool names, the exact shape channel egress ownership enforcement
// strips from non-Messenger butlers.
var channelEgressPattern = regexp.MustCompile(`^(user|bot)_[A-Za-z0-9]+_(send|reply|react)(_|$)`)

// IsChannelEgressTool reports whether name matches the reserved outbound
// tool-name shape.
func IsChannelEgressTool(name string) bool {
	return channelEgressPattern.MatchString(name)
}

// Runtime owns the resolved, dependency-ordered set of modules for one
// butler process.
type Runtime struct {
	butlerName  string
	isMessenger bool
	modules     []Module // topologically ordered
	tools       map[string]ToolIODescriptor
	stripped    []string
	log         *slog.Logger
}

// Resolve builds a Runtime from a set of declared modules, validating
// the dependency DAG (cycles and unknown names are startup-blocking)
// and applying channel egress ownership enforcement unless
// isMessenger is true.
func Resolve(butlerName string, isMessenger bool, declared []Module, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "module_runtime", "butler", butlerName)

	ordered, err := topoSort(declared)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		butlerName:  butlerName,
		isMessenger: isMessenger,
		modules:     ordered,
		tools:       map[string]ToolIODescriptor{},
		log:         log,
	}

	for _, m := range ordered {
		for _, desc := range m.RegisterTools() {
			if !isMessenger && IsChannelEgressTool(desc.Name) {
				rt.stripped = append(rt.stripped, desc.Name)
				continue
			}
			if _, exists := rt.tools[desc.Name]; exists {
				return nil, fmt.Errorf("module %s: duplicate tool name %q", m.Name(), desc.Name)
			}
			rt.tools[desc.Name] = desc
		}
	}

	if len(rt.stripped) > 0 {
		sort.Strings(rt.stripped)
		log.Info("stripped channel egress tools on non-Messenger butler", "tools", rt.stripped)
	}

	return rt, nil
}

// Tools returns the final, post-stripping tool surface.
func (r *Runtime) Tools() map[string]ToolIODescriptor { return r.tools }

// StrippedTools returns the tool names removed by channel egress
// ownership enforcement, for logging and introspection.
func (r *Runtime) StrippedTools() []string { return r.stripped }

// Modules returns the dependency-ordered module list.
func (r *Runtime) Modules() []Module { return r.modules }

// MigrationChains returns every module's non-nil migration chain, in
// the same dependency topological order used for registration — the
// order the migration runner executes them in.
func (r *Runtime) MigrationChains() []database.MigrationChain {
	var chains []database.MigrationChain
	for _, m := range r.modules {
		if c := m.MigrationChain(); c != nil {
			chains = append(chains, *c)
		}
	}
	return chains
}

// Startup runs every module's OnStartup hook in dependency order.
func (r *Runtime) Startup(ctx context.Context) error {
	for _, m := range r.modules {
		if err := m.OnStartup(ctx); err != nil {
			return fmt.Errorf("module %s: startup: %w", m.Name(), err)
		}
	}
	return nil
}

// Shutdown runs every module's OnShutdown hook in reverse dependency
// order.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(r.modules) - 1; i >= 0; i-- {
		m := r.modules[i]
		if err := m.OnShutdown(ctx); err != nil {
			r.log.Error("module shutdown failed", "module", m.Name(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("module %s: shutdown: %w", m.Name(), err)
			}
		}
	}
	return firstErr
}

// topoSort orders modules so every dependency precedes its dependents,
// failing startup on unknown names or cycles.
func topoSort(declared []Module) ([]Module, error) {
	byName := make(map[string]Module, len(declared))
	for _, m := range declared {
		if _, dup := byName[m.Name()]; dup {
			return nil, fmt.Errorf("module runtime: duplicate module name %q", m.Name())
		}
		byName[m.Name()] = m
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(declared))
	var ordered []Module

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("module runtime: dependency cycle detected: %v -> %s", path, name)
		}
		color[name] = gray

		m, ok := byName[name]
		if !ok {
			return fmt.Errorf("module runtime: unknown module dependency %q", name)
		}
		for _, dep := range m.Dependencies() {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = black
		ordered = append(ordered, m)
		return nil
	}

	// Deterministic iteration order for reproducible tool-registration
	// order across restarts.
	names := make([]string, 0, len(declared))
	for _, m := range declared {
		names = append(names, m.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
