// Package config loads and validates a butler's declarative manifest:
// identity, port, db schema, enabled modules, schedule
// entries, env-var declarations, runtime-spawner settings, and
// switchboard integration parameters.
package config

import "time"

// Manifest is the fully parsed, merged, and validated configuration for
// one butler process.
type Manifest struct {
	Butler      ButlerIdentity          `yaml:"butler"`
	DB          DBConfig                `yaml:"db"`
	Runtime     RuntimeConfig           `yaml:"runtime"`
	Switchboard SwitchboardConfig       `yaml:"switchboard"`
	Security    SecurityConfig          `yaml:"security"`
	Env         EnvDeclarations         `yaml:"env"`
	Modules     map[string]ModuleConfig `yaml:"modules"`
	Schedule    []ScheduleEntry         `yaml:"schedule"`
	Defaults    DefaultsConfig          `yaml:"defaults"`

	// ConfigDir is the directory the manifest was loaded from; personality
	// and prompt documents (CLAUDE.md) are resolved relative to it.
	ConfigDir string `yaml:"-"`
}

// ButlerIdentity is the [butler] manifest table.
type ButlerIdentity struct {
	Name        string     `yaml:"name"`
	Port        int        `yaml:"port"`
	Description string     `yaml:"description"`
	Kind        ButlerKind `yaml:"kind"`
}

// ButlerKind selects which of the three special-purpose bootstrap paths
// pkg/butler wires a manifest into, beyond the generic specialist-butler
// path: plain butlers need no kind at all.
type ButlerKind string

const (
	KindButler     ButlerKind = "butler"
	KindSwitchboard ButlerKind = "switchboard"
	KindMessenger   ButlerKind = "messenger"
	KindHeartbeat   ButlerKind = "heartbeat"
)

// ValidButlerKinds enumerates the accepted [butler.kind] values.
var ValidButlerKinds = []ButlerKind{KindButler, KindSwitchboard, KindMessenger, KindHeartbeat}

// DBConfig is the [butler.db] manifest table.
type DBConfig struct {
	Name   string `yaml:"name"`
	Schema string `yaml:"schema"`
}

// RuntimeType selects which ephemeral LLM child process adapter a butler
// spawns.
type RuntimeType string

const (
	RuntimeClaudeCode RuntimeType = "claude_code"
	RuntimeCodex      RuntimeType = "codex"
	RuntimeOpencode   RuntimeType = "opencode"
)

// ValidRuntimeTypes enumerates the accepted [butler.runtime] type values.
var ValidRuntimeTypes = []RuntimeType{RuntimeClaudeCode, RuntimeCodex, RuntimeOpencode}

// RuntimeConfig is the [butler.runtime] manifest table.
type RuntimeConfig struct {
	Type                  RuntimeType   `yaml:"type"`
	Model                 string        `yaml:"model"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	InvocationTimeout     time.Duration `yaml:"invocation_timeout"`
	BinaryPath            string        `yaml:"binary_path"`
}

// SwitchboardConfig is the [butler.switchboard] manifest table.
type SwitchboardConfig struct {
	URL              string `yaml:"url"`
	Advertise        bool   `yaml:"advertise"`
	LivenessTTLS     int    `yaml:"liveness_ttl_s"`
	StaleTTLS        int    `yaml:"stale_ttl_s"`
	RouteContractMin int    `yaml:"route_contract_min"`
	RouteContractMax int    `yaml:"route_contract_max"`
}

// SecurityConfig is the [butler.security] manifest table.
type SecurityConfig struct {
	TrustedRouteCallers []string `yaml:"trusted_route_callers"`
}

// EnvDeclarations is the [butler.env] manifest table: the only env vars
// that may reach the child process.
type EnvDeclarations struct {
	Required []string `yaml:"required"`
	Optional []string `yaml:"optional"`
}

// All returns the union of required and optional declared variable names.
func (e EnvDeclarations) All() []string {
	out := make([]string, 0, len(e.Required)+len(e.Optional))
	out = append(out, e.Required...)
	out = append(out, e.Optional...)
	return out
}

// ModuleConfig is one [modules.<name>] manifest table. Fields beyond
// Provider are module-specific and kept as a raw map for each module to
// interpret against its own config_schema.
type ModuleConfig struct {
	Provider string         `yaml:"provider"`
	Config   map[string]any `yaml:",inline"`
}

// GatedTool is one entry of [modules.approvals] gated_tools.
type GatedTool struct {
	Tool     string `yaml:"tool"`
	ExpirySeconds *int `yaml:"expiry_s"`
}

// ScheduleEntry is one [[butler.schedule]] manifest entry.
type ScheduleEntry struct {
	Name         string `yaml:"name"`
	Cron         string `yaml:"cron"`
	Prompt       string `yaml:"prompt"`
	DispatchMode string `yaml:"dispatch_mode"`
	JobName      string `yaml:"job_name"`
}

// ModelPricing is the per-million-token price for one model, used by the
// session log's query-time cost derivation.
type ModelPricing struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// PricingTable maps model name to its pricing.
type PricingTable map[string]ModelPricing

// DefaultsConfig is the [defaults] manifest table.
type DefaultsConfig struct {
	Pricing PricingTable `yaml:"pricing"`
	Timezone string      `yaml:"timezone"`
}
