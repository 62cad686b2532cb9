package config

import "time"

// BuiltinDefaults returns the manifest defaults merged underneath every
// loaded user manifest via mergo, so a minimal manifest still produces a
// fully-populated, valid Manifest.
func BuiltinDefaults() Manifest {
	return Manifest{
		Butler: ButlerIdentity{
			Kind: KindButler,
		},
		Runtime: RuntimeConfig{
			Type:                  RuntimeClaudeCode,
			MaxConcurrentSessions: 1,
			InvocationTimeout:     5 * time.Minute,
		},
		Switchboard: SwitchboardConfig{
			Advertise:        true,
			LivenessTTLS:     60,
			StaleTTLS:        300,
			RouteContractMin: 1,
			RouteContractMax: 1,
		},
		Security: SecurityConfig{
			TrustedRouteCallers: []string{"switchboard"},
		},
		Defaults: DefaultsConfig{
			Timezone: "UTC",
			Pricing:  PricingTable{},
		},
	}
}

// KnownModuleNames is the set of module names the fleet ships built-in
// module implementations for: email, telegram, calendar, memory, and
// approvals. Unknown names in a manifest are startup-blocking.
var KnownModuleNames = map[string]bool{
	"email":     true,
	"telegram":  true,
	"calendar":  true,
	"memory":    true,
	"approvals": true,
}
