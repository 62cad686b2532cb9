package config

import (
	"fmt"
	"os"
)

// Validator checks a fully-merged, env-expanded Manifest for
// startup-blocking problems: unresolved required env references,
// unknown module names, and literal secrets.
type Validator struct {
	// Lookup resolves environment variables; overridable for tests.
	Lookup Lookup
}

// NewValidator builds a Validator backed by the real process environment.
func NewValidator() *Validator {
	return &Validator{Lookup: os.LookupEnv}
}

// Validate runs every check and returns the aggregate ValidationErrors
// (empty if the manifest is valid).
func (v *Validator) Validate(m *Manifest) ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, v.validateIdentity(m)...)
	errs = append(errs, v.validateRuntime(m)...)
	errs = append(errs, v.validateEnv(m)...)
	errs = append(errs, v.validateModules(m)...)
	errs = append(errs, v.validateSchedule(m)...)

	return errs
}

func (v *Validator) validateIdentity(m *Manifest) ValidationErrors {
	var errs ValidationErrors
	if m.Butler.Name == "" {
		errs = append(errs, &ValidationError{Field: "butler.name", Reason: "must not be empty"})
	}
	if m.Butler.Port <= 0 || m.Butler.Port > 65535 {
		errs = append(errs, &ValidationError{Field: "butler.port", Reason: "must be between 1 and 65535"})
	}
	if m.DB.Schema == "" {
		errs = append(errs, &ValidationError{Field: "butler.db.schema", Reason: "must not be empty"})
	}
	validKind := false
	for _, k := range ValidButlerKinds {
		if m.Butler.Kind == k {
			validKind = true
			break
		}
	}
	if !validKind {
		errs = append(errs, &ValidationError{
			Field:  "butler.kind",
			Reason: fmt.Sprintf("must be one of %v, got %q", ValidButlerKinds, m.Butler.Kind),
		})
	}
	return errs
}

func (v *Validator) validateRuntime(m *Manifest) ValidationErrors {
	var errs ValidationErrors
	valid := false
	for _, rt := range ValidRuntimeTypes {
		if m.Runtime.Type == rt {
			valid = true
			break
		}
	}
	if !valid {
		errs = append(errs, &ValidationError{
			Field:  "butler.runtime.type",
			Reason: fmt.Sprintf("must be one of %v, got %q", ValidRuntimeTypes, m.Runtime.Type),
		})
	}
	if m.Runtime.MaxConcurrentSessions < 1 {
		errs = append(errs, &ValidationError{Field: "butler.runtime.max_concurrent_sessions", Reason: "must be at least 1"})
	}
	return errs
}

// validateEnv confirms every required declared variable actually resolves
// in the current process environment. Unresolved required references are
// startup-blocking.
func (v *Validator) validateEnv(m *Manifest) ValidationErrors {
	var errs ValidationErrors
	var missing []string
	for _, name := range m.Env.Required {
		if _, ok := v.Lookup(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		if err := FormatMissing("butler.env.required", missing); err != nil {
			errs = append(errs, err.(*ValidationError))
		}
	}
	return errs
}

// validateModules rejects unknown module names and literal secrets
// embedded directly in a module's config block.
func (v *Validator) validateModules(m *Manifest) ValidationErrors {
	var errs ValidationErrors
	for name, cfg := range m.Modules {
		if !KnownModuleNames[name] {
			errs = append(errs, &ValidationError{
				Field:  fmt.Sprintf("modules.%s", name),
				Reason: "unknown module name",
			})
			continue
		}
		for key, val := range cfg.Config {
			str, ok := val.(string)
			if !ok {
				continue
			}
			if LooksLikeLiteralSecret(key, str) {
				errs = append(errs, &ValidationError{
					Field:  fmt.Sprintf("modules.%s.%s", name, key),
					Reason: "literal secret values are rejected; reference an environment variable with ${NAME}",
				})
			}
		}
	}
	return errs
}

func (v *Validator) validateSchedule(m *Manifest) ValidationErrors {
	var errs ValidationErrors
	seen := map[string]bool{}
	for i, entry := range m.Schedule {
		if entry.Name == "" {
			errs = append(errs, &ValidationError{Field: fmt.Sprintf("butler.schedule[%d].name", i), Reason: "must not be empty"})
			continue
		}
		if seen[entry.Name] {
			errs = append(errs, &ValidationError{Field: fmt.Sprintf("butler.schedule[%d].name", i), Reason: "duplicate schedule name " + entry.Name})
		}
		seen[entry.Name] = true
		if entry.Cron == "" {
			errs = append(errs, &ValidationError{Field: fmt.Sprintf("butler.schedule[%d].cron", i), Reason: "must not be empty"})
		}
		if entry.DispatchMode == "job" && entry.JobName == "" {
			errs = append(errs, &ValidationError{Field: fmt.Sprintf("butler.schedule[%d].job_name", i), Reason: "required when dispatch_mode is job"})
		}
	}
	return errs
}
