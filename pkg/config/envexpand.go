package config

import (
	"fmt"
	"regexp"
	"strings"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Lookup resolves an environment variable name to its value.
type Lookup func(name string) (string, bool)

// ExpandEnv replaces every `${NAME}` reference in s using lookup. Every
// referenced name that lookup cannot resolve is appended to missing, and
// its `${NAME}` placeholder is left untouched in the output so the
// caller can still report which text it came from. The manifest loader
// treats any returned missing name as startup-blocking.
func ExpandEnv(s string, lookup Lookup) (result string, missing []string) {
	var missingSet = map[string]bool{}
	out := envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envRefPattern.FindStringSubmatch(match)[1]
		if val, ok := lookup(name); ok {
			return val
		}
		if !missingSet[name] {
			missingSet[name] = true
			missing = append(missing, name)
		}
		return match
	})
	return out, missing
}

// ReferencedNames returns the set of `${NAME}` references present in s,
// without resolving them, used to cross-check literal-secret rejection
// against declared env vars.
func ReferencedNames(s string) []string {
	matches := envRefPattern.FindAllStringSubmatch(s, -1)
	names := make([]string, 0, len(matches))
	seen := map[string]bool{}
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// LooksLikeLiteralSecret heuristically flags a config string value that
// appears to be a raw secret rather than an ${NAME} reference or a plain
// non-secret value — used by the validator to reject literal secrets in
// config: secrets must come from environment only, and literal secret
// values in config are rejected.
func LooksLikeLiteralSecret(field, value string) bool {
	if value == "" || envRefPattern.MatchString(value) {
		return false
	}
	lower := strings.ToLower(field)
	for _, marker := range []string{"token", "secret", "password", "api_key", "apikey", "key"} {
		if strings.Contains(lower, marker) {
			// A bare ${NAME} reference already returned false above; any
			// other non-empty literal in a secret-shaped field is rejected.
			return true
		}
	}
	return false
}

// FormatMissing renders a user-actionable error for unresolved required
// env var references.
func FormatMissing(field string, missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return &ValidationError{Field: field, Reason: fmt.Sprintf("unresolved required environment variable(s): %s", strings.Join(missing, ", "))}
}
