package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is an arbitrary JSON object stored in a JSONB column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		if s, ok := src.(string); ok {
			b = []byte(s)
		} else {
			return fmt.Errorf("models: cannot scan %T into JSONMap", src)
		}
	}
	return json.Unmarshal(b, m)
}

// ToolCalls is the JSONB-backed array of ToolCall entries recorded on a
// session.
type ToolCalls []ToolCall

// Value implements driver.Valuer.
func (t ToolCalls) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t)
}

// Scan implements sql.Scanner.
func (t *ToolCalls) Scan(src any) error {
	if src == nil {
		*t = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		if s, ok := src.(string); ok {
			b = []byte(s)
		} else {
			return fmt.Errorf("models: cannot scan %T into ToolCalls", src)
		}
	}
	return json.Unmarshal(b, t)
}

// JSONStringSlice is a []string persisted as a JSONB array, used where a
// plain Postgres text[] would otherwise require a separate driver
// conversion (e.g. butler_registry.modules).
type JSONStringSlice []string

// Value implements driver.Valuer.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

// Scan implements sql.Scanner.
func (s *JSONStringSlice) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		if str, ok := src.(string); ok {
			b = []byte(str)
		} else {
			return fmt.Errorf("models: cannot scan %T into JSONStringSlice", src)
		}
	}
	return json.Unmarshal(b, s)
}

// JSONValue is a generic JSON scalar/object/array stored in a JSONB
// column, used by the state store where values are caller-defined.
type JSONValue struct {
	Raw json.RawMessage
}

// Value implements driver.Valuer.
func (v JSONValue) Value() (driver.Value, error) {
	if len(v.Raw) == 0 {
		return []byte("null"), nil
	}
	return []byte(v.Raw), nil
}

// Scan implements sql.Scanner.
func (v *JSONValue) Scan(src any) error {
	if src == nil {
		v.Raw = nil
		return nil
	}
	switch b := src.(type) {
	case []byte:
		cp := make([]byte, len(b))
		copy(cp, b)
		v.Raw = cp
	case string:
		v.Raw = json.RawMessage(b)
	default:
		return fmt.Errorf("models: cannot scan %T into JSONValue", src)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v JSONValue) MarshalJSON() ([]byte, error) {
	if len(v.Raw) == 0 {
		return []byte("null"), nil
	}
	return v.Raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *JSONValue) UnmarshalJSON(data []byte) error {
	v.Raw = append(v.Raw[:0], data...)
	return nil
}
