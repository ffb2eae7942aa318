package risk

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ValueKind tags the variant held by a Value.
type ValueKind string

const (
	KindBoolean   ValueKind = "boolean"
	KindNumber    ValueKind = "number"
	KindString    ValueKind = "string"
	KindTimestamp ValueKind = "timestamp"
)

// Value is a closed variant over the four parameter value types. The zero
// Value has no kind and is rejected by Validate.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	t    time.Time
}

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBoolean, b: b} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Timestamp returns a timestamp Value, normalized to UTC.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, t: t.UTC()} }

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

func (v Value) Bool() (bool, bool)           { return v.b, v.kind == KindBoolean }
func (v Value) Number() (float64, bool)      { return v.n, v.kind == KindNumber }
func (v Value) Str() (string, bool)          { return v.s, v.kind == KindString }
func (v Value) Timestamp() (time.Time, bool) { return v.t, v.kind == KindTimestamp }

// Validate rejects untagged values and non-finite numbers.
func (v Value) Validate() error {
	switch v.kind {
	case KindBoolean, KindString, KindTimestamp:
		return nil
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("number value must be finite")
		}
		return nil
	case "":
		return fmt.Errorf("value has no type")
	default:
		return fmt.Errorf("unknown value type %q", v.kind)
	}
}

// Interface exposes the payload for expression evaluation.
func (v Value) Interface() any {
	switch v.kind {
	case KindBoolean:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindTimestamp:
		return v.t
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindBoolean:
		return fmt.Sprintf("%t", v.b)
	case KindNumber:
		return fmt.Sprintf("%g", v.n)
	case KindString:
		return v.s
	case KindTimestamp:
		return v.t.Format(time.RFC3339)
	}
	return "<untyped>"
}

type wireValue struct {
	Type  ValueKind       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes as {"type": kind, "value": payload}.
func (v Value) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.kind, Value: payload})
}

// UnmarshalJSON decodes the tagged form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case KindBoolean:
		var b bool
		if err := json.Unmarshal(w.Value, &b); err != nil {
			return fmt.Errorf("boolean value: %w", err)
		}
		*v = Bool(b)
	case KindNumber:
		var n float64
		if err := json.Unmarshal(w.Value, &n); err != nil {
			return fmt.Errorf("number value: %w", err)
		}
		*v = Number(n)
	case KindString:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return fmt.Errorf("string value: %w", err)
		}
		*v = String(s)
	case KindTimestamp:
		var t time.Time
		if err := json.Unmarshal(w.Value, &t); err != nil {
			return fmt.Errorf("timestamp value: %w", err)
		}
		*v = Timestamp(t)
	default:
		return fmt.Errorf("unknown value type %q", w.Type)
	}
	return nil
}
