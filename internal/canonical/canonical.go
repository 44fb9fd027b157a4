// Package canonical produces a deterministic JSON encoding of arbitrary
// payloads. Object keys are emitted in sorted order at every depth, so
// structurally equal values always encode to the same bytes.
package canonical

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var sorted = jsoniter.Config{
	SortMapKeys:            true,
	UseNumber:              true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

// Marshal returns the canonical encoding of v
func Marshal(v any) ([]byte, error) {
	// Round trip through the generic form so structs, typed maps and
	// differently sized numbers collapse to the same representation.
	first, err := sorted.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	var generic any
	if err := sorted.Unmarshal(first, &generic); err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}

	out, err := sorted.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return out, nil
}

// String returns the canonical encoding of v as a string. Strings are
// returned untouched.
func String(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	out, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// normalize rewrites maps with non-string keys, which msgpack can produce
func normalize(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return val
	}
}
