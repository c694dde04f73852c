package engine

import (
	"encoding/json"
	"sort"

	"github.com/allisson/tokenfield/internal/registry"
)

// parseJSONObject decodes a JSON column value into a flat object. A nil
// column, a blank value or malformed JSON all yield an empty object; a
// malformed blob is rescued locally and never propagated.
func parseJSONObject(raw *string) map[string]any {
	if raw == nil || isBlank(*raw) {
		return map[string]any{}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(*raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

// marshalJSONObject encodes a flat object back into a JSON column value.
func marshalJSONObject(obj map[string]any) *string {
	raw, err := json.Marshal(obj)
	if err != nil {
		empty := "{}"
		return &empty
	}
	s := string(raw)
	return &s
}

// sortedKeys returns the tokenized key names in a stable order, so planned
// operations and batch requests are deterministic.
func sortedKeys(keys map[string]registry.PIIType) []string {
	names := make([]string, 0, len(keys))
	for key := range keys {
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

// jsonStringValue extracts a string value for a key, returning nil for a
// missing key, a JSON null or a non-string value.
func jsonStringValue(obj map[string]any, key string) *string {
	v, ok := obj[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}
