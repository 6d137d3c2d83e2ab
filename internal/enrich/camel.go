package enrich

import (
	"bytes"
	"encoding/json"
	"strings"
)

// camelizeJSON rewrites every object key of raw from snake_case to camelCase.
func camelizeJSON(raw json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(camelize(v))
}

func camelize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[camelKey(k)] = camelize(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = camelize(t[i])
		}
		return t
	default:
		return v
	}
}

func camelKey(k string) string {
	if !strings.Contains(k, "_") {
		return k
	}
	parts := strings.Split(k, "_")
	var b strings.Builder
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == 0 || b.Len() == 0 {
			b.WriteString(part)
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]) + part[1:])
	}
	if b.Len() == 0 {
		return k
	}
	return b.String()
}
