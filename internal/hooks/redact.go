package hooks

import (
	"encoding/json"
)

// sensitiveFields are stripped from structured tool results before they
// are forwarded or cached. Matching is exact on top-level and nested
// object keys.
var sensitiveFields = map[string]struct{}{
	"apiKey":        {},
	"api_key":       {},
	"token":         {},
	"access_token":  {},
	"secret":        {},
	"password":      {},
	"authorization": {},
	"credentials":   {},
}

// redactContent parses content as JSON, removes sensitive field names at
// every object level, and re-serializes. Non-JSON content is returned
// untouched.
func redactContent(content string) string {
	var payload any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return content
	}
	redacted := redactValue(payload)
	out, err := json.Marshal(redacted)
	if err != nil {
		return content
	}
	return string(out)
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k := range val {
			if _, sensitive := sensitiveFields[k]; sensitive {
				delete(val, k)
				continue
			}
			val[k] = redactValue(val[k])
		}
		return val
	case []any:
		for i := range val {
			val[i] = redactValue(val[i])
		}
		return val
	default:
		return v
	}
}
