package relay

import (
	"fmt"
	"strings"
)

// ExtractCode finds an authorization code in payload by case-insensitive key
// match against candidates, in the caller's priority order. Multi-valued
// fields are coerced to their first element. An empty value is treated as
// absent and the search continues with later candidates rather than stopping
// at the first key that is merely present. Pure function: payload is never
// modified.
func ExtractCode(payload Payload, candidates []string) (string, bool) {
	return lookupValue(payload, candidates)
}

// LookupState reads the OAuth state parameter from payload using the same
// case-insensitive mechanism as code extraction. Returns "" when absent.
func LookupState(payload Payload) string {
	state, _ := lookupValue(payload, []string{"state"})
	return state
}

func lookupValue(payload Payload, candidates []string) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}

	index := make(map[string]any, len(payload))
	for k, v := range payload {
		index[strings.ToLower(k)] = v
	}

	for _, candidate := range candidates {
		v, ok := index[strings.ToLower(candidate)]
		if !ok {
			continue
		}
		if s, ok := stringValue(v); ok {
			return s, true
		}
	}
	return "", false
}

// stringValue coerces a payload value to a single non-empty string.
func stringValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, val != ""
	case []string:
		if len(val) == 0 {
			return "", false
		}
		return stringValue(val[0])
	case []any:
		if len(val) == 0 {
			return "", false
		}
		return stringValue(val[0])
	default:
		s := fmt.Sprint(val)
		return s, s != ""
	}
}
