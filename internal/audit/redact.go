package audit

import (
	"strings"
)

const (
	redacted         = "[REDACTED]"
	maxStringLength  = 1024
	tokenPrefixChars = 8
	maxRedactDepth   = 8
)

var (
	secretKeys = []string{"password", "passwd", "secret", "private_key", "privatekey", "master"}
	tokenKeys  = []string{"token", "authorization", "cookie", "signature", "nonce", "credential"}
)

// Redact returns a copy of data with sensitive values removed or truncated.
func Redact(data map[string]any) map[string]any {
	return redactMap(data, 0)
}

func redactMap(data map[string]any, depth int) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = redactValue(k, v, depth)
	}
	return out
}

func redactValue(key string, v any, depth int) any {
	lower := strings.ToLower(key)

	for _, s := range secretKeys {
		if strings.Contains(lower, s) {
			return redacted
		}
	}
	for _, s := range tokenKeys {
		if strings.Contains(lower, s) {
			return truncateToken(v)
		}
	}

	if depth >= maxRedactDepth {
		return "[TRUNCATED]"
	}

	switch val := v.(type) {
	case map[string]any:
		return redactMap(val, depth+1)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k2, v2 := range val {
			m[k2] = v2
		}
		return redactMap(m, depth+1)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(key, item, depth+1)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(key, item, depth+1)
		}
		return out
	case string:
		if len(val) > maxStringLength {
			return val[:maxStringLength] + "...[truncated]"
		}
		return val
	case error:
		return val.Error()
	}
	return v
}

func truncateToken(v any) any {
	s, ok := v.(string)
	if !ok {
		if v == nil {
			return nil
		}
		return redacted
	}
	if len(s) <= tokenPrefixChars {
		return redacted
	}
	return s[:tokenPrefixChars] + "..."
}
