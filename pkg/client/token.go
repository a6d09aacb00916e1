package client

import "encoding/json"

// TokenSource supplies the stored session token before each request.
// The stored value may be a plain string or, from older clients, an object
// carrying the string under a "token" or "value" field; NormalizeToken
// reduces every shape to a string, empty when no usable token exists.
type TokenSource interface {
	Token() any
}

// StaticToken is a TokenSource for a fixed string token.
type StaticToken string

func (t StaticToken) Token() any { return string(t) }

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func() any

func (f TokenFunc) Token() any { return f() }

// NormalizeToken reduces a stored token value to a string. Objects are
// unwrapped through their "token" field first, then "value"; anything else
// normalizes to empty.
func NormalizeToken(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any:
		if s, ok := val["token"].(string); ok {
			return s
		}
		if s, ok := val["value"].(string); ok {
			return s
		}
		return ""
	case json.RawMessage:
		return normalizeRaw(val)
	case []byte:
		return normalizeRaw(val)
	default:
		return ""
	}
}

func normalizeRaw(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return NormalizeToken(obj)
	}
	return ""
}
