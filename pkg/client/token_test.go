package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeToken(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"plain string", "abc123", "abc123"},
		{"empty string", "", ""},
		{"object token field", map[string]any{"token": "tok-1"}, "tok-1"},
		{"object value field", map[string]any{"value": "tok-2"}, "tok-2"},
		{"token wins over value", map[string]any{"token": "tok-1", "value": "tok-2"}, "tok-1"},
		{"object without usable field", map[string]any{"other": "x"}, ""},
		{"raw json string", json.RawMessage(`"tok-3"`), "tok-3"},
		{"raw json object", json.RawMessage(`{"token":"tok-4"}`), "tok-4"},
		{"raw json value object", json.RawMessage(`{"value":"tok-5"}`), "tok-5"},
		{"raw bytes", []byte(`"tok-6"`), "tok-6"},
		{"raw garbage", json.RawMessage(`{{`), ""},
		{"number", 42, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeToken(tt.in))
		})
	}
}

func TestStaticTokenAndTokenFunc(t *testing.T) {
	assert.Equal(t, "fixed", NormalizeToken(StaticToken("fixed").Token()))

	src := TokenFunc(func() any { return map[string]any{"token": "dynamic"} })
	assert.Equal(t, "dynamic", NormalizeToken(src.Token()))
}
