package typeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	tests := []struct {
		name  string
		input any
		ok    bool
	}{
		{"valid map", map[string]any{"k": "v"}, true},
		{"empty map", map[string]any{}, true},
		{"nil map", map[string]any(nil), false},
		{"nil", nil, false},
		{"string", "not a map", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Map(tt.input)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestStringHelpers(t *testing.T) {
	s, ok := String("x")
	assert.True(t, ok)
	assert.Equal(t, "x", s)

	_, ok = String(42)
	assert.False(t, ok)

	assert.Equal(t, "x", StringDefault("x", "d"))
	assert.Equal(t, "d", StringDefault("", "d"))
	assert.Equal(t, "d", StringDefault(nil, "d"))
}

func TestBool(t *testing.T) {
	b, ok := Bool(true)
	assert.True(t, ok)
	assert.True(t, b)

	_, ok = Bool("true")
	assert.False(t, ok)
}

func TestInt(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  int
		ok    bool
	}{
		{"int", 3, 3, true},
		{"int64", int64(4), 4, true},
		{"whole float", float64(5), 5, true},
		{"fractional float", 5.5, 0, false},
		{"string", "5", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Int(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Strings([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "c"}, Strings([]any{"a", 1, "c"}))
	assert.Nil(t, Strings("a"))

	in := []string{"a"}
	out := Strings(in)
	out[0] = "z"
	assert.Equal(t, "a", in[0])
}

func TestNested(t *testing.T) {
	data := map[string]any{
		"error": map[string]any{
			"message": "boom",
			"detail":  map[string]any{"code": 7},
		},
		"status": "error",
	}

	v, ok := Nested(data, "error.detail.code")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	s, ok := NestedString(data, "error.message")
	assert.True(t, ok)
	assert.Equal(t, "boom", s)

	_, ok = Nested(data, "status.message")
	assert.False(t, ok)
	_, ok = Nested(data, "missing")
	assert.False(t, ok)
	_, ok = Nested(nil, "error")
	assert.False(t, ok)
	_, ok = NestedString(data, "error.detail")
	assert.False(t, ok)
}
