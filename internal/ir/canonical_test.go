package ir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"hash list", []ContentHash{"a", "b"}, `["a","b"]`},
		{"document id", DocumentID("doc"), `"doc"`},
		{"no html escaping", "<a & b>", `"<a & b>"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": 1,
		"alpha": 2,
		"beta":  3,
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":3,"zebra":1}`, string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	composed, err := MarshalCanonical("\u00e9")
	require.NoError(t, err)
	decomposed, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)

	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonicalRejectsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(1.5)
	assert.Error(t, err)

	_, err = MarshalCanonical(nil)
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"x": nil})
	assert.Error(t, err)
}

func TestClockStrictlyIncreasing(t *testing.T) {
	fixed := time.UnixMilli(1000)
	c := NewClockFunc(func() time.Time { return fixed })

	assert.Equal(t, Timestamp(1000), c.Next())
	assert.Equal(t, Timestamp(1001), c.Next(), "stalled wall clock must still advance")

	c.Observe(5000)
	assert.Equal(t, Timestamp(5001), c.Next())
	assert.Equal(t, Timestamp(5001), c.Current())

	c.Observe(10)
	assert.Equal(t, Timestamp(5002), c.Next(), "observing an older stamp is a no-op")
}
