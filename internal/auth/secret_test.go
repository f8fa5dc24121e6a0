package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "_secret")

	s1, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	_, err = uuid.Parse(s1.Reveal())
	assert.NoError(t, err, "secret is a UUID")

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	s2, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s1, s2)
}

func TestLoadOrCreateTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "_secret")
	require.NoError(t, os.WriteFile(path, []byte("hunter2\n"), 0o600))

	s, _, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, s.Verify("hunter2"))
}

func TestLoadOrCreateRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "_secret")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, _, err := LoadOrCreate(path)
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	s := Secret("correct-horse")

	assert.True(t, s.Verify("correct-horse"))
	assert.False(t, s.Verify("correct-hors"))
	assert.False(t, s.Verify(""))
	assert.False(t, Secret("").Verify(""), "an empty secret accepts nobody")
}

func TestStringRedacts(t *testing.T) {
	s := Secret("correct-horse")
	assert.Equal(t, "[redacted]", fmt.Sprint(s))
	assert.Equal(t, "correct-horse", s.Reveal())
}
