// Package auth manages the shared peer secret a relay server accepts.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Secret is the shared credential peers present in the key query parameter.
type Secret string

// Generate returns a fresh random secret (UUIDv4 text).
func Generate() Secret {
	return Secret(uuid.NewString())
}

// LoadOrCreate reads the secret stored at path, generating and persisting
// one (mode 0600) if the file does not exist. created reports whether a
// new secret was written.
func LoadOrCreate(path string) (s Secret, created bool, err error) {
	data, err := os.ReadFile(path)
	if err == nil {
		s = Secret(strings.TrimSpace(string(data)))
		if s == "" {
			return "", false, fmt.Errorf("secret file %s is empty", path)
		}
		return s, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", false, fmt.Errorf("read secret: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", false, fmt.Errorf("create secret dir: %w", err)
	}
	s = Generate()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		// Lost a race with another process; use its secret.
		return LoadOrCreate(path)
	}
	if err != nil {
		return "", false, fmt.Errorf("create secret: %w", err)
	}
	if _, err := f.WriteString(string(s)); err != nil {
		f.Close()
		return "", false, fmt.Errorf("write secret: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", false, fmt.Errorf("fsync secret: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", false, fmt.Errorf("close secret: %w", err)
	}
	return s, true, nil
}

// Verify compares candidate to the secret in constant time.
func (s Secret) Verify(candidate string) bool {
	if s == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s), []byte(candidate)) == 1
}

// String redacts the secret so it never lands in logs by accident.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

// Reveal returns the secret text.
func (s Secret) Reveal() string { return string(s) }
