// Package credentials persists the vast.ai API key as a single raw token
// string in a file, conventionally ~/.vast_api_key.
package credentials

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoCredential is returned by Load when no credential file exists yet.
var ErrNoCredential = errors.New("no stored credential")

// Store reads and writes the API key file. Single-user, single-process use
// is assumed; there is no locking.
type Store struct {
	Path string
}

func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load returns the stored key with surrounding whitespace trimmed, or
// ErrNoCredential when the file does not exist.
func (s *Store) Load() (string, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", errors.Wrap(err, "couldn't read credential file")
	}

	return strings.TrimSpace(string(data)), nil
}

// Save writes the key, creating parent directories as needed and overwriting
// any existing value.
func (s *Store) Save(key string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return errors.Wrap(err, "couldn't create credential directory")
	}

	err := os.WriteFile(s.Path, []byte(key), 0600)
	return errors.Wrap(err, "couldn't write credential file")
}
