package testutil

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Sandbox is an isolated temporary directory for tests that exercise file
// loading — config files, keystores, persisted conductor state — without
// polluting the working directory or clobbering a sibling test's files.
type Sandbox struct {
	Root string
}

// NewSandbox creates a new Sandbox rooted at a fresh temporary directory.
func NewSandbox() (*Sandbox, error) {
	dir, err := os.MkdirTemp("", "conductor_sandbox")
	if err != nil {
		return nil, err
	}
	return &Sandbox{Root: dir}, nil
}

// Path returns the absolute path for a file within the sandbox.
func (s *Sandbox) Path(name string) string {
	return filepath.Join(s.Root, name)
}

// WriteFile writes data to the named file inside the sandbox using the
// provided permissions.
func (s *Sandbox) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(s.Path(name), data, perm)
}

// WriteTOML marshals v with the same encoder internal/conductor's config
// store persists config.toml with, and writes it to name inside the
// sandbox, so a config-loading test can build the fixture from a typed
// struct instead of a hand-written TOML string.
func (s *Sandbox) WriteTOML(name string, v any) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	return s.WriteFile(name, data, 0600)
}

// ReadFile reads and returns data from the named file inside the sandbox.
func (s *Sandbox) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(s.Path(name))
}

// Cleanup removes all files within the sandbox and deletes the root directory.
func (s *Sandbox) Cleanup() error {
	return os.RemoveAll(s.Root)
}
