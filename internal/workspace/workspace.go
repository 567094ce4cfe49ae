// Package workspace partitions a root directory into one subdirectory per
// identifier. Staging uploads and published sites both live in workspaces so
// concurrent deployments never share files.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidID is returned for identifiers that would escape the root.
var ErrInvalidID = errors.New("workspace: invalid identifier")

// Manager owns identifier-keyed directories under a common root.
type Manager struct {
	root string
	// mu serialises Commit so concurrent swaps of one identifier cannot interleave.
	mu sync.Mutex
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute root directory.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the directory for identifier without touching the filesystem.
func (m *Manager) Path(identifier string) (string, error) {
	if err := validID(identifier); err != nil {
		return "", err
	}
	return filepath.Join(m.root, identifier), nil
}

// Prepare creates an empty directory for identifier, discarding previous contents.
func (m *Manager) Prepare(identifier string) (string, error) {
	dir, err := m.Path(identifier)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Stage creates an empty scratch directory beside identifier's workspace.
// Fill it, then Commit it; readers of the workspace never see a partial tree.
func (m *Manager) Stage(identifier string) (string, error) {
	if err := validID(identifier); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(m.root, "."+identifier+"-")
	if err != nil {
		return "", fmt.Errorf("create staging workspace: %w", err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("chmod staging workspace: %w", err)
	}
	return dir, nil
}

// Commit moves a directory returned by Stage into place as identifier's
// workspace and removes the previous contents. On failure the previous
// workspace is restored.
func (m *Manager) Commit(identifier, staged string) error {
	dir, err := m.Path(identifier)
	if err != nil {
		return err
	}
	if filepath.Dir(staged) != m.root || !strings.HasPrefix(filepath.Base(staged), "."+identifier+"-") {
		return fmt.Errorf("refusing to commit %q: not staged for %q", staged, identifier)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous := ""
	if _, err := os.Stat(dir); err == nil {
		previous = staged + ".previous"
		if err := os.Rename(dir, previous); err != nil {
			return fmt.Errorf("retire workspace: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat workspace: %w", err)
	}
	if err := os.Rename(staged, dir); err != nil {
		if previous != "" {
			_ = os.Rename(previous, dir)
		}
		return fmt.Errorf("commit workspace: %w", err)
	}
	if previous != "" {
		// the new tree is live; a leftover retired copy is only wasted space
		_ = os.RemoveAll(previous)
	}
	return nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// only directories within the configured root may be removed
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided identifier.
func (m *Manager) CleanupByID(identifier string) error {
	dir, err := m.Path(identifier)
	if err != nil {
		return err
	}
	return m.Cleanup(dir)
}

func validID(identifier string) error {
	if identifier == "" || identifier == "." || identifier == ".." ||
		strings.ContainsAny(identifier, `/\`) || identifier != filepath.Base(identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidID, identifier)
	}
	return nil
}
