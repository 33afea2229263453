package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Locator resolves per-project working directories under a common root.
// One directory exists per project, named by its id.
type Locator struct {
	root string
}

// New ensures the storage root exists and is accessible. Failure here is a
// fatal configuration problem for the caller, not something to retry.
func New(root string) (*Locator, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Locator{root: root}, nil
}

// Root returns the resolved storage root.
func (l *Locator) Root() string {
	return l.root
}

// ProjectDir returns the working directory for a project, creating it if
// absent. Creation is idempotent.
func (l *Locator) ProjectDir(projectID string) (string, error) {
	dir, err := l.guard(projectID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	return dir, nil
}

// Purge empties a project's working directory, leaving the directory itself
// in place. Used after a rejected upload so no untrusted files survive.
func (l *Locator) Purge(projectID string) error {
	dir, err := l.guard(projectID)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read project dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("purge %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Remove deletes a project's working directory entirely.
func (l *Locator) Remove(projectID string) error {
	dir, err := l.guard(projectID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// guard resolves a project directory and refuses anything that would escape
// the configured root.
func (l *Locator) guard(projectID string) (string, error) {
	if strings.TrimSpace(projectID) == "" {
		return "", fmt.Errorf("project id cannot be empty")
	}
	dir := filepath.Join(l.root, projectID)
	rel, err := filepath.Rel(l.root, dir)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("refusing to touch path outside storage root")
	}
	return dir, nil
}
