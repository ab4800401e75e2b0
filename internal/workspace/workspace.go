package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manager owns deployment-attempt working directories under a common root.
// Each attempt gets <root>/<projectID>/<deploymentID>.
type Manager struct {
	root string
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

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates an isolated directory for one deployment attempt.
func (m *Manager) Prepare(projectID, deploymentID string) (string, error) {
	if !validSegment(projectID) || !validSegment(deploymentID) {
		return "", fmt.Errorf("invalid workspace identifier %q/%q", projectID, deploymentID)
	}
	dir := filepath.Join(m.root, projectID, deploymentID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes the workspace directory and, when it was the last attempt,
// the now-empty project directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	parent := filepath.Dir(path)
	if parent != m.root {
		// Fails harmlessly when sibling attempts remain.
		_ = os.Remove(parent)
	}
	return nil
}

// Sweep removes attempt directories last modified before cutoff unless keep
// reports them as belonging to a live deployment. It returns the removed paths.
func (m *Manager) Sweep(cutoff time.Time, keep func(projectID, deploymentID string) bool) ([]string, error) {
	projects, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}
	var removed []string
	var errs []error
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		projectDir := filepath.Join(m.root, project.Name())
		attempts, err := os.ReadDir(projectDir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, attempt := range attempts {
			if !attempt.IsDir() {
				continue
			}
			if keep != nil && keep(project.Name(), attempt.Name()) {
				continue
			}
			info, err := attempt.Info()
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(projectDir, attempt.Name())
			if err := m.Cleanup(path); err != nil {
				errs = append(errs, fmt.Errorf("sweep %s: %w", path, err))
				continue
			}
			removed = append(removed, path)
		}
	}
	return removed, errors.Join(errs...)
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
