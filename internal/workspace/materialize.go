package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/splax/shipyard/internal/domain"
)

// ErrMaterialization classifies every failure to render stored files to disk.
var ErrMaterialization = errors.New("workspace: materialization failed")

// MaterializationError records the file that could not be written.
type MaterializationError struct {
	Path string
	Err  error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("materialize %s: %v", e.Path, e.Err)
}

func (e *MaterializationError) Unwrap() []error {
	return []error{ErrMaterialization, e.Err}
}

// Materialize writes every file entry into dir, creating parent directories as
// needed. Directory entries are structural and skipped. Files already written
// before a failure are left in place; the caller discards dir.
func (m *Manager) Materialize(dir string, files []domain.ProjectFile) (int, error) {
	written := 0
	for _, f := range files {
		if f.Type == domain.FileTypeDirectory {
			continue
		}
		target, err := resolve(dir, f.Path)
		if err != nil {
			return written, &MaterializationError{Path: f.Path, Err: err}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, &MaterializationError{Path: f.Path, Err: err}
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return written, &MaterializationError{Path: f.Path, Err: err}
		}
		written++
	}
	return written, nil
}

// resolve maps a stored slash path onto dir, rejecting anything that would
// land outside it.
func resolve(dir, rel string) (string, error) {
	trimmed := strings.TrimSpace(rel)
	if trimmed == "" {
		return "", errors.New("empty path")
	}
	if path.IsAbs(trimmed) || filepath.IsAbs(trimmed) {
		return "", errors.New("absolute path")
	}
	clean := path.Clean(trimmed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.New("path escapes project root")
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}
