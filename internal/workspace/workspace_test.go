package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/splax/shipyard/internal/domain"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestPrepareIsolatesAttempts(t *testing.T) {
	m := newManager(t)

	first, err := m.Prepare("proj", "dep-1")
	if err != nil {
		t.Fatalf("prepare first: %v", err)
	}
	second, err := m.Prepare("proj", "dep-2")
	if err != nil {
		t.Fatalf("prepare second: %v", err)
	}
	if first == second {
		t.Fatalf("attempts share a directory: %s", first)
	}
	if want := filepath.Join(m.Root(), "proj", "dep-1"); first != want {
		t.Fatalf("expected %s got %s", want, first)
	}

	if _, err := m.Prepare("proj", "../escape"); err == nil {
		t.Fatalf("expected traversal identifier to be rejected")
	}
}

func TestMaterializeWritesNestedFiles(t *testing.T) {
	m := newManager(t)
	dir, err := m.Prepare("proj", "dep")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	entries := []domain.ProjectFile{
		{Path: "src", Type: domain.FileTypeDirectory},
		{Path: "src/lib/util.js", Content: "module.exports = 1", Type: domain.FileTypeFile},
		{Path: "index.html", Content: "<h1>hi</h1>", Type: domain.FileTypeFile},
	}
	n, err := m.Materialize(dir, entries)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 files written got %d", n)
	}
	if got := readFile(t, filepath.Join(dir, "src", "lib", "util.js")); got != "module.exports = 1" {
		t.Fatalf("unexpected content %q", got)
	}
	if got := readFile(t, filepath.Join(dir, "index.html")); !strings.Contains(got, "hi") {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestMaterializeRejectsEscapingPaths(t *testing.T) {
	m := newManager(t)
	dir, err := m.Prepare("proj", "dep")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	for _, p := range []string{"../outside.txt", "/etc/passwd", "a/../../b", ""} {
		_, err := m.Materialize(dir, []domain.ProjectFile{{Path: p, Content: "x", Type: domain.FileTypeFile}})
		if !errors.Is(err, ErrMaterialization) {
			t.Fatalf("path %q: expected ErrMaterialization got %v", p, err)
		}
		var merr *MaterializationError
		if !errors.As(err, &merr) || merr.Path != p {
			t.Fatalf("path %q: expected MaterializationError carrying the path, got %v", p, err)
		}
	}
}

func TestMaterializeKeepsPartialWrites(t *testing.T) {
	m := newManager(t)
	dir, err := m.Prepare("proj", "dep")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	// A file where a directory is needed makes the second write fail.
	entries := []domain.ProjectFile{
		{Path: "a", Content: "file", Type: domain.FileTypeFile},
		{Path: "a/b.txt", Content: "nested", Type: domain.FileTypeFile},
	}
	n, err := m.Materialize(dir, entries)
	if !errors.Is(err, ErrMaterialization) {
		t.Fatalf("expected ErrMaterialization got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one file written before failure got %d", n)
	}
	if got := readFile(t, filepath.Join(dir, "a")); got != "file" {
		t.Fatalf("partial write missing, got %q", got)
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m := newManager(t)
	if err := m.Cleanup(t.TempDir()); err == nil {
		t.Fatalf("expected refusal for path outside root")
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatalf("expected refusal for the root itself")
	}

	dir, err := m.Prepare("proj", "dep")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := m.Cleanup(dir); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.Root(), "proj")); !os.IsNotExist(err) {
		t.Fatalf("expected empty project dir to be removed, stat err %v", err)
	}
}

func TestSweepHonoursKeepAndCutoff(t *testing.T) {
	m := newManager(t)
	old, _ := m.Prepare("proj", "old")
	live, _ := m.Prepare("proj", "live")
	fresh, _ := m.Prepare("proj", "fresh")

	past := time.Now().Add(-2 * time.Hour)
	for _, dir := range []string{old, live} {
		if err := os.Chtimes(dir, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed, err := m.Sweep(time.Now().Add(-time.Hour), func(_, deploymentID string) bool {
		return deploymentID == "live"
	})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != old {
		t.Fatalf("expected only %s removed, got %v", old, removed)
	}
	for _, dir := range []string{live, fresh} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("expected %s to survive: %v", dir, err)
		}
	}
}
