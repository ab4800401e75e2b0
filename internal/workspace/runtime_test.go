package workspace

import (
	"testing"

	"github.com/splax/shipyard/internal/domain"
)

func files(entries ...string) []domain.ProjectFile {
	out := make([]domain.ProjectFile, 0, len(entries)/2)
	for i := 0; i+1 < len(entries); i += 2 {
		out = append(out, domain.ProjectFile{Path: entries[i], Content: entries[i+1], Type: domain.FileTypeFile})
	}
	return out
}

func TestDetectRuntimeDecisionList(t *testing.T) {
	cases := []struct {
		name  string
		files []domain.ProjectFile
		want  domain.RuntimeType
	}{
		{
			name:  "express service",
			files: files("package.json", `{"dependencies":{"express":"^4.18.0"}}`, "index.js", "require('express')"),
			want:  domain.RuntimeNodeService,
		},
		{
			name:  "framework name is case-insensitive",
			files: files("package.json", `{"dependencies":{"Fastify":"4"}}`),
			want:  domain.RuntimeNodeService,
		},
		{
			name:  "framework only in dev dependencies",
			files: files("package.json", `{"dependencies":{"react":"18"},"devDependencies":{"express":"^4.18.0"},"scripts":{"build":"vite build"}}`),
			want:  domain.RuntimeNodeStaticBuild,
		},
		{
			name:  "react bundle",
			files: files("package.json", `{"dependencies":{"react":"18"},"scripts":{"build":"react-scripts build"}}`),
			want:  domain.RuntimeNodeStaticBuild,
		},
		{
			name:  "manifest wins over html",
			files: files("index.html", "<html></html>", "package.json", `{"name":"site"}`),
			want:  domain.RuntimeNodeStaticBuild,
		},
		{
			name:  "unparsable manifest",
			files: files("package.json", "{not json"),
			want:  domain.RuntimeNodeStaticBuild,
		},
		{
			name:  "python",
			files: files("requirements.txt", "flask\n", "app.py", "print('hi')"),
			want:  domain.RuntimePythonService,
		},
		{
			name:  "html only",
			files: files("index.html", "<html></html>"),
			want:  domain.RuntimeStatic,
		},
		{
			name:  "nested manifest ignored",
			files: files("web/package.json", `{"dependencies":{"express":"4"}}`, "README.md", "hi"),
			want:  domain.RuntimeStatic,
		},
		{
			name:  "empty project",
			files: nil,
			want:  domain.RuntimeStatic,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DetectRuntime(tc.files)
			if got != tc.want {
				t.Fatalf("expected runtime %q got %q", tc.want, got)
			}
			if again := DetectRuntime(tc.files); again != got {
				t.Fatalf("classification not stable: %q then %q", got, again)
			}
			if !got.Valid() {
				t.Fatalf("classifier returned unknown runtime %q", got)
			}
		})
	}
}

func TestDetectRuntimeSkipsDirectoryEntries(t *testing.T) {
	entries := []domain.ProjectFile{
		{Path: "package.json", Type: domain.FileTypeDirectory},
		{Path: "index.html", Content: "<html></html>", Type: domain.FileTypeFile},
	}
	if got := DetectRuntime(entries); got != domain.RuntimeStatic {
		t.Fatalf("expected runtime %q got %q", domain.RuntimeStatic, got)
	}
}

func TestDetectRuntimeLeadingSlash(t *testing.T) {
	got := DetectRuntime(files("/requirements.txt", "flask"))
	if got != domain.RuntimePythonService {
		t.Fatalf("expected runtime %q got %q", domain.RuntimePythonService, got)
	}
}
