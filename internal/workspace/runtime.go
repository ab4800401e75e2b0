package workspace

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/splax/shipyard/internal/domain"
)

const (
	nodeManifest   = "package.json"
	pythonManifest = "requirements.txt"
	htmlEntry      = "index.html"
)

// webFrameworks are dependency names that mark a node project as a long-running
// HTTP service rather than a bundle to build and serve.
var webFrameworks = []string{
	"express",
	"fastify",
	"koa",
	"hapi",
	"@hapi/hapi",
	"@nestjs/core",
	"restify",
	"polka",
	"hono",
}

// npmManifest holds the package.json fields classification reads. Tooling
// under devDependencies never makes a project a service.
type npmManifest struct {
	Dependencies map[string]string `json:"dependencies"`
	Scripts      map[string]string `json:"scripts"`
}

func (m *npmManifest) hasDependency(name string) bool {
	if m == nil {
		return false
	}
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	return false
}

func (m *npmManifest) hasWebFramework() bool {
	for _, name := range webFrameworks {
		if m.hasDependency(name) {
			return true
		}
	}
	return false
}

// DetectRuntime classifies a project's files. The first matching rule wins:
// a root package.json naming a web framework, any other root package.json,
// a root requirements.txt, a root index.html, and finally the static default.
// It never fails; an unparsable package.json counts as a manifest with no
// framework.
func DetectRuntime(files []domain.ProjectFile) domain.RuntimeType {
	root := rootFiles(files)

	if content, ok := root[nodeManifest]; ok {
		var manifest npmManifest
		if err := json.Unmarshal([]byte(content), &manifest); err == nil && manifest.hasWebFramework() {
			return domain.RuntimeNodeService
		}
		return domain.RuntimeNodeStaticBuild
	}
	if _, ok := root[pythonManifest]; ok {
		return domain.RuntimePythonService
	}
	if _, ok := root[htmlEntry]; ok {
		return domain.RuntimeStatic
	}
	return domain.RuntimeStatic
}

// rootFiles indexes file entries that sit directly in the project root.
func rootFiles(files []domain.ProjectFile) map[string]string {
	out := make(map[string]string, len(files))
	for _, f := range files {
		if f.Type == domain.FileTypeDirectory {
			continue
		}
		p := strings.TrimSpace(f.Path)
		if p == "" {
			continue
		}
		clean := path.Clean(strings.TrimPrefix(p, "/"))
		if strings.Contains(clean, "/") {
			continue
		}
		out[clean] = f.Content
	}
	return out
}
