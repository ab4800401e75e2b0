package domain

// RuntimeType selects the build and run recipe for a project.
type RuntimeType string

const (
	RuntimeNodeService     RuntimeType = "node-service"
	RuntimeNodeStaticBuild RuntimeType = "node-static-build"
	RuntimePythonService   RuntimeType = "python-service"
	RuntimeStatic          RuntimeType = "static"
)

// RuntimeTypes lists every runtime in classification priority order.
var RuntimeTypes = []RuntimeType{
	RuntimeNodeService,
	RuntimeNodeStaticBuild,
	RuntimePythonService,
	RuntimeStatic,
}

// Valid reports whether r is a known runtime type.
func (r RuntimeType) Valid() bool {
	for _, known := range RuntimeTypes {
		if r == known {
			return true
		}
	}
	return false
}
