package domain

import "time"

// ProjectStatus is the project-visible deployment state.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectDeploying ProjectStatus = "deploying"
	ProjectArchived  ProjectStatus = "archived"
)

// Valid reports whether s is a known project status.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectActive, ProjectDeploying, ProjectArchived:
		return true
	}
	return false
}

// Project describes a deployable virtual file tree.
type Project struct {
	ID          string
	Name        string
	Status      ProjectStatus
	DeployedURL *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FileType distinguishes stored files from structural directory entries.
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "directory"
)

// ProjectFile is one entry of a project's stored file tree. Path is
// slash-separated and relative to the project root.
type ProjectFile struct {
	ProjectID string
	Path      string
	Content   string
	Type      FileType
	UpdatedAt time.Time
}
