package repository

import (
	"context"
	"time"

	"github.com/splax/shipyard/internal/domain"
)

// ProjectRepository persists projects and their public deployment status.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	// UpdateProjectStatus sets the status and, when deployedURL is non-nil,
	// the deployed URL. A nil deployedURL leaves the stored value untouched.
	UpdateProjectStatus(ctx context.Context, projectID string, status domain.ProjectStatus, deployedURL *string) error
	ListProjectsByStatus(ctx context.Context, status domain.ProjectStatus) ([]domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// FileRepository exposes a project's stored file tree.
type FileRepository interface {
	UpsertFile(ctx context.Context, file domain.ProjectFile) error
	ListFiles(ctx context.Context, projectID string) ([]domain.ProjectFile, error)
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	// UpdateDeployment writes the mutable fields of a non-terminal deployment.
	// It returns ErrConflict when the stored row is already terminal.
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	// ListDeploymentsByProject returns newest first.
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error)
}

// Store bundles every repository with connection lifecycle.
type Store interface {
	ProjectRepository
	FileRepository
	DeploymentRepository
	Ping(ctx context.Context) error
	Close() error
}
