package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Open connects a pool and verifies it answers.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

var _ repository.Store = (*Repository)(nil)

// Ping ensures the database connection is alive.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases pooled connections.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

const projectColumns = `id, name, status, deployed_url, created_at, updated_at`

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query,
		project.ID,
		project.Name,
		string(project.Status),
		project.DeployedURL,
		project.CreatedAt.UTC(),
		project.UpdatedAt.UTC(),
	)
	return err
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	project, err := scanProject(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return project, nil
}

// UpdateProjectStatus sets the status and, when provided, the deployed URL.
func (r *Repository) UpdateProjectStatus(ctx context.Context, projectID string, status domain.ProjectStatus, deployedURL *string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: project status %q", repository.ErrInvalidArgument, status)
	}
	const query = `UPDATE projects
		SET status = $2,
			deployed_url = COALESCE($3, deployed_url),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, string(status), deployedURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListProjectsByStatus returns projects in the given status.
func (r *Repository) ListProjectsByStatus(ctx context.Context, status domain.ProjectStatus) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE status = $1 ORDER BY created_at`
	return r.listProjects(ctx, query, string(status))
}

// ListProjects returns every project, oldest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects ORDER BY created_at`
	return r.listProjects(ctx, query)
}

func (r *Repository) listProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, rows.Err()
}

// UpsertFile inserts or replaces a file at its path.
func (r *Repository) UpsertFile(ctx context.Context, file domain.ProjectFile) error {
	if file.Type == "" {
		file.Type = domain.FileTypeFile
	}
	const query = `INSERT INTO project_files (project_id, path, content, type, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, path) DO UPDATE
		SET content = EXCLUDED.content, type = EXCLUDED.type, updated_at = EXCLUDED.updated_at`
	updated := file.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := r.pool.Exec(ctx, query, file.ProjectID, file.Path, file.Content, string(file.Type), updated.UTC())
	return err
}

// ListFiles returns a project's file tree ordered by path.
func (r *Repository) ListFiles(ctx context.Context, projectID string) ([]domain.ProjectFile, error) {
	const query = `SELECT project_id, path, content, type, updated_at
		FROM project_files WHERE project_id = $1 ORDER BY path`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := make([]domain.ProjectFile, 0)
	for rows.Next() {
		var (
			f        domain.ProjectFile
			fileType string
		)
		if err := rows.Scan(&f.ProjectID, &f.Path, &f.Content, &fileType, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.Type = domain.FileType(fileType)
		files = append(files, f)
	}
	return files, rows.Err()
}

const deploymentColumns = `id, project_id, status, runtime_type, port, logs, url, error, created_at, updated_at, started_at, completed_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		string(deployment.Status),
		string(deployment.RuntimeType),
		deployment.Port,
		deployment.Logs,
		deployment.URL,
		deployment.Error,
		deployment.CreatedAt.UTC(),
		deployment.UpdatedAt.UTC(),
		timePtrToNil(deployment.StartedAt),
		timePtrToNil(deployment.CompletedAt),
	)
	return err
}

// UpdateDeployment writes every mutable column of a non-terminal deployment.
func (r *Repository) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `UPDATE deployments
		SET status = $2,
			runtime_type = $3,
			port = $4,
			logs = $5,
			url = $6,
			error = $7,
			updated_at = $8,
			started_at = $9,
			completed_at = $10
		WHERE id = $1 AND status IN ('pending', 'building')`
	tag, err := r.pool.Exec(ctx, query,
		deployment.ID,
		string(deployment.Status),
		string(deployment.RuntimeType),
		deployment.Port,
		deployment.Logs,
		deployment.URL,
		deployment.Error,
		deployment.UpdatedAt.UTC(),
		timePtrToNil(deployment.StartedAt),
		timePtrToNil(deployment.CompletedAt),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.GetDeploymentByID(ctx, deployment.ID); err != nil {
		return err
	}
	return repository.ErrConflict
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListDeploymentsByProject fetches recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE project_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	return r.listDeployments(ctx, query, projectID, limit)
}

// ListDeploymentsWithStatusUpdatedBefore finds deployments with a matching status updated before the cutoff.
func (r *Repository) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`
	return r.listDeployments(ctx, query, string(status), updatedBefore.UTC())
}

func (r *Repository) listDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p      domain.Project
		status string
	)
	if err := row.Scan(&p.ID, &p.Name, &status, &p.DeployedURL, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = domain.ProjectStatus(status)
	return &p, nil
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d           domain.Deployment
		status      string
		runtimeType string
		port        *int32
	)
	if err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&status,
		&runtimeType,
		&port,
		&d.Logs,
		&d.URL,
		&d.Error,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.StartedAt,
		&d.CompletedAt,
	); err != nil {
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	d.RuntimeType = domain.RuntimeType(runtimeType)
	if port != nil {
		value := int(*port)
		d.Port = &value
	}
	return &d, nil
}

func timePtrToNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}
