package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Fixed width so that text ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements repository.Store on a single SQLite file.
type Store struct {
	db *sqlx.DB
}

var _ repository.Store = (*Store)(nil)

// Open opens dsn (a file path or ":memory:") and applies the embedded migrations.
func Open(dsn string) (*Store, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Ping ensures the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// Projects
// =============================================================================

type projectRow struct {
	ID          string  `db:"id"`
	Name        string  `db:"name"`
	Status      string  `db:"status"`
	DeployedURL *string `db:"deployed_url"`
	CreatedAt   string  `db:"created_at"`
	UpdatedAt   string  `db:"updated_at"`
}

func (s *Store) CreateProject(ctx context.Context, project *domain.Project) error {
	row := projectRow{
		ID:          project.ID,
		Name:        project.Name,
		Status:      string(project.Status),
		DeployedURL: project.DeployedURL,
		CreatedAt:   formatTime(project.CreatedAt),
		UpdatedAt:   formatTime(project.UpdatedAt),
	}
	const query = `INSERT INTO projects (id, name, status, deployed_url, created_at, updated_at)
		VALUES (:id, :name, :status, :deployed_url, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, query, row)
	return err
}

func (s *Store) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM projects WHERE id = ?`, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return rowToProject(&row)
}

func (s *Store) UpdateProjectStatus(ctx context.Context, projectID string, status domain.ProjectStatus, deployedURL *string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: project status %q", repository.ErrInvalidArgument, status)
	}
	const query = `UPDATE projects
		SET status = ?, deployed_url = COALESCE(?, deployed_url), updated_at = ?
		WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, string(status), deployedURL, formatTime(time.Now()), projectID)
	if err != nil {
		return err
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) ListProjectsByStatus(ctx context.Context, status domain.ProjectStatus) ([]domain.Project, error) {
	var rows []projectRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM projects WHERE status = ? ORDER BY created_at`, string(status)); err != nil {
		return nil, err
	}
	return rowsToProjects(rows)
}

func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var rows []projectRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM projects ORDER BY created_at`); err != nil {
		return nil, err
	}
	return rowsToProjects(rows)
}

// =============================================================================
// Files
// =============================================================================

type fileRow struct {
	ProjectID string `db:"project_id"`
	Path      string `db:"path"`
	Content   string `db:"content"`
	Type      string `db:"type"`
	UpdatedAt string `db:"updated_at"`
}

func (s *Store) UpsertFile(ctx context.Context, file domain.ProjectFile) error {
	if file.Type == "" {
		file.Type = domain.FileTypeFile
	}
	if file.UpdatedAt.IsZero() {
		file.UpdatedAt = time.Now()
	}
	row := fileRow{
		ProjectID: file.ProjectID,
		Path:      file.Path,
		Content:   file.Content,
		Type:      string(file.Type),
		UpdatedAt: formatTime(file.UpdatedAt),
	}
	const query = `INSERT INTO project_files (project_id, path, content, type, updated_at)
		VALUES (:project_id, :path, :content, :type, :updated_at)
		ON CONFLICT (project_id, path) DO UPDATE
		SET content = excluded.content, type = excluded.type, updated_at = excluded.updated_at`
	_, err := s.db.NamedExecContext(ctx, query, row)
	return err
}

func (s *Store) ListFiles(ctx context.Context, projectID string) ([]domain.ProjectFile, error) {
	var rows []fileRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM project_files WHERE project_id = ? ORDER BY path`, projectID); err != nil {
		return nil, err
	}
	files := make([]domain.ProjectFile, 0, len(rows))
	for _, row := range rows {
		updated, err := parseTime(row.UpdatedAt)
		if err != nil {
			return nil, err
		}
		files = append(files, domain.ProjectFile{
			ProjectID: row.ProjectID,
			Path:      row.Path,
			Content:   row.Content,
			Type:      domain.FileType(row.Type),
			UpdatedAt: updated,
		})
	}
	return files, nil
}

// =============================================================================
// Deployments
// =============================================================================

type deploymentRow struct {
	ID          string  `db:"id"`
	ProjectID   string  `db:"project_id"`
	Status      string  `db:"status"`
	RuntimeType string  `db:"runtime_type"`
	Port        *int64  `db:"port"`
	Logs        string  `db:"logs"`
	URL         *string `db:"url"`
	Error       *string `db:"error"`
	CreatedAt   string  `db:"created_at"`
	UpdatedAt   string  `db:"updated_at"`
	StartedAt   *string `db:"started_at"`
	CompletedAt *string `db:"completed_at"`
}

func (s *Store) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments
		(id, project_id, status, runtime_type, port, logs, url, error, created_at, updated_at, started_at, completed_at)
		VALUES (:id, :project_id, :status, :runtime_type, :port, :logs, :url, :error, :created_at, :updated_at, :started_at, :completed_at)`
	_, err := s.db.NamedExecContext(ctx, query, deploymentToRow(deployment))
	return err
}

func (s *Store) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `UPDATE deployments SET
		status = :status,
		runtime_type = :runtime_type,
		port = :port,
		logs = :logs,
		url = :url,
		error = :error,
		updated_at = :updated_at,
		started_at = :started_at,
		completed_at = :completed_at
		WHERE id = :id AND status IN ('pending', 'building')`
	result, err := s.db.NamedExecContext(ctx, query, deploymentToRow(deployment))
	if err != nil {
		return err
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}
	if _, err := s.GetDeploymentByID(ctx, deployment.ID); err != nil {
		return err
	}
	return repository.ErrConflict
}

func (s *Store) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM deployments WHERE id = ?`, deploymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return rowToDeployment(&row)
}

func (s *Store) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []deploymentRow
	const query = `SELECT * FROM deployments WHERE project_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, projectID, limit); err != nil {
		return nil, err
	}
	return rowsToDeployments(rows)
}

func (s *Store) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error) {
	var rows []deploymentRow
	const query = `SELECT * FROM deployments WHERE status = ? AND updated_at < ? ORDER BY updated_at`
	if err := s.db.SelectContext(ctx, &rows, query, string(status), formatTime(updatedBefore)); err != nil {
		return nil, err
	}
	return rowsToDeployments(rows)
}

// =============================================================================
// Conversions
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or by older builds may use plain RFC3339.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	return t, nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func rowToProject(row *projectRow) (*domain.Project, error) {
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, err
	}
	updated, err := parseTime(row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &domain.Project{
		ID:          row.ID,
		Name:        row.Name,
		Status:      domain.ProjectStatus(row.Status),
		DeployedURL: row.DeployedURL,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}, nil
}

func rowsToProjects(rows []projectRow) ([]domain.Project, error) {
	projects := make([]domain.Project, 0, len(rows))
	for i := range rows {
		p, err := rowToProject(&rows[i])
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, nil
}

func deploymentToRow(d *domain.Deployment) deploymentRow {
	row := deploymentRow{
		ID:          d.ID,
		ProjectID:   d.ProjectID,
		Status:      string(d.Status),
		RuntimeType: string(d.RuntimeType),
		Logs:        d.Logs,
		URL:         d.URL,
		Error:       d.Error,
		CreatedAt:   formatTime(d.CreatedAt),
		UpdatedAt:   formatTime(d.UpdatedAt),
		StartedAt:   formatTimePtr(d.StartedAt),
		CompletedAt: formatTimePtr(d.CompletedAt),
	}
	if d.Port != nil {
		port := int64(*d.Port)
		row.Port = &port
	}
	return row
}

func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, err
	}
	updated, err := parseTime(row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	started, err := parseTimePtr(row.StartedAt)
	if err != nil {
		return nil, err
	}
	completed, err := parseTimePtr(row.CompletedAt)
	if err != nil {
		return nil, err
	}
	d := &domain.Deployment{
		ID:          row.ID,
		ProjectID:   row.ProjectID,
		Status:      domain.DeploymentStatus(row.Status),
		RuntimeType: domain.RuntimeType(row.RuntimeType),
		Logs:        row.Logs,
		URL:         row.URL,
		Error:       row.Error,
		CreatedAt:   created,
		UpdatedAt:   updated,
		StartedAt:   started,
		CompletedAt: completed,
	}
	if row.Port != nil {
		port := int(*row.Port)
		d.Port = &port
	}
	return d, nil
}

func rowsToDeployments(rows []deploymentRow) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, nil
}
