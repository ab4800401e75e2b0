// Package deploy runs deployment attempts: per-project locking, the build and
// run pipeline, and finalization of the persisted record.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/shipyard/internal/command"
	"github.com/splax/shipyard/internal/descriptor"
	"github.com/splax/shipyard/internal/docker"
	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/metrics"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/workspace"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	finalizeTimeout     = 30 * time.Second
)

// Repositories is the slice of the store the executor needs.
type Repositories interface {
	repository.ProjectRepository
	repository.FileRepository
	repository.DeploymentRepository
}

// Runner executes one external command.
type Runner interface {
	Run(ctx context.Context, cmd command.Command, sink command.Sink) (command.Result, error)
}

// Broadcaster fans pipeline output out to live subscribers.
type Broadcaster interface {
	Publish(projectID, deploymentID, line string)
	Finish(projectID, deploymentID, status, url string)
}

// PortAllocator hands out host ports.
type PortAllocator interface {
	Reserve(ctx context.Context, owner string) (int, error)
	Release(port int)
	Adopt(port int, owner string) bool
	InUse() int
}

// Inspector reads a container's port bindings after start.
type Inspector interface {
	InspectContainer(ctx context.Context, name string) (docker.ContainerInfo, error)
}

// Config tunes the pipeline.
type Config struct {
	ComposeCmd        string
	DockerCmd         string
	PublicURLTemplate string
	NamePrefix        string
	KeepWorkdir       bool
}

// Dependencies wires an Executor.
type Dependencies struct {
	Store     Repositories
	Workspace *workspace.Manager
	Runner    Runner
	Hub       Broadcaster
	Ports     PortAllocator
	// Inspector is optional; without it the port binding check is skipped.
	Inspector Inspector
	Metrics   metrics.Sink
	Logger    *slog.Logger
}

// Handle is returned once an attempt has been accepted.
type Handle struct {
	DeploymentID string
	ProjectID    string
	Status       domain.DeploymentStatus
	CreatedAt    time.Time
	// Done is closed after the attempt is finalized.
	Done <-chan struct{}
}

// Executor accepts deployment requests and runs each accepted attempt in its
// own goroutine.
type Executor struct {
	store     Repositories
	workspace *workspace.Manager
	runner    Runner
	hub       Broadcaster
	ports     PortAllocator
	inspector Inspector
	metrics   metrics.Sink
	log       *slog.Logger
	cfg       Config
	generator descriptor.Generator

	locks *lockTable
	wg    sync.WaitGroup
	base  context.Context
	now   func() time.Time

	liveMu    sync.Mutex
	livePorts map[string]int
}

// New returns an Executor.
func New(deps Dependencies, cfg Config) (*Executor, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("deploy: store is required")
	case deps.Workspace == nil:
		return nil, errors.New("deploy: workspace is required")
	case deps.Runner == nil:
		return nil, errors.New("deploy: runner is required")
	case deps.Hub == nil:
		return nil, errors.New("deploy: hub is required")
	case deps.Ports == nil:
		return nil, errors.New("deploy: port allocator is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopSink()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.ComposeCmd == "" {
		cfg.ComposeCmd = "docker compose"
	}
	if cfg.DockerCmd == "" {
		cfg.DockerCmd = "docker"
	}
	if cfg.PublicURLTemplate == "" {
		cfg.PublicURLTemplate = "http://localhost:%d"
	}
	return &Executor{
		store:     deps.Store,
		workspace: deps.Workspace,
		runner:    deps.Runner,
		hub:       deps.Hub,
		ports:     deps.Ports,
		inspector: deps.Inspector,
		metrics:   deps.Metrics,
		log:       deps.Logger.With("component", "deploy"),
		cfg:       cfg,
		generator: descriptor.NewGenerator(cfg.NamePrefix),
		locks:     newLockTable(),
		base:      context.Background(),
		now:       time.Now,
		livePorts: make(map[string]int),
	}, nil
}

// Deploy accepts a deployment for projectID and returns as soon as the pending
// record exists. Only lock contention, project lookup failures and store
// errors while creating the record are reported here; everything after
// acceptance is recorded on the deployment itself.
func (e *Executor) Deploy(ctx context.Context, projectID string) (Handle, error) {
	t, ok := e.locks.acquire(projectID)
	if !ok {
		return Handle{}, ErrDeploymentInProgress
	}

	project, err := e.store.GetProjectByID(ctx, projectID)
	if err != nil {
		e.locks.release(projectID, t)
		return Handle{}, fmt.Errorf("load project %s: %w", projectID, err)
	}
	if project.Status == domain.ProjectArchived {
		e.locks.release(projectID, t)
		return Handle{}, ErrProjectArchived
	}

	now := e.now().UTC()
	deployment := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    domain.DeploymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateDeployment(ctx, deployment); err != nil {
		e.locks.release(projectID, t)
		return Handle{}, fmt.Errorf("create deployment: %w", err)
	}
	if err := e.store.UpdateProjectStatus(ctx, project.ID, domain.ProjectDeploying, nil); err != nil {
		e.abandon(deployment, err)
		e.locks.release(projectID, t)
		return Handle{}, fmt.Errorf("mark project deploying: %w", err)
	}

	// The pipeline owns deployment once started.
	handle := Handle{
		DeploymentID: deployment.ID,
		ProjectID:    project.ID,
		Status:       deployment.Status,
		CreatedAt:    deployment.CreatedAt,
		Done:         t.done,
	}

	taskCtx, cancel := context.WithCancel(e.base)
	e.locks.bind(t, deployment.ID, cancel)
	e.metrics.DeploymentStarted()

	e.wg.Add(1)
	go e.run(taskCtx, cancel, t, project, deployment)

	e.log.Info("deployment accepted", "project_id", handle.ProjectID, "deployment_id", handle.DeploymentID)
	return handle, nil
}

// abandon fails a pending record that never got a pipeline.
func (e *Executor) abandon(d *domain.Deployment, cause error) {
	ctx, cancel := context.WithTimeout(e.base, finalizeTimeout)
	defer cancel()
	if err := d.Transition(domain.DeploymentFailed, e.now().UTC()); err != nil {
		return
	}
	msg := cause.Error()
	d.Error = &msg
	if err := e.store.UpdateDeployment(ctx, d); err != nil {
		e.log.Error("fail abandoned deployment", "deployment_id", d.ID, "error", err)
	}
}

// Active reports whether projectID has an attempt in flight.
func (e *Executor) Active(projectID string) bool {
	return e.locks.held(projectID)
}

// RunIfIdle runs fn while holding projectID's lock, so no attempt can be
// accepted until fn returns. It reports false without calling fn when an
// attempt is already in flight.
func (e *Executor) RunIfIdle(projectID string, fn func() error) (bool, error) {
	t, ok := e.locks.acquire(projectID)
	if !ok {
		return false, nil
	}
	defer e.locks.release(projectID, t)
	return true, fn()
}

// ActiveDeployment reports whether deploymentID is the in-flight attempt of
// projectID.
func (e *Executor) ActiveDeployment(projectID, deploymentID string) bool {
	id, ok := e.locks.deployment(projectID)
	return ok && id == deploymentID
}

// Shutdown cancels every in-flight attempt and waits for them to finalize.
// Running commands are not interrupted; each attempt stops at its next step
// boundary.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.locks.cancelAll()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for deployments: %w", ctx.Err())
	}
}

// AdoptLivePorts re-reserves the host ports of running deployments, found as
// the latest succeeded deployment whose URL is still the project's deployed
// URL. It returns the number of ports adopted.
func (e *Executor) AdoptLivePorts(ctx context.Context) (int, error) {
	projects, err := e.store.ListProjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("list projects: %w", err)
	}
	adopted := 0
	for _, p := range projects {
		if p.DeployedURL == nil {
			continue
		}
		history, err := e.store.ListDeploymentsByProject(ctx, p.ID, defaultHistoryLimit)
		if err != nil {
			return adopted, fmt.Errorf("list deployments for %s: %w", p.ID, err)
		}
		for _, d := range history {
			if d.Status != domain.DeploymentSucceeded {
				continue
			}
			if d.Port != nil && d.URL != nil && *d.URL == *p.DeployedURL && e.ports.Adopt(*d.Port, p.ID) {
				e.setLivePort(p.ID, *d.Port)
				adopted++
			}
			break
		}
	}
	e.metrics.PortsInUse(e.ports.InUse())
	return adopted, nil
}

// Get returns a deployment that belongs to projectID.
func (e *Executor) Get(ctx context.Context, projectID, deploymentID string) (*domain.Deployment, error) {
	d, err := e.store.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.ProjectID != projectID {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

// History lists a project's deployments, newest first. limit is clamped to
// [1, 100] with 20 as the default.
func (e *Executor) History(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if _, err := e.store.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return e.store.ListDeploymentsByProject(ctx, projectID, ClampLimit(limit))
}

// ClampLimit normalises a history page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	}
	return limit
}

func (e *Executor) setLivePort(projectID string, port int) {
	e.liveMu.Lock()
	e.livePorts[projectID] = port
	e.liveMu.Unlock()
}

// takeLivePort removes and returns the port of the project's previous
// deployment, if any.
func (e *Executor) takeLivePort(projectID string) (int, bool) {
	e.liveMu.Lock()
	defer e.liveMu.Unlock()
	port, ok := e.livePorts[projectID]
	delete(e.livePorts, projectID)
	return port, ok
}
