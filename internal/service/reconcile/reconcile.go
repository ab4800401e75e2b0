// Package reconcile recovers deployments orphaned by an engine restart and
// sweeps abandoned working directories.
//
// A deployment is orphaned when it is still pending or building in the store
// but no live attempt holds its project's lock. Only this process runs
// attempts, so such records can never finish on their own.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/metrics"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/workspace"
)

// OrphanedMessage is recorded as the error of every recovered deployment.
const OrphanedMessage = "deployment orphaned (engine restarted)"

// Store is the persistence the reconciler reads and repairs.
type Store interface {
	ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	ListProjectsByStatus(ctx context.Context, status domain.ProjectStatus) ([]domain.Project, error)
	UpdateProjectStatus(ctx context.Context, projectID string, status domain.ProjectStatus, deployedURL *string) error
}

// Tracker reports which projects have a live attempt.
type Tracker interface {
	Active(projectID string) bool
	ActiveDeployment(projectID, deploymentID string) bool
	// RunIfIdle runs fn only when projectID has no live attempt and keeps
	// new attempts out until fn returns.
	RunIfIdle(projectID string, fn func() error) (bool, error)
}

// Config holds reconciler configuration.
type Config struct {
	// Schedule is a robfig/cron spec. Default: "@every 5m".
	Schedule string
	// StaleAfter is how long a non-terminal record may go without an update
	// before it is considered orphaned. Default: 30 minutes.
	StaleAfter time.Duration
	// WorkspaceTTL bounds the age of attempt directories; zero disables the
	// sweep.
	WorkspaceTTL time.Duration
}

// Report summarises one pass.
type Report struct {
	Orphaned         int
	ProjectsRestored int
	Swept            int
}

// Reconciler repairs orphaned state on a schedule.
type Reconciler struct {
	cfg       Config
	store     Store
	tracker   Tracker
	workspace *workspace.Manager
	metrics   metrics.Sink
	log       *slog.Logger
	clock     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a Reconciler. ws and sink may be nil.
func New(cfg Config, store Store, tracker Tracker, ws *workspace.Manager, sink metrics.Sink, logger *slog.Logger) *Reconciler {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cfg:       cfg,
		store:     store,
		tracker:   tracker,
		workspace: ws,
		metrics:   sink,
		log:       logger.With("component", "reconcile"),
		clock:     time.Now,
	}
}

// Start runs one pass immediately, then schedules further passes. Passes never
// overlap.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New("reconcile: already started")
	}

	logger := cronLogger{log: r.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(r.cfg.Schedule, func() { r.runLogged(ctx) }); err != nil {
		return fmt.Errorf("schedule reconcile %q: %w", r.cfg.Schedule, err)
	}

	r.runLogged(ctx)
	c.Start()
	r.cron = c
	r.log.Info("reconciler started", "schedule", r.cfg.Schedule, "stale_after", r.cfg.StaleAfter)
	return nil
}

// Stop halts the schedule and waits for a running pass to return.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.log.Info("reconciler stopped")
}

func (r *Reconciler) runLogged(ctx context.Context) {
	report, err := r.RunOnce(ctx)
	if err != nil {
		r.log.Error("reconcile pass failed", "error", err)
	}
	if report.Orphaned > 0 || report.ProjectsRestored > 0 || report.Swept > 0 {
		r.log.Info("reconcile pass complete",
			"orphaned", report.Orphaned,
			"projects_restored", report.ProjectsRestored,
			"swept", report.Swept)
	}
}

// RunOnce performs a single pass. Errors on individual records are collected
// and the pass continues.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)
	now := r.clock().UTC()
	cutoff := now.Add(-r.cfg.StaleAfter)

	for _, status := range []domain.DeploymentStatus{domain.DeploymentPending, domain.DeploymentBuilding} {
		stale, err := r.store.ListDeploymentsWithStatusUpdatedBefore(ctx, status, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s deployments: %w", status, err))
			continue
		}
		for i := range stale {
			if ctx.Err() != nil {
				return report, errors.Join(append(errs, ctx.Err())...)
			}
			ok, err := r.failOrphan(ctx, &stale[i], now)
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				report.Orphaned++
			}
		}
	}
	if report.Orphaned > 0 {
		r.metrics.OrphansRecovered(report.Orphaned)
	}

	deploying, err := r.store.ListProjectsByStatus(ctx, domain.ProjectDeploying)
	if err != nil {
		errs = append(errs, fmt.Errorf("list deploying projects: %w", err))
	}
	for _, p := range deploying {
		restored, err := r.tracker.RunIfIdle(p.ID, func() error {
			return r.store.UpdateProjectStatus(ctx, p.ID, domain.ProjectActive, nil)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("restore project %s: %w", p.ID, err))
			continue
		}
		if !restored {
			continue
		}
		r.log.Info("restored project stuck in deploying", "project_id", p.ID)
		report.ProjectsRestored++
	}

	if r.workspace != nil && r.cfg.WorkspaceTTL > 0 {
		removed, err := r.workspace.Sweep(now.Add(-r.cfg.WorkspaceTTL), r.tracker.ActiveDeployment)
		if err != nil {
			errs = append(errs, err)
		}
		report.Swept = len(removed)
	}

	return report, errors.Join(errs...)
}

func (r *Reconciler) failOrphan(ctx context.Context, d *domain.Deployment, now time.Time) (bool, error) {
	if r.tracker.Active(d.ProjectID) {
		return false, nil
	}
	if err := d.Transition(domain.DeploymentFailed, now); err != nil {
		return false, err
	}
	msg := OrphanedMessage
	d.Error = &msg
	if d.Logs == "" {
		d.Logs = "error: " + msg
	} else {
		d.Logs += "\nerror: " + msg
	}
	if err := r.store.UpdateDeployment(ctx, d); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("fail orphaned deployment %s: %w", d.ID, err)
	}
	r.log.Warn("failed orphaned deployment", "project_id", d.ProjectID, "deployment_id", d.ID)
	return true, nil
}

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
