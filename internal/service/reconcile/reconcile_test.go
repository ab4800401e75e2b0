package reconcile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository/sqlite"
	"github.com/splax/shipyard/internal/workspace"
)

type fakeTracker struct {
	mu     sync.Mutex
	active map[string]string
}

func (f *fakeTracker) Active(projectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[projectID]
	return ok
}

func (f *fakeTracker) ActiveDeployment(projectID, deploymentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[projectID] == deploymentID
}

func (f *fakeTracker) RunIfIdle(projectID string, fn func() error) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[projectID]; ok {
		return false, nil
	}
	return true, fn()
}

// lateStartTracker starts an attempt for project right after the first
// idleness check on it returns, the way a deploy request racing the
// reconciler would.
type lateStartTracker struct {
	*fakeTracker
	store   *sqlite.Store
	project string
	started bool
}

func (l *lateStartTracker) Active(projectID string) bool {
	busy := l.fakeTracker.Active(projectID)
	l.startAfterCheck(projectID)
	return busy
}

func (l *lateStartTracker) RunIfIdle(projectID string, fn func() error) (bool, error) {
	ran, err := l.fakeTracker.RunIfIdle(projectID, fn)
	l.startAfterCheck(projectID)
	return ran, err
}

func (l *lateStartTracker) startAfterCheck(projectID string) {
	if projectID != l.project || l.started {
		return
	}
	l.started = true
	l.fakeTracker.mu.Lock()
	l.active[projectID] = "d-late"
	l.fakeTracker.mu.Unlock()
	_ = l.store.UpdateProjectStatus(context.Background(), projectID, domain.ProjectDeploying, nil)
}

type countingSink struct {
	orphans int
}

func (c *countingSink) DeploymentStarted()                         {}
func (c *countingSink) DeploymentFinished(string, time.Duration)   {}
func (c *countingSink) CommandFinished(string, int, time.Duration) {}
func (c *countingSink) EventDropped()                              {}
func (c *countingSink) PortsInUse(int)                             {}
func (c *countingSink) OrphansRecovered(n int)                     { c.orphans += n }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, store *sqlite.Store, projectID string, status domain.ProjectStatus, deployments ...*domain.Deployment) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateProject(ctx, &domain.Project{ID: projectID, Name: projectID, Status: status, CreatedAt: now, UpdatedAt: now}))
	for _, d := range deployments {
		require.NoError(t, store.CreateDeployment(ctx, d))
	}
}

func deployment(id, projectID string, status domain.DeploymentStatus, updated time.Time) *domain.Deployment {
	return &domain.Deployment{ID: id, ProjectID: projectID, Status: status, CreatedAt: updated, UpdatedAt: updated}
}

func TestRunOnceFailsOrphans(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	old := time.Now().UTC().Add(-2 * time.Hour)
	seed(t, store, "orphaned", domain.ProjectDeploying,
		deployment("d-building", "orphaned", domain.DeploymentBuilding, old))
	seed(t, store, "queued", domain.ProjectDeploying,
		deployment("d-pending", "queued", domain.DeploymentPending, old))
	seed(t, store, "live", domain.ProjectDeploying,
		deployment("d-live", "live", domain.DeploymentBuilding, old))
	seed(t, store, "recent", domain.ProjectActive,
		deployment("d-recent", "recent", domain.DeploymentBuilding, time.Now().UTC()))

	tracker := &fakeTracker{active: map[string]string{"live": "d-live"}}
	sink := &countingSink{}
	r := New(Config{StaleAfter: 30 * time.Minute}, store, tracker, nil, sink, quietLogger())

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Orphaned)
	assert.Equal(t, 2, report.ProjectsRestored)
	assert.Equal(t, 2, sink.orphans)

	ctx := context.Background()
	for _, id := range []string{"d-building", "d-pending"} {
		d, err := store.GetDeploymentByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.DeploymentFailed, d.Status, id)
		require.NotNil(t, d.Error)
		assert.Equal(t, OrphanedMessage, *d.Error)
		assert.NotNil(t, d.CompletedAt)
	}
	for id, want := range map[string]domain.DeploymentStatus{"d-live": domain.DeploymentBuilding, "d-recent": domain.DeploymentBuilding} {
		d, err := store.GetDeploymentByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, d.Status, id)
	}

	live, err := store.GetProjectByID(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectDeploying, live.Status)
	orphaned, err := store.GetProjectByID(ctx, "orphaned")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectActive, orphaned.Status)

	again, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Orphaned)
	assert.Zero(t, again.ProjectsRestored)
}

func TestRunOnceKeepsProjectWhoseAttemptStartsMidPass(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	seed(t, store, "late", domain.ProjectDeploying)
	seed(t, store, "stuck", domain.ProjectDeploying)

	tracker := &lateStartTracker{fakeTracker: &fakeTracker{active: map[string]string{}}, store: store, project: "late"}
	r := New(Config{StaleAfter: 30 * time.Minute}, store, tracker, nil, nil, quietLogger())

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, tracker.started)
	assert.Equal(t, 2, report.ProjectsRestored)

	ctx := context.Background()
	late, err := store.GetProjectByID(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectDeploying, late.Status, "restore must not overwrite a newly started attempt")
	stuck, err := store.GetProjectByID(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectActive, stuck.Status)
}

func TestRunOnceSweepsWorkspaces(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	abandoned, err := mgr.Prepare("p1", "old")
	require.NoError(t, err)
	active, err := mgr.Prepare("p2", "running")
	require.NoError(t, err)
	fresh, err := mgr.Prepare("p3", "new")
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(abandoned, past, past))
	require.NoError(t, os.Chtimes(active, past, past))

	tracker := &fakeTracker{active: map[string]string{"p2": "running"}}
	r := New(Config{WorkspaceTTL: 24 * time.Hour}, store, tracker, mgr, nil, quietLogger())

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Swept)

	assert.NoDirExists(t, abandoned)
	assert.NoDirExists(t, filepath.Dir(abandoned))
	assert.DirExists(t, active)
	assert.DirExists(t, fresh)
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	seed(t, store, "p", domain.ProjectDeploying,
		deployment("d", "p", domain.DeploymentPending, time.Now().UTC().Add(-time.Hour)))

	r := New(Config{Schedule: "@every 1h", StaleAfter: time.Minute}, store, &fakeTracker{}, nil, nil, quietLogger())
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))
	r.Stop()
	r.Stop()

	d, err := store.GetDeploymentByID(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentFailed, d.Status)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := New(Config{Schedule: "every so often"}, store, &fakeTracker{}, nil, nil, quietLogger())
	assert.Error(t, r.Start(context.Background()))
}
