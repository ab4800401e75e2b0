package deploy

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/splax/shipyard/internal/command"
	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/ports"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/workspace"
	"github.com/splax/shipyard/internal/ws"
)

type memStore struct {
	mu          sync.Mutex
	projects    map[string]domain.Project
	files       map[string][]domain.ProjectFile
	deployments map[string]domain.Deployment
	order       []string
	// statuses holds every status persisted per deployment, in write order.
	statuses map[string][]domain.DeploymentStatus
}

func newMemStore() *memStore {
	return &memStore{
		projects:    make(map[string]domain.Project),
		files:       make(map[string][]domain.ProjectFile),
		deployments: make(map[string]domain.Deployment),
		statuses:    make(map[string][]domain.DeploymentStatus),
	}
}

func (s *memStore) CreateProject(_ context.Context, p *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = *p
	return nil
}

func (s *memStore) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *memStore) UpdateProjectStatus(_ context.Context, id string, status domain.ProjectStatus, url *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = status
	if url != nil {
		v := *url
		p.DeployedURL = &v
	}
	s.projects[id] = p
	return nil
}

func (s *memStore) ListProjectsByStatus(_ context.Context, status domain.ProjectStatus) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Project
	for _, p := range s.projects {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) ListProjects(_ context.Context) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpsertFile(_ context.Context, f domain.ProjectFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Type == "" {
		f.Type = domain.FileTypeFile
	}
	s.files[f.ProjectID] = append(s.files[f.ProjectID], f)
	return nil
}

func (s *memStore) ListFiles(_ context.Context, projectID string) ([]domain.ProjectFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProjectFile(nil), s.files[projectID]...), nil
}

func (s *memStore) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = *d
	s.order = append(s.order, d.ID)
	s.statuses[d.ID] = append(s.statuses[d.ID], d.Status)
	return nil
}

func (s *memStore) UpdateDeployment(_ context.Context, d *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.deployments[d.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Status.IsTerminal() {
		return repository.ErrConflict
	}
	s.deployments[d.ID] = *d
	s.statuses[d.ID] = append(s.statuses[d.ID], d.Status)
	return nil
}

func (s *memStore) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

func (s *memStore) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Deployment
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		if d := s.deployments[s.order[i]]; d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) ListDeploymentsWithStatusUpdatedBefore(_ context.Context, status domain.DeploymentStatus, before time.Time) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Deployment
	for _, id := range s.order {
		if d := s.deployments[id]; d.Status == status && d.UpdatedAt.Before(before) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStore) statusHistory(id string) []domain.DeploymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeploymentStatus(nil), s.statuses[id]...)
}

func (s *memStore) deploymentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deployments)
}

type fakeRunner struct {
	mu       sync.Mutex
	calls    []command.Command
	fail     map[string]error
	tolerate map[string]bool
	block    map[string]chan struct{}
	started  chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		fail:     make(map[string]error),
		tolerate: make(map[string]bool),
		block:    make(map[string]chan struct{}),
		started:  make(chan string, 64),
	}
}

func (r *fakeRunner) Run(_ context.Context, cmd command.Command, sink command.Sink) (command.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	failErr := r.fail[cmd.Step]
	tolerated := r.tolerate[cmd.Step]
	gate := r.block[cmd.Step]
	r.mu.Unlock()

	select {
	case r.started <- cmd.Step:
	default:
	}
	if gate != nil {
		<-gate
	}
	sink(cmd.Step + " output")
	if failErr != nil {
		return command.Result{ExitCode: 1, Output: cmd.Step + " output"}, failErr
	}
	return command.Result{Tolerated: tolerated}, nil
}

func (r *fakeRunner) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.Step)
	}
	return out
}

type testEnv struct {
	store  *memStore
	runner *fakeRunner
	hub    *ws.Hub
	ports  *ports.Allocator
	ws     *workspace.Manager
	exec   *Executor
}

func newTestEnv(t *testing.T, portStart, portEnd int) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	alloc, err := ports.New(portStart, portEnd, nil)
	if err != nil {
		t.Fatalf("ports.New: %v", err)
	}
	env := &testEnv{
		store:  newMemStore(),
		runner: newFakeRunner(),
		hub:    ws.NewHub(logger, ws.WithBuffer(64)),
		ports:  alloc,
		ws:     mgr,
	}
	exec, err := New(Dependencies{
		Store:     env.store,
		Workspace: mgr,
		Runner:    env.runner,
		Hub:       env.hub,
		Ports:     alloc,
		Logger:    logger,
	}, Config{NamePrefix: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.exec = exec
	return env
}

func (env *testEnv) addProject(t *testing.T, id string, status domain.ProjectStatus, files map[string]string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := env.store.CreateProject(ctx, &domain.Project{ID: id, Name: id, Status: status, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	for path, content := range files {
		if err := env.store.UpsertFile(ctx, domain.ProjectFile{ProjectID: id, Path: path, Content: content}); err != nil {
			t.Fatalf("UpsertFile: %v", err)
		}
	}
}

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h.Done:
	case <-time.After(5 * time.Second):
		t.Fatalf("deployment %s did not finish", h.DeploymentID)
	}
}
