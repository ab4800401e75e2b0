package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/splax/shipyard/internal/command"
	"github.com/splax/shipyard/internal/descriptor"
	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/workspace"
)

// attempt is the mutable state of one pipeline run.
type attempt struct {
	project    *domain.Project
	deployment *domain.Deployment
	log        *slog.Logger
	started    time.Time
	dir        string
	port       int

	mu    sync.Mutex
	lines []string
	emit  func(projectID, deploymentID, line string)
}

func (a *attempt) logf(format string, args ...any) {
	a.line(fmt.Sprintf(format, args...))
}

// line records one log line and forwards it to live subscribers.
func (a *attempt) line(s string) {
	a.mu.Lock()
	a.lines = append(a.lines, s)
	a.mu.Unlock()
	a.emit(a.project.ID, a.deployment.ID, s)
}

func (a *attempt) joined() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.lines, "\n")
}

func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, t *task, project *domain.Project, d *domain.Deployment) {
	defer e.wg.Done()
	defer cancel()

	a := &attempt{
		project:    project,
		deployment: d,
		log:        e.log.With("project_id", project.ID, "deployment_id", d.ID),
		started:    e.now(),
		emit:       e.hub.Publish,
	}

	url, err := e.execute(ctx, a)
	e.finalize(a, t, url, err)
}

func (e *Executor) execute(ctx context.Context, a *attempt) (string, error) {
	d := a.deployment
	if err := e.transition(ctx, a, domain.DeploymentBuilding); err != nil {
		return "", err
	}
	a.logf("deployment started: %s", a.started.UTC().Format(time.RFC3339))

	if err := checkpoint(ctx); err != nil {
		return "", err
	}
	dir, err := e.workspace.Prepare(a.project.ID, d.ID)
	if err != nil {
		return "", fmt.Errorf("prepare workspace: %w", err)
	}
	a.dir = dir

	files, err := e.store.ListFiles(ctx, a.project.ID)
	if err != nil {
		return "", fmt.Errorf("list project files: %w", err)
	}
	written, err := e.workspace.Materialize(dir, files)
	if err != nil {
		return "", err
	}
	a.logf("materialized %d files", written)

	runtime := workspace.DetectRuntime(files)
	d.RuntimeType = runtime
	a.logf("runtime: %s", runtime)

	port, err := e.ports.Reserve(ctx, a.project.ID)
	if err != nil {
		return "", fmt.Errorf("allocate port: %w", err)
	}
	a.port = port
	d.Port = &port
	e.metrics.PortsInUse(e.ports.InUse())

	desc, err := e.generator.Generate(a.project.ID, runtime, port)
	if err != nil {
		return "", fmt.Errorf("generate descriptors: %w", err)
	}
	if err := descriptor.Validate(ctx, desc); err != nil {
		return "", err
	}
	if err := writeDescriptors(dir, desc); err != nil {
		return "", err
	}
	a.logf("container: %s", desc.ContainerName)
	a.logf("port: %d", port)

	for _, step := range e.steps(dir, desc) {
		if step.Step == "run" {
			// The previous container is gone after stop and rm, so its
			// port can go back to the pool.
			if prev, ok := e.takeLivePort(a.project.ID); ok && prev != port {
				e.ports.Release(prev)
			}
		}
		if err := e.runStep(ctx, a, step); err != nil {
			return "", err
		}
	}

	e.checkBinding(ctx, a, desc)

	url := fmt.Sprintf(e.cfg.PublicURLTemplate, port)
	a.line("deployment complete")
	a.logf("url: %s", url)
	return url, nil
}

func (e *Executor) steps(dir string, desc descriptor.Descriptors) []command.Command {
	project := command.Quote(desc.ServiceName)
	container := command.Quote(desc.ContainerName)
	return []command.Command{
		{Step: "build", Dir: dir, Line: fmt.Sprintf("%s -p %s build", e.cfg.ComposeCmd, project)},
		{Step: "stop", Dir: dir, Line: fmt.Sprintf("%s stop %s", e.cfg.DockerCmd, container), TolerateNotFound: true},
		{Step: "rm", Dir: dir, Line: fmt.Sprintf("%s rm %s", e.cfg.DockerCmd, container), TolerateNotFound: true},
		{Step: "run", Dir: dir, Line: fmt.Sprintf("%s -p %s up -d", e.cfg.ComposeCmd, project)},
	}
}

func (e *Executor) runStep(ctx context.Context, a *attempt, cmd command.Command) error {
	if err := checkpoint(ctx); err != nil {
		return err
	}
	a.logf("$ %s", cmd.Line)
	// A started command always runs to completion; cancellation only takes
	// effect between steps.
	res, err := e.runner.Run(context.WithoutCancel(ctx), cmd, a.line)
	e.metrics.CommandFinished(cmd.Step, res.ExitCode, res.Duration)
	if err != nil {
		return fmt.Errorf("%s step: %w", cmd.Step, err)
	}
	if res.Tolerated {
		a.logf("%s: nothing to do", cmd.Step)
	}
	return nil
}

// checkBinding compares the started container's published port with the
// reservation. A mismatch only produces a warning line.
func (e *Executor) checkBinding(ctx context.Context, a *attempt, desc descriptor.Descriptors) {
	if e.inspector == nil {
		return
	}
	info, err := e.inspector.InspectContainer(ctx, desc.ContainerName)
	if err != nil {
		a.logf("warning: inspect %s: %v", desc.ContainerName, err)
		return
	}
	if bound := info.HostPorts(desc.InternalPort); !slices.Contains(bound, desc.HostPort) {
		a.logf("warning: container %s publishes %v, expected %d", desc.ContainerName, bound, desc.HostPort)
	}
}

// transition moves the record forward and persists it.
func (e *Executor) transition(ctx context.Context, a *attempt, to domain.DeploymentStatus) error {
	if err := a.deployment.Transition(to, e.now().UTC()); err != nil {
		return err
	}
	if err := e.store.UpdateDeployment(ctx, a.deployment); err != nil {
		return fmt.Errorf("persist %s: %w", to, err)
	}
	return nil
}

func (e *Executor) finalize(a *attempt, t *task, url string, runErr error) {
	ctx, cancel := context.WithTimeout(e.base, finalizeTimeout)
	defer cancel()

	d := a.deployment
	status := domain.DeploymentSucceeded
	if runErr != nil {
		status = domain.DeploymentFailed
		a.logf("error: %v", runErr)
		msg := runErr.Error()
		d.Error = &msg
		d.URL = nil
	} else {
		d.URL = &url
	}
	d.Logs = a.joined()

	if err := e.transition(ctx, a, status); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			a.log.Warn("deployment already finalized elsewhere", "status", status)
		} else {
			a.log.Error("persist final deployment state", "status", status, "error", err)
		}
	}

	// Failed attempts leave the previously deployed URL in place.
	var deployedURL *string
	if status == domain.DeploymentSucceeded {
		deployedURL = &url
	}
	if err := e.store.UpdateProjectStatus(ctx, a.project.ID, domain.ProjectActive, deployedURL); err != nil {
		a.log.Error("restore project status", "error", err)
	}

	if a.port > 0 {
		if status == domain.DeploymentSucceeded {
			e.setLivePort(a.project.ID, a.port)
		} else {
			e.ports.Release(a.port)
		}
	}
	e.metrics.PortsInUse(e.ports.InUse())

	if a.dir != "" && !e.cfg.KeepWorkdir {
		if err := e.workspace.Cleanup(a.dir); err != nil {
			a.log.Warn("cleanup workspace", "dir", a.dir, "error", err)
		}
	}

	// Finish before unlocking so a follow-up attempt cannot publish into
	// this attempt's topic.
	e.hub.Finish(a.project.ID, d.ID, string(status), url)
	e.metrics.DeploymentFinished(string(status), e.now().Sub(a.started))

	if runErr != nil {
		a.log.Warn("deployment failed", "error", runErr, "duration", e.now().Sub(a.started))
	} else {
		a.log.Info("deployment succeeded", "url", url, "duration", e.now().Sub(a.started))
	}
	e.locks.release(a.project.ID, t)
}

func writeDescriptors(dir string, desc descriptor.Descriptors) error {
	files := map[string]string{
		descriptor.DockerfileName:  desc.Dockerfile,
		descriptor.ComposeFileName: desc.Compose,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}
