// Package descriptor renders the image recipe and compose service descriptor
// for a deployment. Everything here is pure: no I/O and no clock.
package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/splax/shipyard/internal/domain"
)

const (
	// DockerfileName and ComposeFileName are the names written into the
	// attempt's working directory.
	DockerfileName  = "Dockerfile"
	ComposeFileName = "docker-compose.yml"

	appPort    = 3000
	staticPort = 80

	defaultPrefix = "shipyard"
	slugLength    = 12
	hashLength    = 8

	// ProjectLabel tags every container with the owning project id.
	ProjectLabel = "io.shipyard.project"
)

var (
	// ErrUnknownRuntimeType guards runtimes the classifier should never produce.
	ErrUnknownRuntimeType = errors.New("descriptor: unknown runtime type")
	// ErrInvalidPort rejects host ports outside 1-65535.
	ErrInvalidPort = errors.New("descriptor: invalid port")
)

// Descriptors is the rendered output for one deployment attempt.
type Descriptors struct {
	Dockerfile    string
	Compose       string
	ServiceName   string
	ContainerName string
	InternalPort  int
	HostPort      int
}

// Generator names services with a fixed prefix.
type Generator struct {
	prefix string
}

// NewGenerator returns a Generator; an empty prefix falls back to "shipyard".
func NewGenerator(prefix string) Generator {
	prefix = slug(prefix, 32)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return Generator{prefix: prefix}
}

// ServiceName is the compose project and service name for projectID. It is
// stable across attempts so a redeploy replaces the same logical service.
func (g Generator) ServiceName(projectID string) string {
	return g.prefix + "-app-" + projectSlug(projectID)
}

// ContainerName is the fixed container name for projectID.
func (g Generator) ContainerName(projectID string) string {
	return g.prefix + "-" + projectSlug(projectID)
}

// Generate renders the Dockerfile and compose descriptor for runtime, binding
// the runtime's internal port to hostPort.
func (g Generator) Generate(projectID string, runtime domain.RuntimeType, hostPort int) (Descriptors, error) {
	if hostPort <= 0 || hostPort > 65535 {
		return Descriptors{}, fmt.Errorf("%w: %d", ErrInvalidPort, hostPort)
	}
	dockerfile, internal, err := renderDockerfile(runtime)
	if err != nil {
		return Descriptors{}, err
	}
	service := g.ServiceName(projectID)
	container := g.ContainerName(projectID)

	compose, err := renderCompose(projectID, service, container, hostPort, internal)
	if err != nil {
		return Descriptors{}, err
	}
	return Descriptors{
		Dockerfile:    dockerfile,
		Compose:       compose,
		ServiceName:   service,
		ContainerName: container,
		InternalPort:  internal,
		HostPort:      hostPort,
	}, nil
}

func renderDockerfile(runtime domain.RuntimeType) (string, int, error) {
	switch runtime {
	case domain.RuntimeNodeService:
		return renderNodeServiceDockerfile(), appPort, nil
	case domain.RuntimeNodeStaticBuild:
		return renderNodeStaticDockerfile(), appPort, nil
	case domain.RuntimePythonService:
		return renderPythonDockerfile(), appPort, nil
	case domain.RuntimeStatic:
		return renderStaticDockerfile(), staticPort, nil
	default:
		return "", 0, fmt.Errorf("%w: %q", ErrUnknownRuntimeType, runtime)
	}
}

func renderNodeServiceDockerfile() string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:18-alpine\n")
	b.WriteString("WORKDIR /app\n\n")
	b.WriteString("COPY package*.json ./\n")
	b.WriteString("RUN npm install\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("ENV NODE_ENV=production\n")
	b.WriteString("ENV PORT=3000\n")
	b.WriteString("EXPOSE 3000\n")
	b.WriteString("CMD [\"node\", \"index.js\"]\n")
	return b.String()
}

func renderNodeStaticDockerfile() string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:18-alpine\n")
	b.WriteString("WORKDIR /app\n\n")
	b.WriteString("COPY package*.json ./\n")
	b.WriteString("RUN npm install\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("RUN npm run build\n")
	b.WriteString("RUN npm install -g serve\n\n")
	b.WriteString("EXPOSE 3000\n")
	// CRA emits build/, vite emits dist/.
	b.WriteString("CMD [\"sh\", \"-c\", \"if [ -d dist ]; then serve -s dist -l 3000; else serve -s build -l 3000; fi\"]\n")
	return b.String()
}

func renderPythonDockerfile() string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM python:3.9-slim\n")
	b.WriteString("WORKDIR /app\n\n")
	b.WriteString("COPY requirements.txt ./\n")
	b.WriteString("RUN pip install --no-cache-dir -r requirements.txt\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("ENV PORT=3000\n")
	b.WriteString("EXPOSE 3000\n")
	b.WriteString("CMD [\"python\", \"app.py\"]\n")
	return b.String()
}

func renderStaticDockerfile() string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM nginx:alpine\n")
	b.WriteString("COPY . /usr/share/nginx/html\n")
	b.WriteString("EXPOSE 80\n")
	return b.String()
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Build         string            `yaml:"build"`
	ContainerName string            `yaml:"container_name"`
	Ports         []string          `yaml:"ports"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	Labels        map[string]string `yaml:"labels"`
	Restart       string            `yaml:"restart"`
}

func renderCompose(projectID, service, container string, hostPort, internal int) (string, error) {
	svc := composeService{
		Build:         ".",
		ContainerName: container,
		Ports:         []string{strconv.Itoa(hostPort) + ":" + strconv.Itoa(internal)},
		Labels:        map[string]string{ProjectLabel: projectID},
		Restart:       "unless-stopped",
	}
	if internal == appPort {
		svc.Environment = map[string]string{"PORT": strconv.Itoa(appPort)}
	}
	out, err := yaml.Marshal(composeFile{Services: map[string]composeService{service: svc}})
	if err != nil {
		return "", fmt.Errorf("render compose: %w", err)
	}
	return string(out), nil
}

// projectSlug keeps a readable prefix of projectID and appends a short digest
// of the full id, so ids sharing their first characters stay distinct.
func projectSlug(projectID string) string {
	s := slug(projectID, slugLength)
	if s == "" {
		s = "project"
	}
	sum := sha256.Sum256([]byte(projectID))
	return s + "-" + hex.EncodeToString(sum[:])[:hashLength]
}

// slug lower-cases s, keeps [a-z0-9], folds everything else into single
// dashes and truncates to limit.
func slug(s string, limit int) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= limit {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
