package descriptor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCompose is returned when a rendered compose descriptor does not
// load or does not describe exactly the expected service.
var ErrInvalidCompose = errors.New("descriptor: invalid compose descriptor")

// Validate loads d.Compose with the compose-spec loader and checks that it
// declares the expected service, container name and port binding.
func Validate(ctx context.Context, d Descriptors) error {
	var dict map[string]any
	if err := yaml.Unmarshal([]byte(d.Compose), &dict); err != nil || dict == nil {
		return fmt.Errorf("%w: invalid yaml", ErrInvalidCompose)
	}

	project, err := loader.LoadWithContext(ctx, types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{{
			Filename: ComposeFileName,
			Content:  []byte(d.Compose),
			Config:   dict,
		}},
	}, func(opts *loader.Options) {
		opts.SetProjectName(d.ServiceName, false)
		opts.SkipNormalization = true
		opts.SkipExtends = true
		opts.ResolvePaths = false
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCompose, err)
	}

	if len(project.Services) != 1 {
		return fmt.Errorf("%w: expected 1 service, found %d", ErrInvalidCompose, len(project.Services))
	}
	svc, ok := project.Services[d.ServiceName]
	if !ok {
		return fmt.Errorf("%w: service %q missing", ErrInvalidCompose, d.ServiceName)
	}
	if svc.ContainerName != d.ContainerName {
		return fmt.Errorf("%w: container name %q, want %q", ErrInvalidCompose, svc.ContainerName, d.ContainerName)
	}
	for _, p := range svc.Ports {
		if p.Published == strconv.Itoa(d.HostPort) && int(p.Target) == d.InternalPort {
			return nil
		}
	}
	return fmt.Errorf("%w: port %d:%d not published", ErrInvalidCompose, d.HostPort, d.InternalPort)
}
