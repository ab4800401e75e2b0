package deploy

import "errors"

var (
	// ErrDeploymentInProgress rejects a trigger while the project already has
	// an attempt between acceptance and finalization.
	ErrDeploymentInProgress = errors.New("deploy: deployment already in progress")
	// ErrProjectArchived rejects triggers for archived projects.
	ErrProjectArchived = errors.New("deploy: project is archived")
	// ErrCancelled marks an attempt stopped between steps by Shutdown.
	ErrCancelled = errors.New("deploy: deployment cancelled")
)
