package domain

import (
	"errors"
	"fmt"
	"time"
)

// DeploymentStatus is a step in the forward-only deployment lifecycle.
type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentBuilding  DeploymentStatus = "building"
	DeploymentSucceeded DeploymentStatus = "succeeded"
	DeploymentFailed    DeploymentStatus = "failed"
)

// ErrInvalidTransition is returned when a status change is not in the table.
var ErrInvalidTransition = errors.New("domain: invalid deployment status transition")

// pending -> failed is only taken when recovering an attempt orphaned before
// it reached building.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentPending:  {DeploymentBuilding, DeploymentFailed},
	DeploymentBuilding: {DeploymentSucceeded, DeploymentFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to DeploymentStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentSucceeded || s == DeploymentFailed
}

// Deployment captures a single deployment attempt.
type Deployment struct {
	ID          string
	ProjectID   string
	Status      DeploymentStatus
	RuntimeType RuntimeType
	Port        *int
	Logs        string
	URL         *string
	Error       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Transition moves d to the next status, stamping the lifecycle timestamps.
func (d *Deployment) Transition(to DeploymentStatus, now time.Time) error {
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}
	d.Status = to
	d.UpdatedAt = now
	if to == DeploymentBuilding {
		d.StartedAt = &now
	}
	if to.IsTerminal() {
		d.CompletedAt = &now
	}
	return nil
}
