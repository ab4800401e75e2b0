package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to DeploymentStatus }{
		{DeploymentPending, DeploymentBuilding},
		{DeploymentPending, DeploymentFailed},
		{DeploymentBuilding, DeploymentSucceeded},
		{DeploymentBuilding, DeploymentFailed},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	rejected := []struct{ from, to DeploymentStatus }{
		{DeploymentPending, DeploymentSucceeded},
		{DeploymentBuilding, DeploymentPending},
		{DeploymentSucceeded, DeploymentFailed},
		{DeploymentFailed, DeploymentBuilding},
		{DeploymentSucceeded, DeploymentBuilding},
		{DeploymentBuilding, DeploymentBuilding},
	}
	for _, tc := range rejected {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestDeploymentTransitionStampsTimes(t *testing.T) {
	d := &Deployment{ID: "d1", Status: DeploymentPending}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := d.Transition(DeploymentBuilding, start); err != nil {
		t.Fatalf("transition to building: %v", err)
	}
	if d.StartedAt == nil || !d.StartedAt.Equal(start) {
		t.Fatalf("expected started_at %v got %v", start, d.StartedAt)
	}
	if d.CompletedAt != nil {
		t.Fatalf("completed_at should be unset while building")
	}

	end := start.Add(time.Minute)
	if err := d.Transition(DeploymentSucceeded, end); err != nil {
		t.Fatalf("transition to succeeded: %v", err)
	}
	if d.CompletedAt == nil || !d.CompletedAt.Equal(end) {
		t.Fatalf("expected completed_at %v got %v", end, d.CompletedAt)
	}

	err := d.Transition(DeploymentFailed, end)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition got %v", err)
	}
	if d.Status != DeploymentSucceeded {
		t.Fatalf("status changed after rejected transition: %s", d.Status)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []DeploymentStatus{DeploymentSucceeded, DeploymentFailed} {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []DeploymentStatus{DeploymentPending, DeploymentBuilding} {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
