// Package metrics records pipeline metrics behind a fire-and-forget Sink.
package metrics

import "time"

// Sink records deployment engine metrics. Implementations must not block.
type Sink interface {
	DeploymentStarted()
	DeploymentFinished(status string, duration time.Duration)
	CommandFinished(step string, exitCode int, duration time.Duration)
	EventDropped()
	PortsInUse(n int)
	OrphansRecovered(n int)
}
