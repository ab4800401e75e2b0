package metrics

import "time"

// NoopSink discards everything. Used when metrics are disabled and in tests.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) DeploymentStarted()                                         {}
func (n *NoopSink) DeploymentFinished(status string, duration time.Duration)   {}
func (n *NoopSink) CommandFinished(step string, exitCode int, d time.Duration) {}
func (n *NoopSink) EventDropped()                                              {}
func (n *NoopSink) PortsInUse(count int)                                       {}
func (n *NoopSink) OrphansRecovered(count int)                                 {}
