package metrics

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shipyard"

var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}

// PrometheusSink implements Sink with client_golang collectors.
type PrometheusSink struct {
	started          prometheus.Counter
	inFlight         prometheus.Gauge
	finished         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	commands         *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	eventsDropped    prometheus.Counter
	portsInUse       prometheus.Gauge
	orphansRecovered prometheus.Counter
}

// NewPrometheusSink registers the engine collectors on reg. A collector that
// is already registered is reused so tests and restarts can share a registry.
func NewPrometheusSink(reg prometheus.Registerer, logger *slog.Logger) *PrometheusSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PrometheusSink{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deploy", Name: "started_total",
			Help: "Deployments accepted by the executor.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "deploy", Name: "in_flight",
			Help: "Deployments currently running.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deploy", Name: "finished_total",
			Help: "Deployments reaching a terminal state.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "deploy", Name: "duration_seconds",
			Help: "Wall time from acceptance to terminal state.", Buckets: durationBuckets,
		}, []string{"status"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "command", Name: "runs_total",
			Help: "External commands run by step and exit code.",
		}, []string{"step", "exit_code"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "command", Name: "duration_seconds",
			Help: "External command wall time.", Buckets: durationBuckets,
		}, []string{"step"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "live", Name: "events_dropped_total",
			Help: "Live events dropped because a subscriber buffer was full.",
		}),
		portsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ports", Name: "reserved",
			Help: "Host ports currently reserved.",
		}),
		orphansRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "orphans_recovered_total",
			Help: "Deployments failed by the reconciler after an engine restart.",
		}),
	}

	s.started = register(reg, logger, s.started)
	s.inFlight = register(reg, logger, s.inFlight)
	s.finished = register(reg, logger, s.finished)
	s.duration = register(reg, logger, s.duration)
	s.commands = register(reg, logger, s.commands)
	s.commandDuration = register(reg, logger, s.commandDuration)
	s.eventsDropped = register(reg, logger, s.eventsDropped)
	s.portsInUse = register(reg, logger, s.portsInUse)
	s.orphansRecovered = register(reg, logger, s.orphansRecovered)
	return s
}

func register[C prometheus.Collector](reg prometheus.Registerer, logger *slog.Logger, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		logger.Warn("metrics: register collector failed", "error", err)
	}
	return c
}

func (s *PrometheusSink) DeploymentStarted() {
	s.started.Inc()
	s.inFlight.Inc()
}

func (s *PrometheusSink) DeploymentFinished(status string, d time.Duration) {
	s.inFlight.Dec()
	s.finished.WithLabelValues(status).Inc()
	s.duration.WithLabelValues(status).Observe(d.Seconds())
}

func (s *PrometheusSink) CommandFinished(step string, exitCode int, d time.Duration) {
	s.commands.WithLabelValues(step, strconv.Itoa(exitCode)).Inc()
	s.commandDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (s *PrometheusSink) EventDropped() {
	s.eventsDropped.Inc()
}

func (s *PrometheusSink) PortsInUse(n int) {
	s.portsInUse.Set(float64(n))
}

func (s *PrometheusSink) OrphansRecovered(n int) {
	s.orphansRecovered.Add(float64(n))
}
