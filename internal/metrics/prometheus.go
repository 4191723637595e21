// Package metrics exposes bridge counters to Prometheus and serves the
// health and status endpoints.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collectors holds every Prometheus collector the bridge updates.
type Collectors struct {
	registry *prometheus.Registry

	Shares            *prometheus.CounterVec
	AcceptedWork      prometheus.Counter
	Blocks            *prometheus.CounterVec
	LostSolutions     prometheus.Counter
	SubmitLatency     prometheus.Histogram
	Jobs              *prometheus.CounterVec
	Height            prometheus.Gauge
	Connections       prometheus.Gauge
	AuthorizedWorkers prometheus.Gauge
	Coalesced         prometheus.Counter
	SlowConsumers     prometheus.Counter
	UpstreamDegraded  prometheus.Gauge
	CircuitState      *prometheus.GaugeVec
	EventsDropped     prometheus.Counter
}

// New creates collectors on a private registry.
func New(namespace string) *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collectors{registry: reg}

	c.Shares = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_total",
		Help:      "Validated submissions by status and reject reason",
	}, []string{"status", "reason"})

	c.AcceptedWork = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "accepted_work_total",
		Help:      "Sum of the difficulty of accepted shares",
	})

	c.Blocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_total",
		Help:      "Block submissions by final status",
	}, []string{"status"})

	c.LostSolutions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lost_solutions_total",
		Help:      "Block solutions that never reached the node",
	})

	c.SubmitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "block_submit_seconds",
		Help:      "Time from dequeue to final submitblock answer",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	c.Jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Jobs published to miners",
	}, []string{"clean"})

	c.Height = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "job_height",
		Help:      "Height of the current job",
	})

	c.Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Open miner connections",
	})

	c.AuthorizedWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "authorized_workers",
		Help:      "Connections that completed mining.authorize",
	})

	c.Coalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_coalesced_total",
		Help:      "Notifications replaced before delivery",
	})

	c.SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slow_consumers_total",
		Help:      "Connections closed because their outbound backlog overflowed",
	})

	c.UpstreamDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_degraded",
		Help:      "1 while template fetches keep failing",
	})

	c.CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_state",
		Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"breaker"})

	c.EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events not delivered to sinks because the queue was full",
	})

	reg.MustRegister(
		c.Shares, c.AcceptedWork, c.Blocks, c.LostSolutions, c.SubmitLatency,
		c.Jobs, c.Height, c.Connections, c.AuthorizedWorkers, c.Coalesced,
		c.SlowConsumers, c.UpstreamDegraded, c.CircuitState, c.EventsDropped,
	)
	return c
}

// Registry returns the registry the collectors live on.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

// ObserveShare counts a validated submission.
func (c *Collectors) ObserveShare(status, reason string, difficulty float64) {
	c.Shares.WithLabelValues(status, reason).Inc()
	if status == "accepted" || status == "block" {
		c.AcceptedWork.Add(difficulty)
	}
}

// ObserveBlock counts a finished block submission.
func (c *Collectors) ObserveBlock(status string, latency time.Duration) {
	c.Blocks.WithLabelValues(status).Inc()
	if status == "lost" {
		c.LostSolutions.Inc()
	}
	c.SubmitLatency.Observe(latency.Seconds())
}

// ObserveJob counts a published job.
func (c *Collectors) ObserveJob(height int64, clean bool) {
	label := "false"
	if clean {
		label = "true"
	}
	c.Jobs.WithLabelValues(label).Inc()
	c.Height.Set(float64(height))
}

// SetDegraded mirrors the pump's degraded flag.
func (c *Collectors) SetDegraded(degraded bool) {
	if degraded {
		c.UpstreamDegraded.Set(1)
	} else {
		c.UpstreamDegraded.Set(0)
	}
}

// SetCircuitState records a breaker transition.
func (c *Collectors) SetCircuitState(name string, state int) {
	c.CircuitState.WithLabelValues(name).Set(float64(state))
}
