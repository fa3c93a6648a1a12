package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Session / Transport ────────────────────────────────────────────────

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskmesh",
		Subsystem: "session",
		Name:      "active",
		Help:      "Sessions currently running their task loop.",
	})

	SessionTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Subsystem: "session",
		Name:      "tasks_total",
		Help:      "Total tasks processed per session outcome.",
	}, []string{"outcome"})

	SessionRoundtripSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskmesh",
		Subsystem: "session",
		Name:      "roundtrip_seconds",
		Help:      "Task send-to-response round-trip time in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// ─── Task pool ───────────────────────────────────────────────────────────

	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskmesh",
		Subsystem: "pool",
		Name:      "size",
		Help:      "Tasks currently queued, unclaimed by any session.",
	})

	PoolWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskmesh",
		Subsystem: "pool",
		Name:      "waiters",
		Help:      "Sessions currently blocked waiting for a task.",
	})

	// ─── Skill dispatch ──────────────────────────────────────────────────────

	SkillDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Subsystem: "skill",
		Name:      "dispatch_total",
		Help:      "Total skill handler invocations, labelled by skill_id and result.",
	}, []string{"skill_id", "result"})

	// ─── Ingest ──────────────────────────────────────────────────────────────

	IngestDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Subsystem: "ingest",
		Name:      "dlq_total",
		Help:      "Total task requests forwarded to the dead-letter topic.",
	})

	IngestAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Subsystem: "ingest",
		Name:      "admitted_total",
		Help:      "Total task requests admitted into the pool from Kafka.",
	})

	// ─── Scheduler ───────────────────────────────────────────────────────────

	SchedulerBatchesInjected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Subsystem: "scheduler",
		Name:      "batches_injected_total",
		Help:      "Total synthetic-load batches injected by the cron scheduler.",
	})

	// ─── API ─────────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks submitted directly through the REST/gRPC surface.",
	}, []string{"transport"})
)
