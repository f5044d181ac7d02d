package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imn_workflows_total",
		Help: "Total workflows submitted, by module and outcome",
	}, []string{"module", "outcome"}) // outcome: completed, error, failed, busy, timeout

	workflowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imn_workflow_duration_seconds",
		Help:    "End-to-end workflow duration from dispatch to terminal state",
		Buckets: prometheus.DefBuckets,
	}, []string{"module"})

	agentsAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imn_agents_alive",
		Help: "Number of agents with a heartbeat inside the liveness window",
	})

	outstandingPerAgent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imn_outstanding_requests",
		Help: "Current outstanding awaits per agent",
	}, []string{"agent_id"})

	recoveredWorkflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imn_recovered_workflows_total",
		Help: "Stale workflows marked failed by the restart recovery sweep",
	})

	requeuedTasks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imn_requeued_tasks_total",
		Help: "Tasks moved back to pending by the task-recovery sweep",
	})
)
