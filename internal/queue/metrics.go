package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	TasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tasks_processed_total",
			Help: "Total tasks processed grouped by outcome",
		},
		[]string{"kind", "status"},
	)
	TasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tasks_dead_lettered_total",
			Help: "Tasks moved to the dead-letter queue after exhausting retries",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(TasksProcessedTotal, TasksDeadLetteredTotal)
}
