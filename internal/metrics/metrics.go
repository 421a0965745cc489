package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the task lifecycle counters.
type Metrics struct {
	tasksSubmitted    prometheus.Counter
	tasksDuplicate    prometheus.Counter
	tasksCompleted    prometheus.Counter
	tasksRetried      *prometheus.CounterVec
	tasksFailedFinal  prometheus.Counter
	tasksDeadLettered prometheus.Counter
	messagesFailed    *prometheus.CounterVec
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retryq_tasks_submitted_total",
			Help: "Total number of tasks accepted for processing",
		}),
		tasksDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retryq_tasks_duplicate_total",
			Help: "Total number of submissions rejected because the task already exists",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retryq_tasks_completed_total",
			Help: "Total number of tasks completed",
		}),
		tasksRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retryq_task_retries_total",
				Help: "Total number of task retries scheduled with backoff",
			},
			[]string{"attempt"},
		),
		tasksFailedFinal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retryq_tasks_failed_final_total",
			Help: "Total number of tasks that exhausted their retries",
		}),
		tasksDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retryq_tasks_dead_letter_total",
			Help: "Total number of dead-lettered messages observed",
		}),
		messagesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retryq_messages_failed_total",
				Help: "Total number of messages reported failed back to the queue",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		m.tasksSubmitted,
		m.tasksDuplicate,
		m.tasksCompleted,
		m.tasksRetried,
		m.tasksFailedFinal,
		m.tasksDeadLettered,
		m.messagesFailed,
	)

	return m
}

// Nop returns metrics registered on a private registry that nobody scrapes.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) Submitted() {
	m.tasksSubmitted.Inc()
}

func (m *Metrics) Duplicate() {
	m.tasksDuplicate.Inc()
}

func (m *Metrics) Completed() {
	m.tasksCompleted.Inc()
}

func (m *Metrics) Retried(attempt int) {
	m.tasksRetried.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

func (m *Metrics) FailedFinal() {
	m.tasksFailedFinal.Inc()
}

func (m *Metrics) DeadLettered() {
	m.tasksDeadLettered.Inc()
}

// MessageFailed counts a message left unacknowledged, labelled by why.
func (m *Metrics) MessageFailed(reason string) {
	m.messagesFailed.WithLabelValues(reason).Inc()
}
