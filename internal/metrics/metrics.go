package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "villaops"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint and status code.",
		},
		[]string{"endpoint", "code"},
	)

	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Committed job status transitions.",
		},
		[]string{"from", "to"},
	)

	conflictsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Scheduling conflicts found before commit.",
		},
		[]string{"type"},
	)

	syncEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_tier_escalations_total",
			Help:      "Sync sessions leaving a tier, by failed tier and reason.",
		},
		[]string{"tier", "reason"},
	)

	syncSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_sessions_active",
			Help:      "Open dashboard sync sessions.",
		},
	)

	riskLevels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_recomputations_total",
			Help:      "Progress/risk recomputations by resulting level.",
		},
		[]string{"level"},
	)

	workerTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_tasks_total",
			Help:      "Notification tasks by type and outcome.",
		},
		[]string{"task_type", "outcome"},
	)

	botUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_updates_total",
			Help:      "Staff bot updates by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			jobTransitions,
			conflictsDetected,
			syncEscalations,
			syncSessions,
			riskLevels,
			workerTasks,
			botUpdates,
		)
	})
}

func IncHTTP(endpoint string, code int) {
	httpRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

func IncTransition(from, to string) {
	jobTransitions.WithLabelValues(from, to).Inc()
}

func IncConflict(conflictType string) {
	conflictsDetected.WithLabelValues(conflictType).Inc()
}

func IncEscalation(tier, reason string) {
	syncEscalations.WithLabelValues(tier, reason).Inc()
}

func SessionOpened() { syncSessions.Inc() }

func SessionClosed() { syncSessions.Dec() }

func IncRisk(level string) {
	riskLevels.WithLabelValues(level).Inc()
}

func IncWorkerTask(taskType, outcome string) {
	workerTasks.WithLabelValues(taskType, outcome).Inc()
}

func IncBotUpdate(kind, outcome string) {
	botUpdates.WithLabelValues(kind, outcome).Inc()
}
