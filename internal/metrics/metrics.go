package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ErlanBelekov/scheduling-core/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Schedule Engine

	ScheduleTimerArmed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "timer_armed",
		Help:      "Whether the Schedule Engine currently has a live OS timer armed (1) or not (0).",
	})

	ScheduleTriggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "schedule_triggers_total",
		Help:      "Total schedule firings, by schedule type.",
	}, []string{"type"})

	ScheduleCompletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "schedule_completions_total",
		Help:      "Total schedule completion events processed, by event type.",
	}, []string{"event"})

	ScheduleErrorTransitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "schedule_error_transitions_total",
		Help:      "Total schedules that transitioned to status=error after exhausting retries.",
	})

	RescheduleDebounceCoalescedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "reschedule_debounce_coalesced_total",
		Help:      "Total requestReschedule calls absorbed by an already-pending debounce timer.",
	})

	// Task Engine

	TaskPollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "task_poll_duration_seconds",
		Help:      "Duration of one Task Engine poll tick.",
		Buckets:   prometheus.DefBuckets,
	})

	TasksRunningGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "tasks_running",
		Help:      "Number of task handlers currently executing in this process.",
	})

	TaskRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "task_runs_total",
		Help:      "Total task handler invocations, by outcome.",
	}, []string{"outcome"})

	TaskTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "task_timeouts_total",
		Help:      "Total task runs aborted for exceeding their timeout.",
	})

	// Recovery

	RecoveryStepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "recovery_step_duration_seconds",
		Help:      "Duration of each Recovery Coordinator startup step.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step"})

	RecoveryActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "recovery_actions_total",
		Help:      "Total records reconciled at startup, by action.",
	}, []string{"action"})

	// Job queue adapter

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of job HTTP execution by the queue adapter.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"status"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "queue_jobs_in_flight",
		Help:      "Number of jobs currently being executed by the queue adapter's workers.",
	})

	ReaperRescuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "reaper_rescued_total",
		Help:      "Total stale jobs handled by the queue adapter's reaper.",
	}, []string{"action"})
)

func Register() {
	prometheus.MustRegister(
		ScheduleTimerArmed,
		ScheduleTriggersTotal,
		ScheduleCompletionsTotal,
		ScheduleErrorTransitionsTotal,
		RescheduleDebounceCoalescedTotal,
		TaskPollDuration,
		TasksRunningGauge,
		TaskRunsTotal,
		TaskTimeoutsTotal,
		RecoveryStepDuration,
		RecoveryActionsTotal,
		JobExecutionDuration,
		JobsInFlight,
		ReaperRescuedTotal,
	)
}

// NewServer builds the process's metrics-and-health HTTP server. checker
// may be nil, in which case only /metrics is served.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if checker != nil {
		mux.HandleFunc("/livez", healthHandler(checker.Liveness))
		mux.HandleFunc("/readyz", healthHandler(checker.Readiness))
	}
	return &http.Server{Addr: addr, Handler: mux}
}

func healthHandler(check func(ctx context.Context) health.HealthResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(check(r.Context()))
	}
}
