package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	RunItems        prometheus.Histogram
	ClassifiedTotal *prometheus.CounterVec
	AlertsTotal     *prometheus.CounterVec
	LLMCallsTotal   *prometheus.CounterVec
	LLMTokensIn     prometheus.Counter
	LLMTokensOut    prometheus.Counter
	LLMDuration     *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	FallbacksTotal  *prometheus.CounterVec
	SubmitsTotal    *prometheus.CounterVec
	ActionsTotal    *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whatspilot_triage_runs_total",
			Help: "Total triage runs by outcome.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "whatspilot_triage_run_duration_seconds",
			Help:    "Duration of triage runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}),
		RunItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "whatspilot_triage_run_items",
			Help:    "Items classified per triage run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 .. 128
		}),
		ClassifiedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whatspilot_items_classified_total",
			Help: "Total classified items by priority and whether the analysis is a fallback.",
		}, []string{"priority", "degraded"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whatspilot_alerts_total",
			Help: "Total emergency alerts raised by severity.",
		}, []string{"severity"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whatspilot_llm_calls_total",
			Help: "Total LLM provider calls by operation and status.",
		}, []string{"op", "status"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whatspilot_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "whatspilot_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "whatspilot_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. ~32s
		}, []string{"op"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whatspilot_llm_quota_retries_total",
			Help: "Total retries after a quota error by operation.",
		}, []string{"op"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whatspilot_llm_fallbacks_total",
			Help: "Total canned results served by operation and cause.",
		}, []string{"op", "kind"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whatspilot_submits_total",
			Help: "Total run, scan and ingest submissions by result.",
		}, []string{"kind", "result"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whatspilot_item_actions_total",
			Help: "Total user actions on items.",
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunItems,
		m.ClassifiedTotal,
		m.AlertsTotal,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.RetriesTotal,
		m.FallbacksTotal,
		m.SubmitsTotal,
		m.ActionsTotal,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnLLMCall: func(op string, inputTokens, outputTokens int, duration float64, isError bool) {
			status := "success"
			if isError {
				status = "error"
			}
			m.LLMCallsTotal.WithLabelValues(op, status).Inc()
			m.LLMTokensIn.Add(float64(inputTokens))
			m.LLMTokensOut.Add(float64(outputTokens))
			m.LLMDuration.WithLabelValues(op).Observe(duration)
		},
		OnRetry: func(op string) {
			m.RetriesTotal.WithLabelValues(op).Inc()
		},
		OnFallback: func(op, kind string) {
			m.FallbacksTotal.WithLabelValues(op, kind).Inc()
		},
		OnClassified: func(priority Priority, degraded bool) {
			d := "false"
			if degraded {
				d = "true"
			}
			m.ClassifiedTotal.WithLabelValues(string(priority), d).Inc()
		},
		OnAlert: func(severity AlertSeverity) {
			m.AlertsTotal.WithLabelValues(string(severity)).Inc()
		},
		OnRunComplete: func(e *RunEvent) {
			status := "complete"
			if e.FetchError {
				status = "fetch_error"
			}
			m.RunsTotal.WithLabelValues(status).Inc()
			m.RunDuration.Observe(e.Duration)
			m.RunItems.Observe(float64(e.Classified))
		},
	}
}
