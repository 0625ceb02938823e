package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	SubmitsTotal     *prometheus.CounterVec
	StageTransitions *prometheus.CounterVec
	PipelinesTotal   *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	ApprovalsTotal   *prometheus.CounterVec
	ProviderCalls    *prometheus.CounterVec
	ProviderDuration prometheus.Histogram
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_submits_total",
			Help: "Total issue submissions by result.",
		}, []string{"result"}),
		StageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_stage_transitions_total",
			Help: "Total pipeline stage transitions by destination stage.",
		}, []string{"stage"}),
		PipelinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_pipelines_total",
			Help: "Total pipeline runs by outcome.",
		}, []string{"outcome"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_pipeline_duration_seconds",
			Help:    "Duration of pipeline runs from intake to awaiting_approval or error.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~205s
		}, []string{"outcome"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_approvals_total",
			Help: "Total approval actions by surface, action, and outcome.",
		}, []string{"surface", "action", "outcome"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_provider_calls_total",
			Help: "Total LLM provider calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		ProviderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_provider_call_duration_seconds",
			Help:    "Duration of individual LLM provider calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.StageTransitions,
		m.PipelinesTotal,
		m.PipelineDuration,
		m.ApprovalsTotal,
		m.ProviderCalls,
		m.ProviderDuration,
	)
	return m
}

func (m *Metrics) incSubmit(result string) {
	if m == nil {
		return
	}
	m.SubmitsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incStage(stage string) {
	if m == nil {
		return
	}
	m.StageTransitions.WithLabelValues(stage).Inc()
}

func (m *Metrics) observePipeline(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.PipelinesTotal.WithLabelValues(outcome).Inc()
	m.PipelineDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) incApproval(surface, action, outcome string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(surface, action, outcome).Inc()
}

func (m *Metrics) observeProviderCall(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ProviderCalls.WithLabelValues(op, outcome).Inc()
	m.ProviderDuration.Observe(seconds)
}
