package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ChatRequests     *prometheus.CounterVec
	ModelSelections  *prometheus.CounterVec
	Degraded         *prometheus.CounterVec
	SafetyTriggers   *prometheus.CounterVec
	RecallOutcomes   *prometheus.CounterVec
	BackgroundErrors *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	StageLatency     *prometheus.HistogramVec

	stages *stageWindow
}

// NewMetrics registers the instruments on reg, or the default registry when
// reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ChatRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by outcome.",
		}, []string{"outcome"}),
		ModelSelections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_selections_total",
			Help:      "Generation calls by model variant.",
		}, []string{"variant"}),
		Degraded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_degraded_total",
			Help:      "Best-effort stages that fell back to their default.",
		}, []string{"stage"}),
		SafetyTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_net_triggers_total",
			Help:      "Safety-net checks that appended content.",
		}, []string{"check"}),
		RecallOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recall_outcomes_total",
			Help:      "Whether corpus recall contributed context.",
		}, []string{"used"}),
		BackgroundErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_errors_total",
			Help:      "Swallowed failures in session logging and memory writes.",
		}, []string{"component"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Pipeline stage latency in milliseconds.",
			Buckets:   []float64{5, 25, 50, 100, 250, 500, 1000, 2000, 4000, 8000},
		}, []string{"stage"}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveModel(variant string) {
	if m == nil {
		return
	}
	m.ModelSelections.WithLabelValues(variant).Inc()
}

func (m *Metrics) ObserveDegraded(stage string) {
	if m == nil {
		return
	}
	m.Degraded.WithLabelValues(stage).Inc()
	m.stages.ObserveIndicator(stage + "_degraded")
}

func (m *Metrics) ObserveSafety(check string) {
	if m == nil {
		return
	}
	m.SafetyTriggers.WithLabelValues(check).Inc()
	m.stages.ObserveIndicator("safety_" + check)
}

func (m *Metrics) ObserveRecall(used bool) {
	if m == nil {
		return
	}
	label := "false"
	if used {
		label = "true"
		m.stages.ObserveIndicator("recall_used")
	}
	m.RecallOutcomes.WithLabelValues(label).Inc()
}

func (m *Metrics) ObserveBackgroundError(component string) {
	if m == nil {
		return
	}
	m.BackgroundErrors.WithLabelValues(component).Inc()
}

func (m *Metrics) ObserveWS(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// SnapshotStages returns rolling latency stats for the pipeline stages.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

// ResetStages drops every latency sample; prometheus series are untouched.
func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
