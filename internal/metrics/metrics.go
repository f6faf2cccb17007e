package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rawblock/aml-engine/internal/aml"
)

// Recorder holds the engine's prometheus collectors
type Recorder struct {
	analysesTotal    *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	flowsAnalyzed    prometheus.Histogram
	patternsTotal    *prometheus.CounterVec
	alertsTotal      *prometheus.CounterVec
	suppressedTotal  *prometheus.CounterVec
	liveAlerts       prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers collectors with reg. Nil uses the default registry.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	factory := promauto.With(reg)

	return &Recorder{
		analysesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aml_analyses_total",
				Help: "Total number of address analyses",
			},
			[]string{"kind", "outcome"},
		),
		analysisDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aml_analysis_duration_seconds",
				Help:    "Duration of address analyses",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		flowsAnalyzed: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aml_analysis_flows",
				Help:    "Number of flows in an analysed window",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		patternsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aml_patterns_detected_total",
				Help: "Total number of patterns above the confidence floor",
			},
			[]string{"typology"},
		),
		alertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aml_alerts_emitted_total",
				Help: "Total number of alerts emitted",
			},
			[]string{"typology", "severity"},
		),
		suppressedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aml_alerts_suppressed_total",
				Help: "Total number of patterns that did not become alerts",
			},
			[]string{"typology", "reason"},
		),
		liveAlerts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aml_live_alerts",
				Help: "Alerts currently tracked for deduplication",
			},
		),
		gatherer: gatherer,
	}
}

// ObserveAnalysis records one analysis call. result is nil on failure.
func (r *Recorder) ObserveAnalysis(kind string, result *aml.DetectionResult, err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.analysesTotal.WithLabelValues(kind, outcome).Inc()
	r.analysisDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	if result == nil {
		return
	}

	r.flowsAnalyzed.Observe(float64(result.Stats.TotalFlows))
	for typology, n := range result.Stats.PatternDistribution {
		if n > 0 {
			r.patternsTotal.WithLabelValues(string(typology)).Add(float64(n))
		}
	}
	for _, a := range result.Alerts {
		r.alertsTotal.WithLabelValues(string(a.Pattern.Type), a.Severity.String()).Inc()
	}
}

// AlertSuppressed matches the alert generator's suppression hook
func (r *Recorder) AlertSuppressed(p aml.FlowPattern, reason string) {
	r.suppressedTotal.WithLabelValues(string(p.Type), reason).Inc()
}

// SetLiveAlerts reports the size of the generator's live set
func (r *Recorder) SetLiveAlerts(n int) {
	r.liveAlerts.Set(float64(n))
}

// Handler serves the registry in the prometheus text format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
