package monitoring

import (
	"time"

	"rillcall/internal/core/domain"
	"rillcall/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector is a coordinator observer exporting call state
type PrometheusCollector struct {
	// Roster
	rosterStreams    *prometheus.GaugeVec
	subscribedTotal  prometheus.Gauge
	publishedStreams *prometheus.GaugeVec

	// Toggles and conditions
	toggleState     *prometheus.GaugeVec
	conditionsTotal *prometheus.CounterVec

	// Start pipeline
	startDuration *prometheus.HistogramVec
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		rosterStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcall_roster_streams",
			Help: "Number of streams in the roster by kind",
		}, []string{"kind"}),

		subscribedTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_roster_subscribed_streams",
			Help: "Number of remote streams currently subscribed",
		}),

		publishedStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcall_local_stream_published",
			Help: "Whether the local stream of each kind is published (0 or 1)",
		}, []string{"kind"}),

		toggleState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillcall_toggle_state",
			Help: "Requested sharing state per capability (0 or 1)",
		}, []string{"capability"}),

		conditionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_conditions_total",
			Help: "Total number of call conditions reported by code and stage",
		}, []string{"code", "stage"}),

		startDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rillcall_start_duration_seconds",
			Help:    "Duration of coordinator start pipelines",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"result"}),
	}
}

func (p *PrometheusCollector) OnRosterChanged(roster []domain.StreamInfo) {
	counts := map[domain.StreamKind]int{domain.LocalAV: 0, domain.LocalScreen: 0, domain.Remote: 0}
	published := map[domain.StreamKind]float64{domain.LocalAV: 0, domain.LocalScreen: 0}
	subscribed := 0
	for _, s := range roster {
		counts[s.Kind]++
		if s.Subscribed {
			subscribed++
		}
		if s.Kind.IsLocal() && s.PublishState == domain.Published {
			published[s.Kind] = 1
		}
	}
	for kind, n := range counts {
		p.rosterStreams.WithLabelValues(kind.String()).Set(float64(n))
	}
	for kind, v := range published {
		p.publishedStreams.WithLabelValues(kind.String()).Set(v)
	}
	p.subscribedTotal.Set(float64(subscribed))
}

func (p *PrometheusCollector) OnToggleStateChanged(state domain.ToggleState) {
	for _, c := range []domain.Capability{domain.CapabilityVideo, domain.CapabilityAudio, domain.CapabilityScreen} {
		v := 0.0
		if state.Get(c) {
			v = 1
		}
		p.toggleState.WithLabelValues(string(c)).Set(v)
	}
}

func (p *PrometheusCollector) OnCondition(cond *errors.AppError) {
	p.conditionsTotal.WithLabelValues(string(cond.Code), cond.Stage).Inc()
}

// RecordStart observes how long a Start call took
func (p *PrometheusCollector) RecordStart(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	p.startDuration.WithLabelValues(result).Observe(duration.Seconds())
}
