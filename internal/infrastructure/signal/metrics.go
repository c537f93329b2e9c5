package signal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the signaling server's Prometheus instruments
type Metrics struct {
	connections   prometheus.Gauge
	members       prometheus.Gauge
	streams       prometheus.Gauge
	messagesTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	rateLimited   prometheus.Counter
}

// NewMetrics registers the instruments with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_signal_connections",
			Help: "Open signaling websocket connections",
		}),
		members: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_signal_channel_members",
			Help: "Participants joined to a channel",
		}),
		streams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillcall_signal_published_streams",
			Help: "Streams currently published",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_signal_messages_total",
			Help: "Signaling messages received, by type",
		}, []string{"type"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillcall_signal_errors_total",
			Help: "Signaling requests answered with an error, by code",
		}, []string{"code"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillcall_signal_rate_limited_total",
			Help: "Messages dropped by the per-connection rate limiter",
		}),
	}
}
