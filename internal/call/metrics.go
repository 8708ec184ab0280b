package call

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the call counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	started     *prometheus.CounterVec
	ended       *prometheus.CounterVec
	active      prometheus.Gauge
	dropped     *prometheus.CounterVec
	remoteBytes *prometheus.CounterVec
}

// Dropped-signal reasons.
const (
	dropDuplicate   = "duplicate"
	dropStale       = "stale"
	dropNegotiation = "negotiation"
	dropMalformed   = "malformed"
)

// NewMetrics creates the call metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goopcall_calls_started_total",
			Help: "Call sessions created, by local role.",
		}, []string{"role"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goopcall_calls_ended_total",
			Help: "Call sessions ended, by reason.",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goopcall_calls_active",
			Help: "1 while a call session is live.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goopcall_signals_dropped_total",
			Help: "Inbound signals dropped before or by the state machine.",
		}, []string{"reason"}),
		remoteBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goopcall_remote_media_bytes_total",
			Help: "RTP payload bytes received from the remote peer.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.ended, m.active, m.dropped, m.remoteBytes)
	}
	return m
}

func (m *Metrics) callStarted(role Role) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(string(role)).Inc()
	m.active.Set(1)
}

func (m *Metrics) callEnded(reason EndReason, stats RemoteStats) {
	if m == nil {
		return
	}
	m.ended.WithLabelValues(string(reason)).Inc()
	m.active.Set(0)
	m.remoteBytes.WithLabelValues("audio").Add(float64(stats.AudioBytes))
	m.remoteBytes.WithLabelValues("video").Add(float64(stats.VideoBytes))
}

func (m *Metrics) signalDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
