package monitoring

import (
	"time"

	"meshcall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

type PrometheusCollector struct {
	peersLinked        prometheus.Gauge
	linksTotal         prometheus.Counter
	bytesReceived      prometheus.Counter
	negotiationSeconds prometheus.Histogram

	signalsSent     *prometheus.CounterVec
	signalsReceived *prometheus.CounterVec
	signalsDropped  *prometheus.CounterVec
	signalsFailed   prometheus.Counter
	peerErrors      *prometheus.CounterVec
	remoteTracks    *prometheus.CounterVec
}

// NewPrometheusCollector registers the call metrics on reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		peersLinked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_peers_linked",
			Help: "Number of open peer links",
		}),

		linksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_peer_links_total",
			Help: "Total number of peer links opened",
		}),

		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_rtp_received_bytes_total",
			Help: "RTP payload bytes received from remote peers",
		}),

		negotiationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_negotiation_duration_seconds",
			Help:    "Time from link creation to connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		signalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signals_sent_total",
			Help: "Signaling messages delivered to a peer inbox",
		}, []string{"type"}),

		signalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signals_received_total",
			Help: "Signaling messages read from the local inbox",
		}, []string{"type"}),

		signalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signals_dropped_total",
			Help: "Signaling messages ignored, by reason",
		}, []string{"reason"}),

		signalsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_signals_failed_total",
			Help: "Signaling messages that could not be delivered",
		}),

		peerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_peer_errors_total",
			Help: "Per-peer link failures, by kind",
		}, []string{"kind"}),

		remoteTracks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_remote_tracks_total",
			Help: "Remote tracks received, by media kind",
		}, []string{"kind"}),
	}
}

func (p *PrometheusCollector) PeerLinked() {
	p.peersLinked.Inc()
	p.linksTotal.Inc()
}

func (p *PrometheusCollector) PeerUnlinked() {
	p.peersLinked.Dec()
}

func (p *PrometheusCollector) NegotiationCompleted(d time.Duration) {
	p.negotiationSeconds.Observe(d.Seconds())
}

func (p *PrometheusCollector) SignalSent(kind string) {
	p.signalsSent.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) SignalReceived(kind string) {
	p.signalsReceived.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) SignalDropped(reason string) {
	p.signalsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SignalFailed() {
	p.signalsFailed.Inc()
}

func (p *PrometheusCollector) PeerError(kind string) {
	p.peerErrors.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RemoteTrack(kind string) {
	p.remoteTracks.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) BytesReceived(n int) {
	p.bytesReceived.Add(float64(n))
}
