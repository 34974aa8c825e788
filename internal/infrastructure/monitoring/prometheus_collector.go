package monitoring

import (
	"swarmcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exposes cache and signaling metrics. It satisfies
// the metrics interfaces of the segment cache, the relay client and the
// relay server.
type PrometheusCollector struct {
	// Cache
	cacheSegments  prometheus.Gauge
	cacheBytes     prometheus.Gauge
	cacheHitsTotal prometheus.Counter
	cacheMissTotal prometheus.Counter
	cacheEvictions prometheus.Counter
	cachePrunes    prometheus.Counter
	cacheSelfHeals prometheus.Counter

	// Signaling client
	envelopesSent     *prometheus.CounterVec
	envelopesReceived *prometheus.CounterVec
	envelopesDropped  prometheus.Counter
	reconnectsTotal   prometheus.Counter

	// Relay
	relayPeers           *prometheus.GaugeVec
	relayEnvelopesRouted *prometheus.CounterVec
	relayBytesUploaded   prometheus.Counter
	relayBytesDownloaded prometheus.Counter
	relaySegmentsShared  prometheus.Counter
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		cacheSegments: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarmcast_cache_segments",
			Help: "Number of segments currently cached",
		}),
		cacheBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarmcast_cache_bytes",
			Help: "Total bytes currently cached",
		}),
		cacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_cache_hits_total",
			Help: "Segment cache hits",
		}),
		cacheMissTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_cache_misses_total",
			Help: "Segment cache misses",
		}),
		cacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_cache_evictions_total",
			Help: "Segments evicted under capacity pressure",
		}),
		cachePrunes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_cache_prunes_total",
			Help: "Segments removed by age pruning",
		}),
		cacheSelfHeals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_cache_self_heals_total",
			Help: "Index entries dropped after a failed durable read",
		}),

		envelopesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmcast_signal_envelopes_sent_total",
			Help: "Envelopes sent to the relay",
		}, []string{"type"}),
		envelopesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmcast_signal_envelopes_received_total",
			Help: "Envelopes received from the relay",
		}, []string{"type"}),
		envelopesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_signal_envelopes_dropped_total",
			Help: "Envelopes dropped because the client was disconnected",
		}),
		reconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_signal_reconnects_total",
			Help: "Reconnection attempts made by the client",
		}),

		relayPeers: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarmcast_relay_peers",
			Help: "Peers currently registered on the relay",
		}, []string{"peer_type"}),
		relayEnvelopesRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmcast_relay_envelopes_routed_total",
			Help: "Envelopes handled by the relay",
		}, []string{"type"}),
		relayBytesUploaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_relay_reported_upload_bytes_total",
			Help: "Peer-reported bytes uploaded to other peers",
		}),
		relayBytesDownloaded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_relay_reported_download_bytes_total",
			Help: "Peer-reported bytes downloaded from other peers",
		}),
		relaySegmentsShared: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmcast_relay_reported_segments_shared_total",
			Help: "Peer-reported segments served to other peers",
		}),
	}
}

// Cache metrics

func (p *PrometheusCollector) RecordCacheHit()  { p.cacheHitsTotal.Inc() }
func (p *PrometheusCollector) RecordCacheMiss() { p.cacheMissTotal.Inc() }
func (p *PrometheusCollector) RecordEviction()  { p.cacheEvictions.Inc() }
func (p *PrometheusCollector) RecordSelfHeal()  { p.cacheSelfHeals.Inc() }

func (p *PrometheusCollector) RecordPrune(count int) {
	p.cachePrunes.Add(float64(count))
}

func (p *PrometheusCollector) SetCacheUsage(segments int, bytes int64) {
	p.cacheSegments.Set(float64(segments))
	p.cacheBytes.Set(float64(bytes))
}

// Signaling client metrics

func (p *PrometheusCollector) RecordEnvelopeSent(envType string) {
	p.envelopesSent.WithLabelValues(envType).Inc()
}

func (p *PrometheusCollector) RecordEnvelopeReceived(envType string) {
	p.envelopesReceived.WithLabelValues(envType).Inc()
}

func (p *PrometheusCollector) RecordEnvelopeDropped() { p.envelopesDropped.Inc() }
func (p *PrometheusCollector) RecordReconnect()       { p.reconnectsTotal.Inc() }

// Relay metrics

func (p *PrometheusCollector) RecordPeerConnected(isAgent bool) {
	p.relayPeers.WithLabelValues(peerType(isAgent)).Inc()
}

func (p *PrometheusCollector) RecordPeerDisconnected(isAgent bool) {
	p.relayPeers.WithLabelValues(peerType(isAgent)).Dec()
}

func (p *PrometheusCollector) RecordEnvelopeRouted(envType string) {
	p.relayEnvelopesRouted.WithLabelValues(envType).Inc()
}

func (p *PrometheusCollector) RecordDeliveryStats(stats domain.DeliveryStats) {
	if stats.BytesUploaded > 0 {
		p.relayBytesUploaded.Add(float64(stats.BytesUploaded))
	}
	if stats.BytesDownloaded > 0 {
		p.relayBytesDownloaded.Add(float64(stats.BytesDownloaded))
	}
	if stats.SegmentsShared > 0 {
		p.relaySegmentsShared.Add(float64(stats.SegmentsShared))
	}
}

func peerType(isAgent bool) string {
	if isAgent {
		return "agent"
	}
	return "viewer"
}
