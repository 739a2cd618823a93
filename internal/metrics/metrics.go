// Package metrics exposes relay counters and gauges on a private Prometheus
// registry. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "srtrelay"

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	publisherSessions prometheus.Counter
	publisherRejected prometheus.Counter
	publisherActive   prometheus.Gauge
	ingestBytes       prometheus.Counter

	viewersActive   prometheus.Gauge
	viewerJoins     prometheus.Counter
	viewerEvictions *prometheus.CounterVec

	transcoderStarts   prometheus.Counter
	transcoderCrashes  prometheus.Counter
	transcoderFailures prometheus.Counter
	feedDropped        prometheus.Counter

	segmentsRotated    prometheus.Counter
	segmentsPruned     prometheus.Counter
	segmentWriteErrors prometheus.Counter

	relayState *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		publisherSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "publisher_sessions_total",
			Help: "Publisher sessions accepted",
		}),
		publisherRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "publisher_rejected_total",
			Help: "Publish attempts refused because a publisher was already active",
		}),
		publisherActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "publisher_active",
			Help: "1 while a publisher session is active",
		}),
		ingestBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_bytes_total",
			Help: "Bytes read from publishers",
		}),
		viewersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "viewers_active",
			Help: "Connected SRT viewers",
		}),
		viewerJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "viewer_joins_total",
			Help: "SRT viewers accepted",
		}),
		viewerEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "viewer_removals_total",
			Help: "SRT viewers removed, by reason",
		}, []string{"reason"}),
		transcoderStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transcoder_starts_total",
			Help: "Transcoder processes launched",
		}),
		transcoderCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transcoder_crashes_total",
			Help: "Unexpected transcoder exits or spawn failures",
		}),
		transcoderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transcoder_failures_total",
			Help: "Publisher sessions whose transcoder restart budget was exhausted",
		}),
		feedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transcoder_feed_dropped_chunks_total",
			Help: "Chunks dropped from the transcoder input buffer",
		}),
		segmentsRotated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "segments_rotated_total",
			Help: "Segments added to the playlist",
		}),
		segmentsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "segments_pruned_total",
			Help: "Segments removed from disk after leaving the retention window",
		}),
		segmentWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "segment_write_errors_total",
			Help: "Failed segment promotions or playlist writes",
		}),
		relayState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "relay_state",
			Help: "1 for the relay controller's current state",
		}, []string{"state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Status API requests, by response class",
		}, []string{"class"}),
	}

	m.registry.MustRegister(
		m.publisherSessions, m.publisherRejected, m.publisherActive, m.ingestBytes,
		m.viewersActive, m.viewerJoins, m.viewerEvictions,
		m.transcoderStarts, m.transcoderCrashes, m.transcoderFailures, m.feedDropped,
		m.segmentsRotated, m.segmentsPruned, m.segmentWriteErrors,
		m.relayState, m.httpRequests,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PublisherConnected() {
	if m == nil {
		return
	}
	m.publisherSessions.Inc()
	m.publisherActive.Set(1)
}

func (m *Metrics) PublisherDisconnected() {
	if m == nil {
		return
	}
	m.publisherActive.Set(0)
}

func (m *Metrics) PublisherRejected() {
	if m == nil {
		return
	}
	m.publisherRejected.Inc()
}

func (m *Metrics) AddIngestBytes(n int) {
	if m == nil {
		return
	}
	m.ingestBytes.Add(float64(n))
}

func (m *Metrics) ViewerJoined() {
	if m == nil {
		return
	}
	m.viewerJoins.Inc()
	m.viewersActive.Inc()
}

// ViewerRemoved records a viewer leaving; reason is one of "disconnect",
// "send_error", "overflow" or "shutdown".
func (m *Metrics) ViewerRemoved(reason string) {
	if m == nil {
		return
	}
	m.viewersActive.Dec()
	m.viewerEvictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) TranscoderStarted() {
	if m == nil {
		return
	}
	m.transcoderStarts.Inc()
}

func (m *Metrics) TranscoderCrashed() {
	if m == nil {
		return
	}
	m.transcoderCrashes.Inc()
}

func (m *Metrics) TranscoderFailed() {
	if m == nil {
		return
	}
	m.transcoderFailures.Inc()
}

func (m *Metrics) FeedDropped() {
	if m == nil {
		return
	}
	m.feedDropped.Inc()
}

func (m *Metrics) SegmentRotated() {
	if m == nil {
		return
	}
	m.segmentsRotated.Inc()
}

func (m *Metrics) SegmentsPruned(n int) {
	if m == nil || n == 0 {
		return
	}
	m.segmentsPruned.Add(float64(n))
}

func (m *Metrics) SegmentWriteFailed() {
	if m == nil {
		return
	}
	m.segmentWriteErrors.Inc()
}

// SetRelayState marks current as the only active state among all.
func (m *Metrics) SetRelayState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.relayState.WithLabelValues(s).Set(v)
	}
}
