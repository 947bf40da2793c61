// Package telemetry exposes pipeline and HTTP metrics in Prometheus format.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rangelink/models"
)

const namespace = "rangelink"

// Metrics owns one registry. It implements the orchestrator's Recorder.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	peers           *prometheus.GaugeVec
	distance        prometheus.Histogram
	evictionsTotal  prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	buildInfo       *prometheus.GaugeVec
}

func New() *Metrics {
	startTime := time.Now()
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Discovery pipeline events by kind.",
			},
			[]string{"kind"},
		),
		peers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peers",
				Help:      "Peers in the registry by state.",
			},
			[]string{"state"},
		),
		distance: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "distance_meters",
				Help:      "Accepted ranging samples.",
				// 0.25m .. 64m
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 9),
			},
		),
		evictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evictions_total",
				Help:      "Peers removed by the staleness sweep.",
			},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"op", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Latency of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
			},
			[]string{"op"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"op"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build info (constant 1, labeled by version and device_id).",
			},
			[]string{"version", "device_id"},
		),
	}
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	m.registry.MustRegister(
		m.eventsTotal,
		m.peers,
		m.distance,
		m.evictionsTotal,
		m.requestsTotal,
		m.requestDuration,
		m.inFlight,
		m.buildInfo,
		uptime,
	)
	for _, state := range models.AllPeerStates {
		m.peers.WithLabelValues(string(state)).Set(0)
	}
	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveEvent(event models.DiscoveryEvent) {
	m.eventsTotal.WithLabelValues(string(event.Kind)).Inc()
}

// ObservePeers replaces the per-state peer gauges with counts from peers.
func (m *Metrics) ObservePeers(peers []models.PeerRecord) {
	counts := make(map[models.PeerState]int, len(models.AllPeerStates))
	for _, peer := range peers {
		counts[peer.State]++
	}
	for _, state := range models.AllPeerStates {
		m.peers.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (m *Metrics) ObserveDistance(meters float64) {
	m.distance.Observe(meters)
}

func (m *Metrics) ObserveEvictions(n int) {
	m.evictionsTotal.Add(float64(n))
}

// SetBuildInfo should be called once at startup.
func (m *Metrics) SetBuildInfo(version, deviceID string) {
	m.buildInfo.WithLabelValues(version, deviceID).Set(1)
}

// MetricsHandler exposes /metrics.
func (m *Metrics) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.inFlight.WithLabelValues(op).Inc()
		defer m.inFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.requestsTotal.WithLabelValues(op, class).Inc()
		m.requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
