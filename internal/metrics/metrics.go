package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOutcome captures the result of a cache read.
type CacheOutcome string

const (
	// CacheHit indicates the read served a live entry.
	CacheHit CacheOutcome = "hit"
	// CacheMiss indicates no live entry was present.
	CacheMiss CacheOutcome = "miss"
)

// CacheRemoval identifies why an entry left the store.
type CacheRemoval string

const (
	// CacheEvicted records capacity-pressure evictions.
	CacheEvicted CacheRemoval = "evicted"
	// CacheExpired records TTL expiries, lazy or swept.
	CacheExpired CacheRemoval = "expired"
)

// DeliveryOutcome captures the result of one envelope delivery attempt.
type DeliveryOutcome string

const (
	// DeliveryPushed indicates the transport accepted the envelope.
	DeliveryPushed DeliveryOutcome = "pushed"
	// DeliveryDropped indicates the subscriber channel was gone at delivery time.
	DeliveryDropped DeliveryOutcome = "dropped"
)

// Recorder publishes Prometheus metrics for engine activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheReads    *prometheus.CounterVec
	cacheRemovals *prometheus.CounterVec

	deliveries *prometheus.CounterVec
	batchSizes prometheus.Histogram

	probeRTT      prometheus.Histogram
	probeTimeouts prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheReads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battlesub",
		Subsystem: "cache",
		Name:      "reads_total",
		Help:      "Cache reads partitioned by hit or miss.",
	}, []string{"outcome"})

	cacheRemovals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battlesub",
		Subsystem: "cache",
		Name:      "removals_total",
		Help:      "Entries removed from the cache by eviction or expiry.",
	}, []string{"reason"})

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "battlesub",
		Subsystem: "sync",
		Name:      "deliveries_total",
		Help:      "Envelope delivery attempts partitioned by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	batchSizes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "battlesub",
		Subsystem: "sync",
		Name:      "batch_window_updates",
		Help:      "Updates accumulated in a batch window before flush.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
	})

	probeRTT := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "battlesub",
		Subsystem: "latency",
		Name:      "probe_rtt_seconds",
		Help:      "Round-trip time of echo probes that completed.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2},
	})

	probeTimeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "battlesub",
		Subsystem: "latency",
		Name:      "probe_timeouts_total",
		Help:      "Echo probes that resolved to an unknown sample.",
	})

	reg.MustRegister(cacheReads, cacheRemovals, deliveries, batchSizes, probeRTT, probeTimeouts)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:      reg,
		handler:       handler,
		cacheReads:    cacheReads,
		cacheRemovals: cacheRemovals,
		deliveries:    deliveries,
		batchSizes:    batchSizes,
		probeRTT:      probeRTT,
		probeTimeouts: probeTimeouts,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCacheRead records a cache hit or miss.
func (r *Recorder) ObserveCacheRead(outcome CacheOutcome) {
	if r == nil {
		return
	}
	label := string(outcome)
	if label == "" {
		label = string(CacheMiss)
	}
	r.cacheReads.WithLabelValues(label).Inc()
}

// ObserveCacheRemoval records an entry leaving the store.
func (r *Recorder) ObserveCacheRemoval(reason CacheRemoval) {
	if r == nil {
		return
	}
	label := string(reason)
	if label == "" {
		label = string(CacheExpired)
	}
	r.cacheRemovals.WithLabelValues(label).Inc()
}

// ObserveDelivery records one envelope delivery attempt.
func (r *Recorder) ObserveDelivery(strategy string, outcome DeliveryOutcome) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(normalizeLabel(strategy), string(outcome)).Inc()
}

// ObserveBatchFlush records how many updates a batch window accumulated.
func (r *Recorder) ObserveBatchFlush(updates int) {
	if r == nil {
		return
	}
	r.batchSizes.Observe(float64(updates))
}

// ObserveProbe records a completed echo probe round trip.
func (r *Recorder) ObserveProbe(rtt time.Duration) {
	if r == nil {
		return
	}
	r.probeRTT.Observe(rtt.Seconds())
}

// ObserveProbeTimeout records a probe that resolved to an unknown sample.
func (r *Recorder) ObserveProbeTimeout() {
	if r == nil {
		return
	}
	r.probeTimeouts.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
