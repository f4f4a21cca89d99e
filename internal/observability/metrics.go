package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"instance", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"instance", "method", "path", "status"},
	)
	ingestFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framelink",
			Subsystem: "ingest",
			Name:      "frames_total",
			Help:      "Decoded frames by index and whether a handler was subscribed.",
		},
		[]string{"instance", "index", "handled"},
	)
	ingestDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framelink",
			Subsystem: "ingest",
			Name:      "dropped_total",
			Help:      "Frames discarded by reason.",
		},
		[]string{"instance", "reason"},
	)
	ingestOverflowBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framelink",
			Subsystem: "ingest",
			Name:      "overflow_bytes_total",
			Help:      "Input bytes rejected because the buffer was full.",
		},
		[]string{"instance"},
	)
	ingestBuffered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "framelink",
			Subsystem: "ingest",
			Name:      "buffered_bytes",
			Help:      "Bytes held awaiting a complete frame.",
		},
		[]string{"instance"},
	)
	linkUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "framelink",
			Subsystem: "link",
			Name:      "up",
			Help:      "1 while the link is open.",
		},
		[]string{"instance", "kind"},
	)
	linkBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framelink",
			Subsystem: "link",
			Name:      "bytes_total",
			Help:      "Bytes moved over the link by direction.",
		},
		[]string{"instance", "kind", "direction"},
	)
	linkDialFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framelink",
			Subsystem: "link",
			Name:      "dial_failures_total",
			Help:      "Failed link dial attempts.",
		},
		[]string{"instance", "kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			ingestFrames, ingestDropped, ingestOverflowBytes, ingestBuffered,
			linkUp, linkBytes, linkDialFailures,
		)
	})
}

func RecordHTTPRequest(instance, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(instance, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(instance, method, path, statusLabel).Observe(duration.Seconds())
}

// IngestMetrics records ingest.Engine events under one instance label.
type IngestMetrics struct {
	instance string
}

func NewIngestMetrics(instance string) *IngestMetrics {
	RegisterMetrics()
	return &IngestMetrics{instance: instance}
}

func (m *IngestMetrics) FrameDispatched(index uint8, handled bool) {
	ingestFrames.WithLabelValues(m.instance, indexLabel(index), strconv.FormatBool(handled)).Inc()
}

func (m *IngestMetrics) FrameDropped(reason string) {
	ingestDropped.WithLabelValues(m.instance, reason).Inc()
}

func (m *IngestMetrics) Overflow(rejected int) {
	ingestDropped.WithLabelValues(m.instance, "overflow").Inc()
	ingestOverflowBytes.WithLabelValues(m.instance).Add(float64(rejected))
}

func (m *IngestMetrics) Buffered(n int) {
	ingestBuffered.WithLabelValues(m.instance).Set(float64(n))
}

// LinkMetrics records transport.Pump events under one instance label.
type LinkMetrics struct {
	instance string
}

func NewLinkMetrics(instance string) *LinkMetrics {
	RegisterMetrics()
	return &LinkMetrics{instance: instance}
}

func (m *LinkMetrics) LinkUp(kind string) {
	linkUp.WithLabelValues(m.instance, kind).Set(1)
}

func (m *LinkMetrics) LinkDown(kind string) {
	linkUp.WithLabelValues(m.instance, kind).Set(0)
}

func (m *LinkMetrics) BytesRead(kind string, n int) {
	linkBytes.WithLabelValues(m.instance, kind, "rx").Add(float64(n))
}

func (m *LinkMetrics) BytesWritten(kind string, n int) {
	linkBytes.WithLabelValues(m.instance, kind, "tx").Add(float64(n))
}

func (m *LinkMetrics) DialFailed(kind string) {
	linkDialFailures.WithLabelValues(m.instance, kind).Inc()
}

func indexLabel(index uint8) string {
	const hex = "0123456789abcdef"
	return string([]byte{'0', 'x', hex[index>>4], hex[index&0x0f]})
}
