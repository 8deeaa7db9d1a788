package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshprobe"

var (
	Registry = prometheus.NewRegistry()

	KnownNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "known_nodes",
		Help:      "Nodes currently in the membership table.",
	})

	MembershipChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_changes_total",
			Help:      "Registry inserts and removals by cause.",
		},
		[]string{"change", "cause"},
	)

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_messages_received_total",
			Help:      "Discovery datagrams received, by decoded type, plus invalid and read errors.",
		},
		[]string{"type"},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_messages_sent_total",
			Help:      "Discovery datagrams sent, by destination kind and outcome.",
		},
		[]string{"dest", "result"},
	)

	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "vpn_scan_duration_seconds",
		Help:      "Duration of a VPN subnet sweep.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
	})

	ScanResponders = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vpn_scan_responders",
		Help:      "Hosts that answered the last VPN subnet sweep.",
	})

	ProbeRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "liveness_rtt_seconds",
		Help:      "Round-trip time of successful liveness probes.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
	})

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_probes_total",
			Help:      "Liveness probes by outcome.",
		},
		[]string{"result"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "HTTP API requests.",
		},
		[]string{"op", "status"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		KnownNodes, MembershipChanges,
		MessagesReceived, MessagesSent,
		ScanDuration, ScanResponders,
		ProbeRTT, ProbesTotal,
		RequestsTotal, buildInfo, uptime,
	)
}

// Handler exposes the registry for /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Instrument counts requests handled by next under op.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		RequestsTotal.WithLabelValues(op, strconv.Itoa(sw.status/100)+"xx").Inc()
	})
}
