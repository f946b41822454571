package metrics

import (
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds the service collectors on a private registry so tests and
// multiple servers in one process don't collide.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	IndexEntries    prometheus.Gauge
	EmbeddingErrors prometheus.Counter
	Ingested        prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragkb_http_requests_total",
				Help: "HTTP requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ragkb_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		IndexEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ragkb_index_entries",
			Help: "Entries in the vector index.",
		}),
		EmbeddingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragkb_embedding_errors_total",
			Help: "Failed calls to the embedding provider.",
		}),
		Ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ragkb_ingested_total",
			Help: "Texts embedded and persisted through the API.",
		}),
	}
	m.Registry.MustRegister(m.RequestsTotal, m.RequestDuration, m.IndexEntries, m.EmbeddingErrors, m.Ingested)
	return m
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// WritePrometheus writes the registry in the Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) error {
	families, err := m.Registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// ContentType is the content type of WritePrometheus output.
func ContentType() string {
	return string(expfmt.NewFormat(expfmt.TypeTextPlain))
}
