package epidra

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const (
	labelRole     = "role"
	labelResult   = "result"
	labelStage    = "stage"
	labelCheck    = "check"
	labelEndpoint = "endpoint"
	labelStatus   = "status"
	reqPath       = "path"
	reqMethod     = "method"

	resultOK = "ok"
)

// metrics contains our Prometheus metrics.  A nil *metrics is valid and
// records nothing, which keeps roles usable without a registry.
type metrics struct {
	handshakes         *prometheus.CounterVec
	stageDurations     *prometheus.HistogramVec
	validationFailures *prometheus.CounterVec
	authorityReqs      *prometheus.CounterVec
	authorityDurations *prometheus.HistogramVec
	activeSessions     prometheus.Gauge
	reqs               *prometheus.CounterVec
}

// newMetrics initializes our Prometheus metrics.
func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	elog.Info("Initializing Prometheus metrics.", zap.String("namespace", namespace))
	m := &metrics{
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Completed attestation handshakes by role and outcome",
			},
			[]string{labelRole, labelResult},
		),
		stageDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of individual handshake stages",
			},
			[]string{labelRole, labelStage},
		),
		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Rejected handshakes by failed check",
			},
			[]string{labelCheck},
		),
		authorityReqs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "authority_requests_total",
				Help:      "Requests to the verification authority",
			},
			[]string{labelEndpoint, labelStatus},
		),
		authorityDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "authority_request_duration_seconds",
				Help:      "Duration of requests to the verification authority",
			},
			[]string{labelEndpoint, labelStatus},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Handshakes currently in flight",
			},
		),
		reqs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_requests_total",
				Help:      "HTTP requests to the status server",
			},
			[]string{reqPath, reqMethod, labelStatus},
		),
	}
	reg.MustRegister(m.handshakes)
	reg.MustRegister(m.stageDurations)
	reg.MustRegister(m.validationFailures)
	reg.MustRegister(m.authorityReqs)
	reg.MustRegister(m.authorityDurations)
	reg.MustRegister(m.activeSessions)
	reg.MustRegister(m.reqs)

	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: namespace,
	}))
	reg.MustRegister(collectors.NewGoCollector())

	return m
}

// errorClass maps an error to a low-cardinality label value.
func errorClass(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrDecoding):
		return "decoding"
	case errors.Is(err, ErrAuthority):
		return "authority"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}

func (m *metrics) handshakeDone(role string, err error) {
	if m == nil {
		return
	}
	m.handshakes.With(prometheus.Labels{
		labelRole:   role,
		labelResult: errorClass(err),
	}).Inc()
}

func (m *metrics) timeStage(role, stage string, f func() error) error {
	start := time.Now()
	err := f()
	if m != nil {
		m.stageDurations.With(prometheus.Labels{
			labelRole:  role,
			labelStage: stage,
		}).Observe(time.Since(start).Seconds())
	}
	return err
}

func (m *metrics) validationFailed(check string) {
	if m == nil {
		return
	}
	m.validationFailures.With(prometheus.Labels{labelCheck: check}).Inc()
}

func (m *metrics) authorityRequest(endpoint string, status int, start time.Time) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		labelEndpoint: endpoint,
		labelStatus:   fmt.Sprint(status),
	}
	m.authorityReqs.With(labels).Inc()
	m.authorityDurations.With(labels).Observe(time.Since(start).Seconds())
}

func (m *metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *metrics) sessionEnded() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// middleware implements a chi middleware that records each request to the
// status server as part of our Prometheus metrics.
func (m *metrics) middleware(h http.Handler) http.Handler {
	f := func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		h.ServeHTTP(ww, r)
		if ww.Status() != http.StatusNotFound {
			m.reqs.With(prometheus.Labels{
				reqPath:     r.URL.Path,
				reqMethod:   r.Method,
				labelStatus: fmt.Sprint(ww.Status()),
			}).Inc()
		}
	}
	return http.HandlerFunc(f)
}
