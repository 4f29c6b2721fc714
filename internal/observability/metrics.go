// Package observability provides Prometheus metrics, request logging and
// tracing setup.
//
// Metrics:
//   - answer quality gauges (faithfulness, answer relevance, context
//     precision, similarity)
//   - HTTP request counter and latency histogram
//   - rate limiter checked/allowed/rejected counters
//   - rate limiter backing store connection errors, retries and timeouts
//
// All metric operations are safe for concurrent use.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"kgchat/internal/ratelimit"
)

// Metrics holds every collector exported by the service.
type Metrics struct {
	Faithfulness     prometheus.Gauge
	AnswerRelevance  prometheus.Gauge
	ContextPrecision prometheus.Gauge
	Similarity       prometheus.Gauge

	// Labels: method, endpoint, status_group (2xx, 4xx, 5xx)
	RequestsTotal *prometheus.CounterVec
	// Labels: method, endpoint
	RequestLatency *prometheus.HistogramVec

	RateLimitCheckedTotal  prometheus.Counter
	RateLimitAllowedTotal  prometheus.Counter
	RateLimitRejectedTotal prometheus.Counter

	StoreConnectionErrors  prometheus.Counter
	StoreConnectionRetries prometheus.Counter
	StoreTimeouts          prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. Tests pass
// a fresh prometheus.NewRegistry(); main passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Faithfulness: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ragas_faithfulness",
			Help: "Faithfulness score of the last evaluated answer",
		}),
		AnswerRelevance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ragas_answer_relevance",
			Help: "Answer relevance score of the last evaluated answer",
		}),
		ContextPrecision: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ragas_context_precision",
			Help: "Context precision score of the last evaluated answer",
		}),
		Similarity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ragas_similarity",
			Help: "Similarity score of the last evaluated answer (if a reference answer exists)",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "endpoint", "status_group"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_latency_seconds",
			Help:    "Request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "endpoint"}),
		RateLimitCheckedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rate_limiter_checked_total",
			Help: "Total requests checked by the rate limiter",
		}),
		RateLimitAllowedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rate_limiter_allowed_total",
			Help: "Total requests allowed by the rate limiter",
		}),
		RateLimitRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rate_limiter_rejected_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		StoreConnectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		}),
		StoreConnectionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redis_connection_retries_total",
			Help: "Total Redis connection retries",
		}),
		StoreTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redis_connection_timeouts_total",
			Help: "Total Redis connection timeouts",
		}),
	}
	reg.MustRegister(
		m.Faithfulness, m.AnswerRelevance, m.ContextPrecision, m.Similarity,
		m.RequestsTotal, m.RequestLatency,
		m.RateLimitCheckedTotal, m.RateLimitAllowedTotal, m.RateLimitRejectedTotal,
		m.StoreConnectionErrors, m.StoreConnectionRetries, m.StoreTimeouts,
	)
	return m
}

// SetQualityScores exports one evaluation. similarity is skipped when nil.
func (m *Metrics) SetQualityScores(faithfulness, answerRelevance, contextPrecision float64, similarity *float64) {
	m.Faithfulness.Set(faithfulness)
	m.AnswerRelevance.Set(answerRelevance)
	m.ContextPrecision.Set(contextPrecision)
	if similarity != nil {
		m.Similarity.Set(*similarity)
	}
}

func (m *Metrics) RateLimitChecked()  { m.RateLimitCheckedTotal.Inc() }
func (m *Metrics) RateLimitAllowed()  { m.RateLimitAllowedTotal.Inc() }
func (m *Metrics) RateLimitRejected() { m.RateLimitRejectedTotal.Inc() }

// RateLimitStoreFailure counts a backing store failure by kind.
func (m *Metrics) RateLimitStoreFailure(kind string) {
	switch kind {
	case ratelimit.FailureTimeout:
		m.StoreTimeouts.Inc()
	case ratelimit.FailureRetry:
		m.StoreConnectionRetries.Inc()
	default:
		m.StoreConnectionErrors.Inc()
	}
}

var _ ratelimit.Recorder = (*Metrics)(nil)

func statusGroup(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
