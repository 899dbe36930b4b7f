// Package metrics exposes Prometheus collectors for the permit crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Record outcomes used as label values for permit_records_total.
const (
	OutcomeSuccess     = "success"
	OutcomeNoData      = "no_data"
	OutcomeFailed      = "failed"
	OutcomeParseFailed = "parse_failed"
)

var (
	recordsTotal               *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	runsTotal                  *prometheus.CounterVec
	mergesTotal                *prometheus.CounterVec
	mergedRecordsTotal         *prometheus.CounterVec
	activeRuns                 prometheus.Gauge
	yearMaxSequence            *prometheus.GaugeVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permit_records_total",
				Help: "Keys processed by the crawl engine, labeled by year and outcome.",
			},
			[]string{"year", "outcome"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permit_fetch_attempts_total",
				Help: "Fetch ladder attempts, labeled by fetcher and result.",
			},
			[]string{"fetcher", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permit_fetch_duration_seconds",
				Help:    "Time spent obtaining one detail page, retries included.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
			},
			[]string{"fetcher"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permit_runs_total",
				Help: "Completed crawl runs, labeled by status and stop reason.",
			},
			[]string{"status", "stop_reason"},
		)

		mergesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permit_store_merges_total",
				Help: "Store merge calls, labeled by result.",
			},
			[]string{"result"},
		)

		mergedRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permit_store_merged_records_total",
				Help: "Records written by merges, labeled by change kind.",
			},
			[]string{"kind"},
		)

		activeRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "permit_active_runs",
				Help: "Number of crawl runs currently executing.",
			},
		)

		yearMaxSequence = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "permit_year_max_sequence",
				Help: "Highest stored sequence number per permit year.",
			},
			[]string{"year"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permit_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRecord counts one processed key.
func ObserveRecord(year int, outcome string) {
	Init()
	recordsTotal.WithLabelValues(strconv.Itoa(year), outcome).Inc()
}

// ObserveFetchAttempt counts one ladder attempt.
func ObserveFetchAttempt(fetcher, result string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(fetcher, result).Inc()
}

// ObserveFetch records the wall time of a FetchPage call.
func ObserveFetch(fetcher string, d time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(fetcher).Observe(d.Seconds())
}

// ObserveRun counts a finished run.
func ObserveRun(status, stopReason string) {
	Init()
	runsTotal.WithLabelValues(status, stopReason).Inc()
}

// ObserveMerge counts a merge and the records it touched. A failed merge only
// increments the error result.
func ObserveMerge(added, updated int, err error) {
	Init()
	if err != nil {
		mergesTotal.WithLabelValues("error").Inc()
		return
	}
	mergesTotal.WithLabelValues("ok").Inc()
	mergedRecordsTotal.WithLabelValues("added").Add(float64(added))
	mergedRecordsTotal.WithLabelValues("updated").Add(float64(updated))
}

// SetYearMax publishes stored progress for a year.
func SetYearMax(year, maxSequence int) {
	Init()
	yearMaxSequence.WithLabelValues(strconv.Itoa(year)).Set(float64(maxSequence))
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	Init()
	activeRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	Init()
	activeRuns.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(SanitizeHost(host)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
