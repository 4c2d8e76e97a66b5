// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcome and crawl status labels that are not session statuses or failure kinds.
const (
	OutcomeScraped          = "scraped"
	OutcomeOptimizeFallback = "optimize_fallback"
	CrawlAborted            = "aborted"
)

var (
	crawlerPagesTotal           *prometheus.CounterVec
	crawlerCrawlsTotal          *prometheus.CounterVec
	crawlerRenderDuration       *prometheus.HistogramVec
	crawlerActiveCrawls         prometheus.Gauge
	crawlerRateLimitDelays      *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	crawlerOptimizerTokensTotal prometheus.Counter
	crawlerRobotsFallbackTotal  prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerCrawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_crawls_total",
				Help: "Total number of crawls finished, labeled by final status.",
			},
			[]string{"status"},
		)

		crawlerRenderDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_render_duration_seconds",
				Help:    "Histogram of page render latencies, labeled by result.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"result"},
		)

		crawlerActiveCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_crawls",
				Help: "Number of crawls currently running.",
			},
		)

		crawlerRateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)

		crawlerOptimizerTokensTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_optimizer_tokens_total",
				Help: "Total number of tokens reported by the optimizer backend.",
			},
		)

		crawlerRobotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallback_total",
				Help: "Total robots.txt fetches answered with allow-all after repeated timeouts.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
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

// Middleware records request counts and latencies keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ObserveHTTPRequest(r.Method, route, status, time.Since(start))
	})
}

// ObservePage increments the page counter for one processed URL.
func ObservePage(outcome string) {
	Init()
	crawlerPagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCrawl increments the crawl counter for a final status.
func ObserveCrawl(status string) {
	Init()
	crawlerCrawlsTotal.WithLabelValues(status).Inc()
}

// ObserveRender records the latency of one render call.
func ObserveRender(duration time.Duration, ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "error"
	}
	crawlerRenderDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveOptimizerTokens adds the token usage of one optimizer call.
func ObserveOptimizerTokens(tokens int) {
	Init()
	if tokens > 0 {
		crawlerOptimizerTokensTotal.Add(float64(tokens))
	}
}

// ObserveRobotsFallback increments the robots.txt fallback counter.
func ObserveRobotsFallback() {
	Init()
	crawlerRobotsFallbackTotal.Inc()
}

// IncActiveCrawls increments the active crawls gauge.
func IncActiveCrawls() {
	Init()
	crawlerActiveCrawls.Inc()
}

// DecActiveCrawls decrements the active crawls gauge.
func DecActiveCrawls() {
	Init()
	crawlerActiveCrawls.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelays.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}
