package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlerPagesTotal == nil || crawlerCrawlsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservePage(t *testing.T) {
	before := testutil.ToFloat64(crawlerPagesTotalFor("scraped"))
	ObservePage(OutcomeScraped)
	if got := testutil.ToFloat64(crawlerPagesTotalFor("scraped")); got != before+1 {
		t.Errorf("expected crawler_pages_total{outcome=scraped} to grow by 1, got %f -> %f", before, got)
	}
}

func TestObserveCrawlAndGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlerCrawlsTotal.WithLabelValues("completed"))
	ObserveCrawl("completed")
	if got := testutil.ToFloat64(crawlerCrawlsTotal.WithLabelValues("completed")); got != before+1 {
		t.Errorf("expected crawl counter to grow by 1, got %f -> %f", before, got)
	}

	IncActiveCrawls()
	active := testutil.ToFloat64(crawlerActiveCrawls)
	DecActiveCrawls()
	if got := testutil.ToFloat64(crawlerActiveCrawls); got != active-1 {
		t.Errorf("expected active crawls gauge to drop by 1, got %f -> %f", active, got)
	}
}

func TestObserveRender(t *testing.T) {
	ObserveRender(120*time.Millisecond, true)
	ObserveRender(2*time.Second, false)
	if n := testutil.CollectAndCount(crawlerRenderDuration); n < 2 {
		t.Errorf("expected both render results to be observed, got %d series", n)
	}
}

func crawlerPagesTotalFor(outcome string) prometheus.Counter {
	Init()
	return crawlerPagesTotal.WithLabelValues(outcome)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
