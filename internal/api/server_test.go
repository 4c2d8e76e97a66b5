package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/config"
	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/hash/sha256"
	"github.com/JakeFAU/site-crawler/internal/id/uuid"
	"github.com/JakeFAU/site-crawler/internal/storage/memory"
)

type mockCrawler struct {
	mock.Mock
}

func (m *mockCrawler) Crawl(ctx context.Context, req crawler.CrawlRequest) (crawler.CrawlSummary, error) {
	args := m.Called(ctx, req)
	summary, _ := args.Get(0).(crawler.CrawlSummary)
	return summary, args.Error(1)
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 30, MaxBodyBytes: 1 << 16},
	}
}

type harness struct {
	crawler  *mockCrawler
	sessions *memory.SessionStore
	pages    *memory.PageStore
	server   *Server
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	ids := uuid.New()
	h := &harness{
		crawler:  &mockCrawler{},
		sessions: memory.NewSessionStore(ids, nil),
		pages:    memory.NewPageStore(ids),
	}
	h.server = NewServer(h.crawler, h.sessions, h.pages, nil, cfg, zap.NewNop())
	return h
}

func do(t *testing.T, s *Server, method, path string, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var payload errorPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestCrawlReturnsSummary(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	want := crawler.CrawlRequest{StartURL: "https://example.com/", MaxPages: 3, SiteID: "site-1"}
	h.crawler.On("Crawl", mock.Anything, want).Return(crawler.CrawlSummary{
		SessionID:          "session-1",
		Status:             crawler.SessionCompleted,
		TotalURLsAttempted: 3,
		TotalURLsScraped:   2,
		VisitedURLs:        []string{"https://example.com/", "https://example.com/a", "https://example.com/b"},
		FailedURLs:         []string{"https://example.com/b"},
		CrawledPages:       []crawler.CrawledPage{{PageID: "p1", URL: "https://example.com/", Title: "Home"}},
	}, nil).Once()

	rec := do(t, h.server, http.MethodPost, "/api/crawl",
		`{"startUrl":"https://example.com/","maxPages":3,"siteId":"site-1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "session-1", got["sessionId"])
	require.EqualValues(t, 3, got["totalUrlsAttempted"])
	require.EqualValues(t, 2, got["totalUrlsScraped"])
	require.Len(t, got["visitedUrls"], 3)
	require.Len(t, got["crawledPages"], 1)
	h.crawler.AssertExpectations(t)
}

func TestCrawlRejectsBadBodies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())

	rec := do(t, h.server, http.MethodPost, "/api/crawl", "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid JSON", decodeError(t, rec).Error)

	rec = do(t, h.server, http.MethodPost, "/api/crawl", `{"maxPages":2}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "startUrl is required", decodeError(t, rec).Error)

	h.crawler.AssertNotCalled(t, "Crawl", mock.Anything, mock.Anything)
}

func TestCrawlMapsFatalErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"invalid input", fmt.Errorf("%w: relative url", crawler.ErrInvalidInput), http.StatusBadRequest, "invalid crawl request"},
		{"renderer", fmt.Errorf("%w: chrome missing", crawler.ErrResourceAcquisition), http.StatusServiceUnavailable, "renderer unavailable"},
		{"session create", fmt.Errorf("%w: db down", crawler.ErrSessionCreate), http.StatusInternalServerError, "failed to create crawl session"},
		{"session store", fmt.Errorf("%w: db down", crawler.ErrSessionStore), http.StatusInternalServerError, "crawl session store failure"},
		{"deadline", context.DeadlineExceeded, http.StatusRequestTimeout, "crawling failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, testConfig())
			h.crawler.On("Crawl", mock.Anything, mock.Anything).Return(crawler.CrawlSummary{}, tt.err)

			rec := do(t, h.server, http.MethodPost, "/api/crawl", `{"startUrl":"https://example.com/"}`)
			require.Equal(t, tt.status, rec.Code)
			payload := decodeError(t, rec)
			require.Equal(t, tt.message, payload.Error)
			require.Equal(t, tt.err.Error(), payload.Details)
		})
	}
}

func TestSessionRoutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	ctx := context.Background()
	_, err := h.sessions.Create(ctx, crawler.Session{ID: "s1", SiteID: "site", StartURL: "https://example.com/"})
	require.NoError(t, err)
	_, err = h.pages.Upsert(ctx, crawler.PageKey{PageIdentifier: "abc", SessionID: "s1"}, crawler.PageRecord{
		URL:     "https://example.com/",
		Content: crawler.Content{Title: "Home"},
	})
	require.NoError(t, err)

	rec := do(t, h.server, http.MethodGet, "/api/sessions/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var session crawler.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.Equal(t, crawler.SessionInProgress, session.Status)

	rec = do(t, h.server, http.MethodGet, "/api/sessions/s1/pages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"title":"Home"`)

	rec = do(t, h.server, http.MethodGet, "/api/sessions/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h.server, http.MethodGet, "/api/sessions/missing/pages", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyRequiredWhenEnabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	h := newHarness(t, cfg)
	h.crawler.On("Crawl", mock.Anything, mock.Anything).Return(crawler.CrawlSummary{SessionID: "s"}, nil)

	rec := do(t, h.server, http.MethodPost, "/api/crawl", `{"startUrl":"https://example.com/"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h.server, http.MethodPost, "/api/crawl", `{"startUrl":"https://example.com/"}`, "X-API-Key", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h.server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpointsAndMetrics(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	rec := do(t, h.server, http.MethodGet, "/readyz", "", "X-Request-ID", "req-42")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	notReady := NewServer(h.crawler, h.sessions, h.pages, func(context.Context) error {
		return errors.New("postgres unreachable")
	}, testConfig(), nil)
	rec = do(t, notReady, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "postgres unreachable", decodeError(t, rec).Details)

	rec = do(t, h.server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crawler_active_crawls")
}

type panicCrawler struct{}

func (panicCrawler) Crawl(context.Context, crawler.CrawlRequest) (crawler.CrawlSummary, error) {
	panic("boom")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	s := NewServer(panicCrawler{}, h.sessions, h.pages, nil, testConfig(), zap.NewNop())
	rec := do(t, s, http.MethodPost, "/api/crawl", `{"startUrl":"https://example.com/"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type stubLauncher struct{ pages map[string]crawler.RenderResult }

func (l stubLauncher) Launch(context.Context) (crawler.Renderer, error) { return stubRenderer(l), nil }

type stubRenderer struct{ pages map[string]crawler.RenderResult }

func (r stubRenderer) Render(_ context.Context, rawURL string) (crawler.RenderResult, error) {
	res, ok := r.pages[rawURL]
	if !ok {
		return crawler.RenderResult{}, crawler.NewRenderError(rawURL, "not found", nil)
	}
	return res, nil
}

func (stubRenderer) Close() error { return nil }

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

func TestCrawlEndToEndWithMemoryStores(t *testing.T) {
	t.Parallel()

	page := func(url, title string, links ...string) crawler.RenderResult {
		content := crawler.Content{Title: title, RawMarkup: "<html>" + title + "</html>"}
		for _, l := range links {
			content.Links = append(content.Links, crawler.Link{URL: l})
		}
		return crawler.RenderResult{URL: url, FinalURL: url, StatusCode: http.StatusOK, Content: content}
	}
	launcher := stubLauncher{pages: map[string]crawler.RenderResult{
		"https://example.com/":  page("https://example.com/", "Home", "https://example.com/a", "https://other.com/"),
		"https://example.com/a": page("https://example.com/a", "A"),
	}}
	ids := uuid.New()
	sessions := memory.NewSessionStore(ids, fixedClock{})
	pages := memory.NewPageStore(ids)
	orch := crawler.NewOrchestrator(launcher, nil, sessions, pages, nil, nil, sha256.New(), fixedClock{},
		crawler.Config{}, zap.NewNop())
	s := NewServer(orch, sessions, pages, nil, testConfig(), zap.NewNop())

	rec := do(t, s, http.MethodPost, "/api/crawl", `{"startUrl":"https://example.com/","maxPages":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary crawler.CrawlSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, 2, summary.TotalURLsScraped)
	require.Equal(t, []string{"https://example.com/", "https://example.com/a"}, summary.VisitedURLs)

	rec = do(t, s, http.MethodGet, "/api/sessions/"+summary.SessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = do(t, s, http.MethodGet, "/api/sessions/"+summary.SessionID+"/pages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Pages []crawler.PageRecord `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Pages, 2)
	require.False(t, body.Pages[0].Optimized)
	require.Equal(t, body.Pages[0].RawMarkup, body.Pages[0].OptimizedMarkup)
}
