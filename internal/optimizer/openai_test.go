package optimizer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

func chatServer(t *testing.T, status int, answer string, inspect func(*http.Request, chatRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		var req chatRequest
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &req))
		if inspect != nil {
			inspect(r, req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(answer))
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": answer}}},
			"usage":   map[string]int{"total_tokens": 42},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOptimizeReturnsCompletedSuggestions(t *testing.T) {
	t.Parallel()

	answer := `{"title":[{"original":"Home","optimized":"Acme Widgets | Home"}],"p":[]}`
	srv := chatServer(t, http.StatusOK, answer, func(r *http.Request, req chatRequest) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "https://acme.test", r.Header.Get("HTTP-Referer"))
		require.Equal(t, DefaultModel, req.Model)
		require.Len(t, req.Messages, 1)
		require.Contains(t, req.Messages[0].Content, "<title>Home</title>")
		require.Equal(t, "json_object", req.ResponseFormat.Type)
	})

	c := NewClient(Config{APIKey: "secret", BaseURL: srv.URL + "/", Referer: "https://acme.test"}, srv.Client())
	out, err := c.Optimize(context.Background(), "<html><title>Home</title></html>")
	require.NoError(t, err)

	var got map[string][]Suggestion
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, len(SuggestionKeys))
	require.Equal(t, []Suggestion{{Original: "Home", Optimized: "Acme Widgets | Home"}}, got["title"])
	require.Empty(t, got["h1"])
	require.NotNil(t, got["a_anchor_text"])
}

func TestOptimizeTruncatesInput(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, http.StatusOK, `{}`, func(_ *http.Request, req chatRequest) {
		require.True(t, strings.HasSuffix(req.Messages[0].Content, "\n<html>"))
	})
	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, MaxInputBytes: 6}, srv.Client())
	_, err := c.Optimize(context.Background(), "<html><body>long</body></html>")
	require.NoError(t, err)
}

func TestOptimizeTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, http.StatusOK, `{}`, func(_ *http.Request, req chatRequest) {
		require.True(t, strings.HasSuffix(req.Messages[0].Content, "\n<p>h"), req.Messages[0].Content)
		require.NotContains(t, req.Messages[0].Content, "\uFFFD")
	})
	// The limit lands inside the two-byte é.
	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, MaxInputBytes: 5}, srv.Client())
	_, err := c.Optimize(context.Background(), "<p>héllo</p>")
	require.NoError(t, err)
}

func TestTruncateUTF8(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		in    string
		limit int
		want  string
	}{
		"no limit":          {in: "héllo", limit: 0, want: "héllo"},
		"shorter than cap":  {in: "héllo", limit: 10, want: "héllo"},
		"ascii cut":         {in: "hello", limit: 3, want: "hel"},
		"inside two bytes":  {in: "héllo", limit: 2, want: "h"},
		"after two bytes":   {in: "héllo", limit: 3, want: "hé"},
		"inside four bytes": {in: "a😀b", limit: 3, want: "a"},
		"first rune split":  {in: "😀", limit: 2, want: ""},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got := truncateUTF8(tt.in, tt.limit)
			require.Equal(t, tt.want, got)
			require.True(t, utf8.ValidString(got))
		})
	}
}

func TestOptimizeErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		answer string
		check  func(*testing.T, error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			answer: `{"error":{"message":"bad key"}}`,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
				require.Equal(t, "bad key", apiErr.Message)
				require.False(t, apiErr.Retryable())
			},
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			answer: `not json`,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				require.True(t, apiErr.Retryable())
				require.Contains(t, err.Error(), "Too Many Requests")
			},
		},
		{
			name:   "invalid json answer",
			status: http.StatusOK,
			answer: "Sure! Here are some ideas.",
		},
		{
			name:   "wrong shape",
			status: http.StatusOK,
			answer: `{"title":"not a list"}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := chatServer(t, tc.status, tc.answer, nil)
			c := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, srv.Client())
			_, err := c.Optimize(context.Background(), "<html></html>")
			require.ErrorIs(t, err, crawler.ErrOptimize)
			if tc.check != nil {
				tc.check(t, err)
			}
		})
	}
}

func TestOptimizeHonorsContext(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, http.StatusOK, `{}`, nil)
	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Optimize(ctx, "<html></html>")
	require.ErrorIs(t, err, crawler.ErrOptimize)
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseSuggestionsStripsFences(t *testing.T) {
	t.Parallel()

	got, err := ParseSuggestions("```json\n{\"h1\":[{\"original\":\"a\",\"optimized\":\"b\"}]}\n```")
	require.NoError(t, err)
	require.Equal(t, []Suggestion{{Original: "a", Optimized: "b"}}, got["h1"])
	require.NotNil(t, got["title"])

	_, err = ParseSuggestions("null")
	require.ErrorIs(t, err, crawler.ErrOptimize)
	_, err = ParseSuggestions("   ")
	require.ErrorIs(t, err, crawler.ErrOptimize)
}

func TestNewWithoutKeyIsNoop(t *testing.T) {
	t.Parallel()

	opt := New(Config{}, nil)
	require.IsType(t, &Noop{}, opt)
	_, err := opt.Optimize(context.Background(), "<html></html>")
	require.ErrorIs(t, err, crawler.ErrOptimize)

	require.IsType(t, &Client{}, New(Config{APIKey: "k"}, nil))
}
