package collyrenderer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedResult struct {
	status int
	err    error
}

// scriptedTransport replays results in order and repeats the last one.
type scriptedTransport struct {
	results []scriptedResult
	calls   int
	closed  int
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res := s.results[min(s.calls, len(s.results)-1)]
	s.calls++
	if res.err != nil {
		return nil, res.err
	}
	return &http.Response{
		StatusCode: res.status,
		Body:       &countingBody{Reader: strings.NewReader("body"), closed: &s.closed},
		Request:    req,
	}, nil
}

type countingBody struct {
	io.Reader
	closed *int
}

func (b *countingBody) Close() error {
	*b.closed++
	return nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "net/http: TLS handshake timeout" }
func (timeoutErr) Timeout() bool { return true }
func (timeoutErr) Temporary() bool { return true }

func newTestRobotsTransport(base http.RoundTripper) (*robotsTransport, *[]time.Duration) {
	var waits []time.Duration
	t := newRobotsTransport(base)
	t.wait = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return t, &waits
}

func TestRobotsTransport(t *testing.T) {
	t.Parallel()

	timeout := scriptedResult{err: timeoutErr{}}
	tests := map[string]struct {
		results    []scriptedResult
		wantStatus int
		wantBody   string
		wantErr    bool
		wantCalls  int
	}{
		"timeouts fall back to allow all": {
			results:    []scriptedResult{timeout},
			wantStatus: http.StatusOK,
			wantBody:   allowAllRobots,
			wantCalls:  4,
		},
		"deadline then success": {
			results:    []scriptedResult{{err: context.DeadlineExceeded}, {status: http.StatusOK}},
			wantStatus: http.StatusOK,
			wantBody:   "body",
			wantCalls:  2,
		},
		"server error then success": {
			results:    []scriptedResult{{status: http.StatusServiceUnavailable}, {status: http.StatusOK}},
			wantStatus: http.StatusOK,
			wantBody:   "body",
			wantCalls:  2,
		},
		"persistent server error is returned": {
			results:    []scriptedResult{{status: http.StatusBadGateway}},
			wantStatus: http.StatusBadGateway,
			wantBody:   "body",
			wantCalls:  4,
		},
		"missing robots is not retried": {
			results:    []scriptedResult{{status: http.StatusNotFound}},
			wantStatus: http.StatusNotFound,
			wantBody:   "body",
			wantCalls:  1,
		},
		"refused connection fails fast": {
			results:   []scriptedResult{{err: errors.New("connect: connection refused")}},
			wantErr:   true,
			wantCalls: 1,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			base := &scriptedTransport{results: tt.results}
			transport, _ := newTestRobotsTransport(base)

			resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
			require.Equal(t, tt.wantCalls, base.calls)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, tt.wantBody, string(body))
		})
	}
}

func TestRobotsTransportBacksOffAndClosesRetriedBodies(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{results: []scriptedResult{{status: http.StatusServiceUnavailable}}}
	transport, waits := newTestRobotsTransport(base)

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.NoError(t, err)
	require.Equal(t, defaultRobotsBackoff, *waits)
	require.Equal(t, 3, base.closed, "every discarded attempt must be closed")
	require.NoError(t, resp.Body.Close())
}

func TestRobotsTransportStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{results: []scriptedResult{{err: timeoutErr{}}}}
	transport := newRobotsTransport(base)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil).WithContext(ctx)
	_, err := transport.RoundTrip(req)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, base.calls)
}

func TestRobotsTransportPassesOtherRequestsThrough(t *testing.T) {
	t.Parallel()

	base := &scriptedTransport{results: []scriptedResult{{err: context.DeadlineExceeded}}}
	transport, waits := newTestRobotsTransport(base)

	_, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt.bak", nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, base.calls)
	require.Empty(t, *waits)
}
