// Package collyrenderer renders static pages with gocolly. It does not execute
// JavaScript; use it where pages are server-rendered or Chrome is unavailable.
package collyrenderer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/extract"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent       string
	RespectRobots   bool
	Timeout         time.Duration
	MaxBodySize     int
	FailOnHTTPError bool
}

// Waiter throttles renders; *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Launcher hands out collector-backed renderers that share one HTTP transport.
type Launcher struct {
	cfg       Config
	limiter   Waiter
	transport http.RoundTripper
}

// NewLauncher builds a Launcher. limiter may be nil.
func NewLauncher(cfg Config, limiter Waiter) *Launcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Launcher{
		cfg:       cfg,
		limiter:   limiter,
		transport: newRobotsTransport(newHTTPTransport()),
	}
}

// Launch returns a Renderer with its own collector, so robots.txt caching and
// cookies stay scoped to one crawl.
func (l *Launcher) Launch(context.Context) (crawler.Renderer, error) {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(l.transport)
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !l.cfg.RespectRobots
	c.ParseHTTPErrorResponse = !l.cfg.FailOnHTTPError
	c.SetRequestTimeout(l.cfg.Timeout)
	if l.cfg.UserAgent != "" {
		c.UserAgent = l.cfg.UserAgent
	}
	if l.cfg.MaxBodySize > 0 {
		c.MaxBodySize = l.cfg.MaxBodySize
	}
	return &Renderer{cfg: l.cfg, limiter: l.limiter, base: c}, nil
}

// Renderer fetches one URL per Render call.
type Renderer struct {
	cfg     Config
	limiter Waiter
	base    *colly.Collector
}

type fetchResult struct {
	status      int
	finalURL    string
	contentType string
	body        []byte
}

// Render fetches rawURL and extracts its content.
func (r *Renderer) Render(ctx context.Context, rawURL string) (crawler.RenderResult, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, rawURL); err != nil {
			return crawler.RenderResult{}, crawler.NewRenderError(rawURL, "rate limit", err)
		}
	}

	var (
		result   fetchResult
		fetchErr error
	)
	collector := r.base.Clone()
	configureCollectorHooks(collector, &result, &fetchErr)

	if err := runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return crawler.RenderResult{}, crawler.NewRenderError(rawURL, "fetch", err)
	}
	if !isHTML(result.contentType) {
		return crawler.RenderResult{}, crawler.NewRenderError(rawURL,
			fmt.Sprintf("unsupported content type %q", result.contentType), nil)
	}

	content, err := extract.FromHTML(string(result.body), result.finalURL)
	if err != nil {
		return crawler.RenderResult{}, crawler.NewRenderError(rawURL, "extract", err)
	}
	return crawler.RenderResult{
		URL:        rawURL,
		FinalURL:   result.finalURL,
		StatusCode: result.status,
		Content:    content,
	}, nil
}

// Close is a no-op; the collector holds no external process.
func (r *Renderer) Close() error {
	return nil
}

func configureCollectorHooks(hooks collectorHooks, result *fetchResult, fetchErr *error) {
	hooks.OnResponse(func(resp *colly.Response) {
		*result = fetchResult{
			status:   resp.StatusCode,
			finalURL: resp.Request.URL.String(),
			body:     append([]byte(nil), resp.Body...),
		}
		if resp.Headers != nil {
			result.contentType = resp.Headers.Get("Content-Type")
		}
	})

	hooks.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			err = fmt.Errorf("http status %d: %w", resp.StatusCode, err)
		}
		*fetchErr = err
	})
}

// runCollector runs Visit in a goroutine so ctx cancellation is honored even
// though colly's synchronous Visit does not take a context.
func runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			if errors.Is(err, colly.ErrRobotsTxtBlocked) {
				return fmt.Errorf("blocked by robots.txt: %w", err)
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// isHTML accepts an empty content type; servers often omit it for HTML.
func isHTML(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return media == "text/html" || media == "application/xhtml+xml"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
