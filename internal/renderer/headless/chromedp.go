// Package headless renders pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/extract"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultIdleWait          = 5 * time.Second
)

// Config controls the behavior of the headless renderer.
type Config struct {
	ExecPath          string
	UserAgent         string
	NoSandbox         bool
	NavigationTimeout time.Duration
	// IdleWait caps how long to wait for the network to go quiet after load.
	IdleWait        time.Duration
	FailOnHTTPError bool
}

// Waiter throttles renders; *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Launcher starts one headless browser per crawl.
type Launcher struct {
	cfg     Config
	limiter Waiter
}

// NewLauncher builds a Launcher. limiter may be nil.
func NewLauncher(cfg Config, limiter Waiter) *Launcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.IdleWait < 0 {
		cfg.IdleWait = 0
	} else if cfg.IdleWait == 0 {
		cfg.IdleWait = defaultIdleWait
	}
	return &Launcher{cfg: cfg, limiter: limiter}
}

// Launch starts Chrome and returns a Renderer bound to it. The browser is started
// eagerly so a missing or broken Chrome is reported here rather than on first render.
func (l *Launcher) Launch(ctx context.Context) (crawler.Renderer, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &Renderer{
		cfg:           l.cfg,
		limiter:       l.limiter,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

// Renderer drives one browser; each Render opens and closes its own tab.
type Renderer struct {
	cfg           Config
	limiter       Waiter
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	closeOnce     sync.Once
}

// Render navigates to rawURL, waits for the network to settle and extracts the DOM.
func (r *Renderer) Render(ctx context.Context, rawURL string) (crawler.RenderResult, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, rawURL); err != nil {
			return crawler.RenderResult{}, crawler.NewRenderError(rawURL, "rate limit", err)
		}
	}

	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, r.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	idle := newIdleSignal()
	chromedp.ListenTarget(tabCtx, func(ev any) {
		meta.captureEvent(ev)
		idle.captureEvent(ev)
	})

	var html, location string
	err := chromedp.Run(tabCtx,
		network.Enable(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(idle.arm),
		chromedp.Navigate(rawURL),
		idle.wait(r.cfg.IdleWait),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return crawler.RenderResult{}, crawler.NewRenderError(rawURL, "navigation", err)
	}

	status, finalURL := meta.snapshotWithFallbacks(rawURL, location)
	if r.cfg.FailOnHTTPError && status >= http.StatusBadRequest {
		return crawler.RenderResult{}, crawler.NewRenderError(rawURL, fmt.Sprintf("http status %d", status), nil)
	}
	content, err := extract.FromHTML(html, finalURL)
	if err != nil {
		return crawler.RenderResult{}, crawler.NewRenderError(rawURL, "extract", err)
	}
	return crawler.RenderResult{
		URL:        rawURL,
		FinalURL:   finalURL,
		StatusCode: status,
		Content:    content,
	}, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (r *Renderer) Close() error {
	r.closeOnce.Do(func() {
		r.browserCancel()
		r.allocCancel()
	})
	return nil
}

// responseMeta records the main document response of a tab.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, location string) (int, string) {
	m.mu.RLock()
	status, docURL := m.status, m.url
	m.mu.RUnlock()

	switch {
	case location != "" && location != "about:blank":
		docURL = location
	case docURL != "":
	default:
		docURL = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, docURL
}

// idleSignal fires once the navigated document reports networkAlmostIdle
// (at most two requests in flight). Events before arm belong to about:blank.
type idleSignal struct {
	armed atomic.Bool
	once  sync.Once
	ch    chan struct{}
}

func newIdleSignal() *idleSignal {
	return &idleSignal{ch: make(chan struct{})}
}

func (s *idleSignal) arm(context.Context) error {
	s.armed.Store(true)
	return nil
}

func (s *idleSignal) captureEvent(ev any) {
	e, ok := ev.(*page.EventLifecycleEvent)
	if !ok || !s.armed.Load() {
		return
	}
	if e.Name == "networkAlmostIdle" || e.Name == "networkIdle" {
		s.once.Do(func() { close(s.ch) })
	}
}

func (s *idleSignal) wait(maxWait time.Duration) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if maxWait <= 0 {
			return nil
		}
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		select {
		case <-s.ch:
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("wait for network idle: %w", ctx.Err())
		}
		return nil
	}
}
