package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/metrics"
)

// Defaults applied when the request or config leaves a knob unset.
const (
	DefaultMaxPages        = 10
	DefaultSiteID          = "default-site"
	DefaultUserID          = "default-user"
	DefaultRenderTimeout   = 30 * time.Second
	DefaultOptimizeTimeout = 60 * time.Second

	bookkeepingTimeout = 10 * time.Second
	contentTypeHTML    = "text/html; charset=utf-8"
)

// Config controls Orchestrator behavior.
type Config struct {
	DefaultMaxPages int
	RenderTimeout   time.Duration
	OptimizeTimeout time.Duration
	BlobPrefix      string
	Topic           string
}

// Orchestrator drives a breadth-first, single-threaded crawl of one origin.
// It holds no per-crawl state; every Crawl call owns its frontier and visited set,
// so one Orchestrator can serve concurrent crawls for different sites.
type Orchestrator struct {
	launcher  RendererLauncher
	optimizer Optimizer
	sessions  SessionStore
	pages     PageStore
	blobs     BlobStore
	publisher Publisher
	hasher    Hasher
	clock     Clock
	cfg       Config
	logger    *zap.Logger
}

// NewOrchestrator constructs an Orchestrator. blobs, publisher and optimizer may be nil.
func NewOrchestrator(
	launcher RendererLauncher,
	optimizer Optimizer,
	sessions SessionStore,
	pages PageStore,
	blobs BlobStore,
	publisher Publisher,
	hasher Hasher,
	clock Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = DefaultMaxPages
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = DefaultRenderTimeout
	}
	if cfg.OptimizeTimeout <= 0 {
		cfg.OptimizeTimeout = DefaultOptimizeTimeout
	}
	return &Orchestrator{
		launcher:  launcher,
		optimizer: optimizer,
		sessions:  sessions,
		pages:     pages,
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// crawlRun is the explicit state of one Crawl invocation.
type crawlRun struct {
	sessionID string
	siteID    string
	userID    string
	base      *url.URL
	origin    string
	maxPages  int
	frontier  *frontier
	attempted int
	failed    []string
	failedSet map[string]struct{}
	pageIDs   []string
	pageIDSet map[string]struct{}
	pages     []CrawledPage
}

// pageOutcome is the tagged result of processing one URL. failure is empty on success.
type pageOutcome struct {
	url       string
	clean     string
	pageID    string
	title     string
	optimized bool
	links     []Link
	failure   FailureKind
	reason    string
}

func (p pageOutcome) ok() bool {
	return p.failure == ""
}

// Crawl validates req, crawls the origin of req.StartURL breadth-first and returns a summary.
// Per-page failures are recorded on the session and never returned; only invalid input,
// renderer start-up and session store failures are.
//
// The crawl runs to completion once started: cancellation of ctx is ignored,
// its values (request id, trace context) are kept. Each render and optimize
// call still has its own deadline.
func (o *Orchestrator) Crawl(ctx context.Context, req CrawlRequest) (CrawlSummary, error) {
	ctx = context.WithoutCancel(ctx)
	seed, err := ParseStartURL(req.StartURL)
	if err != nil {
		return CrawlSummary{}, err
	}
	req = o.applyDefaults(req)

	renderer, err := o.launcher.Launch(ctx)
	if err != nil {
		metrics.ObserveCrawl(metrics.CrawlAborted)
		return CrawlSummary{}, fmt.Errorf("%w: %w", ErrResourceAcquisition, err)
	}
	defer func() {
		if cerr := renderer.Close(); cerr != nil {
			o.logger.Warn("renderer close failed", zap.Error(cerr))
		}
	}()

	now := o.now()
	sessionID, err := o.sessions.Create(ctx, Session{
		SiteID:         req.SiteID,
		UserID:         req.UserID,
		StartURL:       req.StartURL,
		Status:         SessionInProgress,
		VisitedURLs:    []string{},
		FailedURLs:     []string{},
		ScrapedPageIDs: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		metrics.ObserveCrawl(metrics.CrawlAborted)
		return CrawlSummary{}, fmt.Errorf("%w: %w", ErrSessionCreate, err)
	}

	metrics.IncActiveCrawls()
	defer metrics.DecActiveCrawls()

	run := &crawlRun{
		sessionID: sessionID,
		siteID:    req.SiteID,
		userID:    req.UserID,
		base:      seed,
		origin:    Origin(seed),
		maxPages:  req.MaxPages,
		frontier:  newFrontier(req.StartURL),
		failedSet: make(map[string]struct{}),
		pageIDSet: make(map[string]struct{}),
	}
	logger := o.logger.With(zap.String("session_id", sessionID), zap.String("origin", run.origin))
	logger.Info("crawl started", zap.String("start_url", req.StartURL), zap.Int("max_pages", run.maxPages))

	if err := o.traverse(ctx, run, renderer, logger); err != nil {
		o.fail(ctx, run, err, logger)
		return CrawlSummary{}, fmt.Errorf("%w: %w", ErrSessionStore, err)
	}
	if err := o.complete(ctx, run); err != nil {
		o.fail(ctx, run, err, logger)
		return CrawlSummary{}, fmt.Errorf("%w: finalize: %w", ErrSessionStore, err)
	}

	metrics.ObserveCrawl(string(SessionCompleted))
	logger.Info("crawl completed",
		zap.Int("attempted", run.attempted),
		zap.Int("scraped", len(run.pageIDs)),
		zap.Int("failed", len(run.failed)),
	)
	o.publish(ctx, map[string]any{
		"event":              "crawl.completed",
		"session_id":         sessionID,
		"site_id":            run.siteID,
		"total_urls_scraped": len(run.pageIDs),
		"timestamp":          o.now().Format(time.RFC3339),
	}, logger)
	return run.summary(), nil
}

func (o *Orchestrator) applyDefaults(req CrawlRequest) CrawlRequest {
	req.StartURL = strings.TrimSpace(req.StartURL)
	if req.MaxPages <= 0 {
		req.MaxPages = o.cfg.DefaultMaxPages
	}
	if req.SiteID == "" {
		req.SiteID = DefaultSiteID
	}
	if req.UserID == "" {
		req.UserID = DefaultUserID
	}
	return req
}

// traverse runs the BFS loop. Any returned error is fatal to the crawl.
func (o *Orchestrator) traverse(ctx context.Context, run *crawlRun, renderer Renderer, logger *zap.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("crawl aborted: %v", rec)
		}
	}()

	for run.frontier.len() > 0 && run.attempted < run.maxPages {
		raw, clean := run.frontier.pop()
		if !run.frontier.visit(clean) {
			continue
		}
		run.attempted++

		if err := o.sessions.Update(ctx, run.sessionID, SessionDelta{AppendVisited: []string{clean}}); err != nil {
			return fmt.Errorf("record visited %s: %w", clean, err)
		}

		outcome := o.processPage(ctx, run, renderer, raw, clean, logger)
		if err := o.record(ctx, run, outcome, logger); err != nil {
			return err
		}
		o.enqueueLinks(run, outcome.links)
	}
	return nil
}

// processPage renders, optimizes and persists one URL. It never returns an error;
// failures are carried in the outcome.
func (o *Orchestrator) processPage(
	ctx context.Context,
	run *crawlRun,
	renderer Renderer,
	raw string,
	clean string,
	logger *zap.Logger,
) pageOutcome {
	outcome := pageOutcome{url: raw, clean: clean}
	logger = logger.With(zap.String("url", raw))

	result, err := o.render(ctx, renderer, raw)
	if err != nil {
		logger.Warn("render failed", zap.Error(err))
		outcome.failure, outcome.reason = FailureRender, err.Error()
		return outcome
	}
	if strings.TrimSpace(result.Content.RawMarkup) == "" {
		logger.Warn("render returned no markup")
		outcome.failure, outcome.reason = FailureEmpty, "renderer returned no raw markup"
		return outcome
	}
	outcome.links = result.Content.Links
	outcome.title = result.Content.Title

	optimized, ok := o.optimize(ctx, result.Content.RawMarkup, logger)
	outcome.optimized = ok

	record, err := o.assemble(run, clean, result, optimized, ok)
	if err != nil {
		logger.Warn("assemble page record failed", zap.Error(err))
		outcome.failure, outcome.reason = FailurePersist, err.Error()
		return outcome
	}
	o.archive(ctx, run, &record, logger)

	pageID, err := o.pages.Upsert(ctx, record.Key(), record)
	if err != nil {
		logger.Warn("page upsert failed", zap.Error(fmt.Errorf("%w: %w", ErrPersist, err)))
		outcome.failure, outcome.reason = FailurePersist, err.Error()
		return outcome
	}
	outcome.pageID = pageID
	logger.Debug("page saved", zap.String("page_id", pageID))
	return outcome
}

func (o *Orchestrator) render(ctx context.Context, renderer Renderer, raw string) (RenderResult, error) {
	renderCtx, cancel := context.WithTimeout(ctx, o.cfg.RenderTimeout)
	defer cancel()

	start := time.Now()
	result, err := renderer.Render(renderCtx, raw)
	metrics.ObserveRender(time.Since(start), err == nil)
	if err != nil {
		var renderErr *RenderError
		if errors.As(err, &renderErr) {
			return RenderResult{}, err
		}
		return RenderResult{}, NewRenderError(raw, "render", err)
	}
	return result, nil
}

// optimize returns the optimized markup, or rawMarkup and false when optimization fails.
func (o *Orchestrator) optimize(ctx context.Context, rawMarkup string, logger *zap.Logger) (string, bool) {
	if o.optimizer == nil {
		return rawMarkup, false
	}
	optCtx, cancel := context.WithTimeout(ctx, o.cfg.OptimizeTimeout)
	defer cancel()

	out, err := o.optimizer.Optimize(optCtx, rawMarkup)
	if err == nil && strings.TrimSpace(out) == "" {
		err = fmt.Errorf("%w: empty output", ErrOptimize)
	}
	if err != nil {
		metrics.ObservePage(metrics.OutcomeOptimizeFallback)
		logger.Warn("optimization failed; keeping raw markup", zap.Error(err))
		return rawMarkup, false
	}
	return out, true
}

func (o *Orchestrator) assemble(
	run *crawlRun,
	clean string,
	result RenderResult,
	optimized string,
	optimizedOK bool,
) (PageRecord, error) {
	identifier, err := PageIdentifier(o.hasher, clean)
	if err != nil {
		return PageRecord{}, fmt.Errorf("page identifier: %w", err)
	}
	content := result.Content
	content.Normalize()

	now := o.now()
	record := PageRecord{
		PageIdentifier:  identifier,
		SessionID:       run.sessionID,
		SiteID:          run.siteID,
		UserID:          run.userID,
		URL:             clean,
		FileName:        FileName(clean, identifier),
		OptimizedMarkup: optimized,
		Optimized:       optimizedOK,
		ScrapingMethod:  ScrapingMethodEnhanced,
		Metadata: PageMetadata{
			FileSize: len(content.RawMarkup),
			Version:  PageRecordVersion,
		},
		ScrapedAt: now,
		SavedAt:   now,
		Content:   content,
	}
	if !optimizedOK {
		record.Metadata.Note = "optimization unavailable; raw markup kept"
	}
	return record, nil
}

// archive copies the raw markup to the blob store when one is configured.
func (o *Orchestrator) archive(ctx context.Context, run *crawlRun, record *PageRecord, logger *zap.Logger) {
	if o.blobs == nil {
		return
	}
	target := blobPath(o.cfg.BlobPrefix, run.sessionID, record.FileName)
	uri, err := o.blobs.PutObject(ctx, target, contentTypeHTML, []byte(record.RawMarkup))
	if err != nil {
		logger.Warn("raw markup archive failed", zap.String("path", target), zap.Error(err))
		record.Metadata.Error = true
		return
	}
	record.FilePath = uri
}

// record applies the outcome to the run and to the session store.
func (o *Orchestrator) record(ctx context.Context, run *crawlRun, outcome pageOutcome, logger *zap.Logger) error {
	if !outcome.ok() {
		metrics.ObservePage(string(outcome.failure))
		if _, dup := run.failedSet[outcome.clean]; dup {
			return nil
		}
		run.failedSet[outcome.clean] = struct{}{}
		run.failed = append(run.failed, outcome.clean)
		if err := o.sessions.Update(ctx, run.sessionID, SessionDelta{AppendFailed: []string{outcome.clean}}); err != nil {
			return fmt.Errorf("record failed url %s: %w", outcome.clean, err)
		}
		return nil
	}

	metrics.ObservePage(metrics.OutcomeScraped)
	if _, dup := run.pageIDSet[outcome.pageID]; dup {
		logger.Debug("page id already recorded", zap.String("page_id", outcome.pageID))
		return nil
	}
	run.pageIDSet[outcome.pageID] = struct{}{}
	run.pageIDs = append(run.pageIDs, outcome.pageID)
	run.pages = append(run.pages, CrawledPage{
		PageID:    outcome.pageID,
		URL:       outcome.clean,
		Title:     outcome.title,
		Optimized: outcome.optimized,
	})
	delta := SessionDelta{AppendPageIDs: []string{outcome.pageID}, ScrapedIncrement: 1}
	if err := o.sessions.Update(ctx, run.sessionID, delta); err != nil {
		return fmt.Errorf("record scraped page %s: %w", outcome.pageID, err)
	}
	o.publish(ctx, map[string]any{
		"event":      "page.scraped",
		"session_id": run.sessionID,
		"page_id":    outcome.pageID,
		"url":        outcome.clean,
		"optimized":  outcome.optimized,
		"timestamp":  o.now().Format(time.RFC3339),
	}, logger)
	return nil
}

// enqueueLinks pushes in-scope, unseen links in discovery order.
func (o *Orchestrator) enqueueLinks(run *crawlRun, links []Link) {
	for _, link := range links {
		abs, err := ResolveLink(run.base, link.URL)
		if err != nil {
			continue
		}
		if !InScope(abs, run.origin) {
			continue
		}
		run.frontier.push(abs)
	}
}

func (o *Orchestrator) complete(ctx context.Context, run *crawlRun) error {
	final := SessionFinal{
		Status:           SessionCompleted,
		CompletedAt:      o.now(),
		TotalURLsScraped: len(run.pageIDs),
		VisitedURLs:      run.frontier.visitedURLs(),
		FailedURLs:       cloneStrings(run.failed),
		ScrapedPageIDs:   cloneStrings(run.pageIDs),
	}
	if err := o.sessions.Finalize(ctx, run.sessionID, final); err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	return nil
}

// fail marks the session failed. It runs detached from ctx cancellation so a
// canceled caller still leaves a terminal session behind.
func (o *Orchestrator) fail(ctx context.Context, run *crawlRun, cause error, logger *zap.Logger) {
	metrics.ObserveCrawl(string(SessionFailed))
	logger.Error("crawl failed", zap.Error(cause))

	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	final := SessionFinal{
		Status:           SessionFailed,
		CompletedAt:      o.now(),
		ErrorMessage:     cause.Error(),
		TotalURLsScraped: len(run.pageIDs),
		VisitedURLs:      run.frontier.visitedURLs(),
		FailedURLs:       cloneStrings(run.failed),
		ScrapedPageIDs:   cloneStrings(run.pageIDs),
	}
	if err := o.sessions.Finalize(failCtx, run.sessionID, final); err != nil {
		logger.Error("mark session failed", zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, payload map[string]any, logger *zap.Logger) {
	if o.publisher == nil || o.cfg.Topic == "" {
		return
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.Topic, payload); err != nil {
		logger.Warn("publish notification failed", zap.Any("event", payload["event"]), zap.Error(err))
	}
}

func (o *Orchestrator) now() time.Time {
	if o.clock == nil {
		return time.Now().UTC()
	}
	return o.clock.Now()
}

func (r *crawlRun) summary() CrawlSummary {
	visited := r.frontier.visitedURLs()
	pages := make([]CrawledPage, len(r.pages))
	copy(pages, r.pages)
	return CrawlSummary{
		SessionID:          r.sessionID,
		Status:             SessionCompleted,
		TotalURLsAttempted: r.attempted,
		TotalURLsScraped:   len(r.pageIDs),
		TotalVisited:       len(visited),
		VisitedURLs:        visited,
		FailedURLs:         cloneStrings(r.failed),
		CrawledPages:       pages,
	}
}

func cloneStrings(src []string) []string {
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
