// Package server assembles the crawler's dependencies and owns their lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/api"
	"github.com/JakeFAU/site-crawler/internal/clock/system"
	"github.com/JakeFAU/site-crawler/internal/config"
	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/hash/sha256"
	"github.com/JakeFAU/site-crawler/internal/id/uuid"
	"github.com/JakeFAU/site-crawler/internal/metrics"
	"github.com/JakeFAU/site-crawler/internal/optimizer"
	"github.com/JakeFAU/site-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/site-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/site-crawler/internal/publisher/pubsub"
	collyrenderer "github.com/JakeFAU/site-crawler/internal/renderer/colly"
	"github.com/JakeFAU/site-crawler/internal/renderer/headless"
	gcsstore "github.com/JakeFAU/site-crawler/internal/storage/gcs"
	localstore "github.com/JakeFAU/site-crawler/internal/storage/local"
	memorystore "github.com/JakeFAU/site-crawler/internal/storage/memory"
	"github.com/JakeFAU/site-crawler/internal/storage/postgres"
	"github.com/JakeFAU/site-crawler/internal/telemetry"
)

// App holds the assembled service. Build it once, then Run or Crawl.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	orchestrator *crawler.Orchestrator
	sessions     crawler.SessionStore
	pages        crawler.PageStore
	publisher    crawler.Publisher
	apiServer    *api.Server

	pool          *pgxpool.Pool
	pubsubClient  *pubsub.Client
	pubsubPub     *pubsubpublisher.Publisher
	storageClient *storage.Client
}

// components is the intermediate result of Build before the App is sealed.
type components struct {
	blobs     crawler.BlobStore
	sessions  crawler.SessionStore
	pages     crawler.PageStore
	publisher crawler.Publisher
	launcher  crawler.RendererLauncher
	optimizer crawler.Optimizer
	ready     api.ReadinessCheck
}

// Build wires every dependency selected by cfg. On error, anything already
// opened is closed before returning.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	telemetry.InitPropagation()

	app := &App{cfg: cfg, logger: logger}
	var c components
	var err error

	if c.blobs, err = app.setupStorage(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if err = app.setupDatabase(ctx, &c); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if c.publisher, err = app.setupPublisher(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	c.launcher = app.setupRenderer()
	c.optimizer = optimizer.New(optimizer.Config{
		APIKey:        cfg.Optimizer.APIKey,
		Model:         cfg.Optimizer.Model,
		BaseURL:       cfg.Optimizer.BaseURL,
		MaxInputBytes: cfg.Optimizer.MaxInputBytes,
		Referer:       cfg.Optimizer.Referer,
		Title:         cfg.Optimizer.Title,
	}, &http.Client{Timeout: cfg.OptimizerHTTPTimeout()})

	app.sessions = c.sessions
	app.pages = c.pages
	app.publisher = c.publisher
	app.orchestrator = crawler.NewOrchestrator(
		c.launcher,
		c.optimizer,
		c.sessions,
		c.pages,
		c.blobs,
		c.publisher,
		sha256.New(),
		system.New(),
		crawler.Config{
			DefaultMaxPages: cfg.Crawler.MaxPagesDefault,
			RenderTimeout:   cfg.RenderTimeout(),
			OptimizeTimeout: cfg.OptimizeTimeout(),
			BlobPrefix:      cfg.Storage.Prefix,
			Topic:           cfg.PubSub.TopicName,
		},
		logger.Named("crawler"),
	)
	app.apiServer = api.NewServer(app.orchestrator, c.sessions, c.pages, c.ready, cfg, logger.Named("api"))
	return app, nil
}

// Handler exposes the HTTP router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Orchestrator exposes the crawl engine for one-shot CLI runs.
func (a *App) Orchestrator() *crawler.Orchestrator {
	return a.orchestrator
}

// Crawl runs one crawl to completion.
func (a *App) Crawl(ctx context.Context, req crawler.CrawlRequest) (crawler.CrawlSummary, error) {
	return a.orchestrator.Crawl(ctx, req)
}

// Sessions exposes the session store.
func (a *App) Sessions() crawler.SessionStore {
	return a.sessions
}

// Pages exposes the page store.
func (a *App) Pages() crawler.PageStore {
	return a.pages
}

// Publisher exposes the notification sink. Without a Pub/Sub project it is
// a *memory.Publisher.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// Run serves HTTP until ctx is cancelled or SIGINT/SIGTERM arrives, then
// shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases external clients. It is safe to call more than once.
func (a *App) Close() {
	a.closeInfrastructure()
}

func (a *App) closeInfrastructure() {
	if a.pubsubPub != nil {
		a.pubsubPub.Stop()
		a.pubsubPub = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("storage client close failed", zap.Error(err))
		}
		a.storageClient = nil
	}
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Blob {
	case config.BlobMemory:
		return memorystore.NewBlobStore(), nil
	case config.BlobLocal:
		store, err := localstore.New(localstore.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		return store, nil
	case config.BlobGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.storageClient = client
		store, err := gcsstore.New(client, gcsstore.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		return store, nil
	default:
		// A nil BlobStore disables raw-markup archiving.
		return nil, nil
	}
}

func (a *App) setupDatabase(ctx context.Context, c *components) error {
	ids := uuid.New()
	clock := system.New()
	if a.cfg.Storage.Backend != config.BackendPostgres {
		c.sessions = memorystore.NewSessionStore(ids, clock)
		c.pages = memorystore.NewPageStore(ids)
		return nil
	}

	pool, err := postgres.Open(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.MaxConnLifetime(),
	})
	if err != nil {
		return err
	}
	a.pool = pool

	if a.cfg.DB.Migrate {
		if err := postgres.EnsureSchema(ctx, pool, a.cfg.DB.SessionsTable, a.cfg.DB.PagesTable); err != nil {
			return err
		}
		a.logger.Info("database schema ensured")
	}
	sessions, err := postgres.NewSessionStore(pool, a.cfg.DB.SessionsTable, ids, clock)
	if err != nil {
		return err
	}
	pages, err := postgres.NewPageStore(pool, a.cfg.DB.PagesTable, ids)
	if err != nil {
		return err
	}
	c.sessions = sessions
	c.pages = pages
	c.ready = pool.Ping
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPub = pubsubpublisher.New(client)
	return a.pubsubPub, nil
}

func (a *App) setupRenderer() crawler.RendererLauncher {
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.Crawler.RateLimitRPS,
		Burst: a.cfg.Crawler.RateLimitBurst,
	})
	if a.cfg.Renderer.Engine == config.EngineColly {
		return collyrenderer.NewLauncher(collyrenderer.Config{
			UserAgent:       a.cfg.Crawler.UserAgent,
			RespectRobots:   a.cfg.Crawler.RespectRobots,
			Timeout:         a.cfg.RenderTimeout(),
			MaxBodySize:     a.cfg.Renderer.MaxBodyBytes,
			FailOnHTTPError: a.cfg.Renderer.FailOnHTTPError,
		}, limiter)
	}
	return headless.NewLauncher(headless.Config{
		ExecPath:          a.cfg.Renderer.ExecPath,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NoSandbox:         a.cfg.Renderer.NoSandbox,
		NavigationTimeout: a.cfg.NavigationTimeout(),
		IdleWait:          a.cfg.IdleWait(),
		FailOnHTTPError:   a.cfg.Renderer.FailOnHTTPError,
	}, limiter)
}
