package crawler

import (
	"context"
	"time"
)

// RendererLauncher starts a rendering engine. One engine is acquired per crawl.
type RendererLauncher interface {
	Launch(ctx context.Context) (Renderer, error)
}

// Renderer loads a URL in a rendering engine and extracts its structural content.
// Implementations must return absolute URLs for every discovered link.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (RenderResult, error)
	Close() error
}

// Optimizer rewrites extracted markup.
type Optimizer interface {
	Optimize(ctx context.Context, rawMarkup string) (string, error)
}

// SessionStore persists crawl sessions. Update applies a delta atomically against
// the stored row (no read-modify-write of a cached copy); Finalize is an
// authoritative overwrite that may only be applied once.
type SessionStore interface {
	Create(ctx context.Context, session Session) (string, error)
	Update(ctx context.Context, sessionID string, delta SessionDelta) error
	Finalize(ctx context.Context, sessionID string, final SessionFinal) error
	Get(ctx context.Context, sessionID string) (Session, error)
}

// PageStore persists page records keyed by (page identifier, session id).
// Upsert is idempotent and returns the stable id of the stored record.
type PageStore interface {
	Upsert(ctx context.Context, key PageKey, record PageRecord) (string, error)
	ListPages(ctx context.Context, sessionID string) ([]PageRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes crawl notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used for page identifiers.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record ids (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
