package crawler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

type fakeLauncher struct {
	renderer *fakeRenderer
	err      error
	launches int
}

func (l *fakeLauncher) Launch(context.Context) (Renderer, error) {
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	return l.renderer, nil
}

// fakeRenderer serves canned pages keyed by fragment-stripped URL.
type fakeRenderer struct {
	mu    sync.Mutex
	pages map[string]Content
	errs  map[string]error
	hang  map[string]bool
	// onRender runs before each render, outside the lock.
	onRender func(rawURL string)
	calls    []string
	closed   int
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		pages: make(map[string]Content),
		errs:  make(map[string]error),
		hang:  make(map[string]bool),
	}
}

// page registers an HTML page with the given absolute links.
func (r *fakeRenderer) page(rawURL string, links ...string) {
	content := Content{
		Title:     "title " + rawURL,
		RawMarkup: "<html><body>" + rawURL + "</body></html>",
	}
	for _, l := range links {
		content.Links = append(content.Links, Link{URL: l, Text: l})
	}
	r.pages[rawURL] = content
}

func (r *fakeRenderer) Render(ctx context.Context, rawURL string) (RenderResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, rawURL)
	key := StripFragment(rawURL)
	hang := r.hang[key]
	err := r.errs[key]
	content, ok := r.pages[key]
	onRender := r.onRender
	r.mu.Unlock()

	if onRender != nil {
		onRender(rawURL)
	}

	if hang {
		<-ctx.Done()
		return RenderResult{}, NewRenderError(rawURL, "navigation timeout", ctx.Err())
	}
	if err != nil {
		return RenderResult{}, err
	}
	if !ok {
		return RenderResult{}, NewRenderError(rawURL, "not found", nil)
	}
	return RenderResult{URL: rawURL, FinalURL: key, Content: content}, nil
}

func (r *fakeRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *fakeRenderer) rendered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// fakeSessionStore applies deltas with set semantics like the real stores.
type fakeSessionStore struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	createErr error
	// failUpdateAt makes the n-th Update call (1-based) fail; zero disables.
	failUpdateAt int
	updates      int
	deltas       []SessionDelta
	finals       []SessionFinal
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*Session)}
}

func (s *fakeSessionStore) Create(_ context.Context, session Session) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	session.ID = fmt.Sprintf("session-%d", len(s.sessions)+1)
	s.sessions[session.ID] = &session
	return session.ID, nil
}

func (s *fakeSessionStore) Update(_ context.Context, id string, delta SessionDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.failUpdateAt > 0 && s.updates >= s.failUpdateAt {
		return errors.New("session store unreachable")
	}
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return ErrSessionTerminal
	}
	s.deltas = append(s.deltas, delta)
	sess.VisitedURLs = appendUnique(sess.VisitedURLs, delta.AppendVisited)
	sess.FailedURLs = appendUnique(sess.FailedURLs, delta.AppendFailed)
	sess.ScrapedPageIDs = appendUnique(sess.ScrapedPageIDs, delta.AppendPageIDs)
	sess.TotalURLsScraped += delta.ScrapedIncrement
	return nil
}

func (s *fakeSessionStore) Finalize(_ context.Context, id string, final SessionFinal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !sess.Status.CanTransition(final.Status) {
		return ErrSessionTerminal
	}
	s.finals = append(s.finals, final)
	completed := final.CompletedAt
	sess.Status = final.Status
	sess.CompletedAt = &completed
	sess.ErrorMessage = final.ErrorMessage
	sess.TotalURLsScraped = final.TotalURLsScraped
	sess.VisitedURLs = final.VisitedURLs
	sess.FailedURLs = final.FailedURLs
	sess.ScrapedPageIDs = final.ScrapedPageIDs
	return nil
}

func (s *fakeSessionStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

func (s *fakeSessionStore) session(id string) Session {
	out, _ := s.Get(context.Background(), id)
	return out
}

func appendUnique(dst, values []string) []string {
	for _, v := range values {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

type fakePageStore struct {
	mu      sync.Mutex
	records map[PageKey]PageRecord
	ids     map[PageKey]string
	errFor  map[string]error
	upserts int
}

func newFakePageStore() *fakePageStore {
	return &fakePageStore{
		records: make(map[PageKey]PageRecord),
		ids:     make(map[PageKey]string),
		errFor:  make(map[string]error),
	}
}

func (p *fakePageStore) Upsert(_ context.Context, key PageKey, record PageRecord) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upserts++
	if err := p.errFor[record.URL]; err != nil {
		return "", err
	}
	id, ok := p.ids[key]
	if !ok {
		id = fmt.Sprintf("page-%d", len(p.ids)+1)
		p.ids[key] = id
	}
	record.ID = id
	p.records[key] = record
	return id, nil
}

func (p *fakePageStore) ListPages(_ context.Context, sessionID string) ([]PageRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PageRecord
	for key, rec := range p.records {
		if key.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (p *fakePageStore) byURL(rawURL string) (PageRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		if rec.URL == rawURL {
			return rec, true
		}
	}
	return PageRecord{}, false
}

type fakeOptimizer struct {
	err   error
	calls int
}

func (o *fakeOptimizer) Optimize(_ context.Context, raw string) (string, error) {
	o.calls++
	if o.err != nil {
		return "", o.err
	}
	return "<!-- optimized -->" + raw, nil
}

type fakeBlobStore struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (b *fakeBlobStore) PutObject(_ context.Context, path, _ string, _ []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.paths = append(b.paths, path)
	return "mem://" + path, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []map[string]any
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := payload.(map[string]any); ok {
		p.messages = append(p.messages, m)
	}
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}
