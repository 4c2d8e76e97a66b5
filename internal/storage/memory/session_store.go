package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// SessionStore keeps crawl sessions in memory. Every method holds the store lock
// for the whole read-modify-write, so deltas never overwrite each other.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]crawler.Session
	ids      crawler.IDGenerator
	clock    crawler.Clock
}

// NewSessionStore constructs a SessionStore. clock may be nil.
func NewSessionStore(ids crawler.IDGenerator, clock crawler.Clock) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]crawler.Session),
		ids:      ids,
		clock:    clock,
	}
}

// Create stores a new in-progress session and returns its id.
func (s *SessionStore) Create(_ context.Context, session crawler.Session) (string, error) {
	id := session.ID
	if id == "" {
		if s.ids == nil {
			return "", fmt.Errorf("session id generator is not configured")
		}
		var err error
		if id, err = s.ids.NewID(); err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
	}
	session.ID = id
	session.Status = crawler.SessionInProgress
	session.VisitedURLs = cloneOrEmpty(session.VisitedURLs)
	session.FailedURLs = cloneOrEmpty(session.FailedURLs)
	session.ScrapedPageIDs = cloneOrEmpty(session.ScrapedPageIDs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[id]; exists {
		return "", fmt.Errorf("session %s already exists", id)
	}
	s.sessions[id] = session
	return id, nil
}

// Update applies delta to the stored session.
func (s *SessionStore) Update(_ context.Context, sessionID string, delta crawler.SessionDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrSessionNotFound, sessionID)
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", crawler.ErrSessionTerminal, sessionID, session.Status)
	}
	if delta.Empty() {
		return nil
	}
	session.VisitedURLs = appendUnique(session.VisitedURLs, delta.AppendVisited)
	session.FailedURLs = appendUnique(session.FailedURLs, delta.AppendFailed)
	session.ScrapedPageIDs = appendUnique(session.ScrapedPageIDs, delta.AppendPageIDs)
	session.TotalURLsScraped += delta.ScrapedIncrement
	session.UpdatedAt = s.now()
	s.sessions[sessionID] = session
	return nil
}

// Finalize overwrites the session with its terminal state.
func (s *SessionStore) Finalize(_ context.Context, sessionID string, final crawler.SessionFinal) error {
	if err := final.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrSessionNotFound, sessionID)
	}
	if !session.Status.CanTransition(final.Status) {
		return fmt.Errorf("%w: %s is %s", crawler.ErrSessionTerminal, sessionID, session.Status)
	}
	completed := final.CompletedAt
	session.Status = final.Status
	session.CompletedAt = &completed
	session.UpdatedAt = completed
	session.ErrorMessage = final.ErrorMessage
	session.TotalURLsScraped = final.TotalURLsScraped
	session.VisitedURLs = cloneOrEmpty(final.VisitedURLs)
	session.FailedURLs = cloneOrEmpty(final.FailedURLs)
	session.ScrapedPageIDs = cloneOrEmpty(final.ScrapedPageIDs)
	s.sessions[sessionID] = session
	return nil
}

// Get returns a copy of the stored session.
func (s *SessionStore) Get(_ context.Context, sessionID string) (crawler.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return crawler.Session{}, fmt.Errorf("%w: %s", crawler.ErrSessionNotFound, sessionID)
	}
	session.VisitedURLs = slices.Clone(session.VisitedURLs)
	session.FailedURLs = slices.Clone(session.FailedURLs)
	session.ScrapedPageIDs = slices.Clone(session.ScrapedPageIDs)
	if session.CompletedAt != nil {
		completed := *session.CompletedAt
		session.CompletedAt = &completed
	}
	return session, nil
}

func (s *SessionStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func appendUnique(dst, values []string) []string {
	for _, v := range values {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

func cloneOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return slices.Clone(in)
}
