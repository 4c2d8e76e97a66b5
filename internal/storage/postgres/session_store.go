package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// SessionStore persists crawl sessions in Postgres. Deltas are applied in a single
// UPDATE against the stored row so concurrent writers never lose increments.
type SessionStore struct {
	db    querier
	table string
	ids   crawler.IDGenerator
	clock crawler.Clock
}

// NewSessionStore builds a SessionStore over db. table defaults to crawl_sessions.
func NewSessionStore(db querier, table string, ids crawler.IDGenerator, clock crawler.Clock) (*SessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, DefaultSessionsTable)
	if err != nil {
		return nil, err
	}
	return &SessionStore{db: db, table: name, ids: ids, clock: clock}, nil
}

// Create inserts an in-progress session and returns its id.
func (s *SessionStore) Create(ctx context.Context, session crawler.Session) (string, error) {
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
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id, site_id, user_id, start_url, status, total_urls_scraped,
	visited_urls, failed_urls, scraped_page_ids, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, s.table)

	_, err := s.db.Exec(ctx, query,
		id,
		session.SiteID,
		session.UserID,
		session.StartURL,
		string(crawler.SessionInProgress),
		session.TotalURLsScraped,
		uniqueOrEmpty(session.VisitedURLs),
		uniqueOrEmpty(session.FailedURLs),
		uniqueOrEmpty(session.ScrapedPageIDs),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// Update appends the delta's values with set semantics and adds its increment.
func (s *SessionStore) Update(ctx context.Context, sessionID string, delta crawler.SessionDelta) error {
	if delta.Empty() {
		return s.requireInProgress(ctx, sessionID)
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	visited_urls = visited_urls || ARRAY(
		SELECT v FROM unnest($2::text[]) WITH ORDINALITY AS d(v, n)
		WHERE NOT v = ANY(visited_urls) ORDER BY n),
	failed_urls = failed_urls || ARRAY(
		SELECT v FROM unnest($3::text[]) WITH ORDINALITY AS d(v, n)
		WHERE NOT v = ANY(failed_urls) ORDER BY n),
	scraped_page_ids = scraped_page_ids || ARRAY(
		SELECT v FROM unnest($4::text[]) WITH ORDINALITY AS d(v, n)
		WHERE NOT v = ANY(scraped_page_ids) ORDER BY n),
	total_urls_scraped = total_urls_scraped + $5,
	updated_at = $6
WHERE id = $1 AND status = $7`, s.table)

	tag, err := s.db.Exec(ctx, query,
		sessionID,
		uniqueOrEmpty(delta.AppendVisited),
		uniqueOrEmpty(delta.AppendFailed),
		uniqueOrEmpty(delta.AppendPageIDs),
		delta.ScrapedIncrement,
		s.now(),
		string(crawler.SessionInProgress),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, sessionID)
	}
	return nil
}

// Finalize writes the terminal state. It only matches rows still in progress.
func (s *SessionStore) Finalize(ctx context.Context, sessionID string, final crawler.SessionFinal) error {
	if err := final.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	completed_at = $3,
	updated_at = $3,
	error_message = NULLIF($4, ''),
	total_urls_scraped = $5,
	visited_urls = $6,
	failed_urls = $7,
	scraped_page_ids = $8
WHERE id = $1 AND status = $9`, s.table)

	tag, err := s.db.Exec(ctx, query,
		sessionID,
		string(final.Status),
		final.CompletedAt,
		final.ErrorMessage,
		final.TotalURLsScraped,
		uniqueOrEmpty(final.VisitedURLs),
		uniqueOrEmpty(final.FailedURLs),
		uniqueOrEmpty(final.ScrapedPageIDs),
		string(crawler.SessionInProgress),
	)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, sessionID)
	}
	return nil
}

// Get loads one session.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (crawler.Session, error) {
	query := fmt.Sprintf(`
SELECT id, site_id, user_id, start_url, status, total_urls_scraped,
	visited_urls, failed_urls, scraped_page_ids, created_at, updated_at,
	completed_at, COALESCE(error_message, '')
FROM %s
WHERE id = $1`, s.table)

	var (
		session crawler.Session
		status  string
	)
	err := s.db.QueryRow(ctx, query, sessionID).Scan(
		&session.ID,
		&session.SiteID,
		&session.UserID,
		&session.StartURL,
		&status,
		&session.TotalURLsScraped,
		&session.VisitedURLs,
		&session.FailedURLs,
		&session.ScrapedPageIDs,
		&session.CreatedAt,
		&session.UpdatedAt,
		&session.CompletedAt,
		&session.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Session{}, fmt.Errorf("%w: %s", crawler.ErrSessionNotFound, sessionID)
		}
		return crawler.Session{}, fmt.Errorf("get session: %w", err)
	}
	session.Status = crawler.SessionStatus(status)
	session.VisitedURLs = uniqueOrEmpty(session.VisitedURLs)
	session.FailedURLs = uniqueOrEmpty(session.FailedURLs)
	session.ScrapedPageIDs = uniqueOrEmpty(session.ScrapedPageIDs)
	return session, nil
}

func (s *SessionStore) requireInProgress(ctx context.Context, sessionID string) error {
	status, err := s.status(ctx, sessionID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return fmt.Errorf("%w: %s is %s", crawler.ErrSessionTerminal, sessionID, status)
	}
	return nil
}

// explainMiss turns a zero-row update into NotFound or Terminal.
func (s *SessionStore) explainMiss(ctx context.Context, sessionID string) error {
	status, err := s.status(ctx, sessionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", crawler.ErrSessionTerminal, sessionID, status)
}

func (s *SessionStore) status(ctx context.Context, sessionID string) (crawler.SessionStatus, error) {
	var status string
	err := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table), sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", crawler.ErrSessionNotFound, sessionID)
		}
		return "", fmt.Errorf("read session status: %w", err)
	}
	return crawler.SessionStatus(status), nil
}

func (s *SessionStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// uniqueOrEmpty drops repeated values, keeping first occurrences in order.
func uniqueOrEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
