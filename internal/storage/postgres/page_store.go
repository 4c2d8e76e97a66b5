package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// PageStore persists page records keyed by (page_identifier, session_id).
type PageStore struct {
	db    querier
	table string
	ids   crawler.IDGenerator
}

// NewPageStore builds a PageStore over db. table defaults to pages.
func NewPageStore(db querier, table string, ids crawler.IDGenerator) (*PageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("page id generator is required")
	}
	name, err := tableName(table, DefaultPagesTable)
	if err != nil {
		return nil, err
	}
	return &PageStore{db: db, table: name, ids: ids}, nil
}

// Upsert inserts the record or replaces the one already stored at key. The id
// assigned by the first insert survives later upserts.
func (s *PageStore) Upsert(ctx context.Context, key crawler.PageKey, record crawler.PageRecord) (string, error) {
	if key.PageIdentifier == "" || key.SessionID == "" {
		return "", fmt.Errorf("page key requires identifier and session id")
	}
	candidate, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate page id: %w", err)
	}
	content := record.Content
	content.Normalize()
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id, page_identifier, session_id, site_id, user_id, url, file_name, title,
	optimized_markup, optimized, scraping_method, file_path, content, metadata,
	scraped_at, saved_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (page_identifier, session_id) DO UPDATE SET
	site_id = EXCLUDED.site_id,
	user_id = EXCLUDED.user_id,
	url = EXCLUDED.url,
	file_name = EXCLUDED.file_name,
	title = EXCLUDED.title,
	optimized_markup = EXCLUDED.optimized_markup,
	optimized = EXCLUDED.optimized,
	scraping_method = EXCLUDED.scraping_method,
	file_path = EXCLUDED.file_path,
	content = EXCLUDED.content,
	metadata = EXCLUDED.metadata,
	scraped_at = EXCLUDED.scraped_at,
	saved_at = EXCLUDED.saved_at
RETURNING id`, s.table)

	var id string
	err = s.db.QueryRow(ctx, query,
		candidate,
		key.PageIdentifier,
		key.SessionID,
		record.SiteID,
		record.UserID,
		record.URL,
		record.FileName,
		content.Title,
		record.OptimizedMarkup,
		record.Optimized,
		record.ScrapingMethod,
		record.FilePath,
		contentJSON,
		metadataJSON,
		record.ScrapedAt,
		record.SavedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert page: %w", err)
	}
	return id, nil
}

// ListPages returns the session's records in first-insert order.
func (s *PageStore) ListPages(ctx context.Context, sessionID string) ([]crawler.PageRecord, error) {
	query := fmt.Sprintf(`
SELECT id, page_identifier, session_id, site_id, user_id, url, file_name,
	optimized_markup, optimized, scraping_method, file_path, content, metadata,
	scraped_at, saved_at
FROM %s
WHERE session_id = $1
ORDER BY seq`, s.table)

	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	records := []crawler.PageRecord{}
	for rows.Next() {
		var (
			rec          crawler.PageRecord
			contentJSON  []byte
			metadataJSON []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.PageIdentifier,
			&rec.SessionID,
			&rec.SiteID,
			&rec.UserID,
			&rec.URL,
			&rec.FileName,
			&rec.OptimizedMarkup,
			&rec.Optimized,
			&rec.ScrapingMethod,
			&rec.FilePath,
			&contentJSON,
			&metadataJSON,
			&rec.ScrapedAt,
			&rec.SavedAt,
		); err != nil {
			return nil, fmt.Errorf("scan page row: %w", err)
		}
		if err := json.Unmarshal(contentJSON, &rec.Content); err != nil {
			return nil, fmt.Errorf("decode content of page %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of page %s: %w", rec.ID, err)
		}
		rec.Content.Normalize()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return records, nil
}
