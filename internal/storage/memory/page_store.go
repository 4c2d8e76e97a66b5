package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// PageStore keeps page records in memory keyed by (page identifier, session id).
type PageStore struct {
	mu      sync.RWMutex
	records map[crawler.PageKey]crawler.PageRecord
	order   map[string][]crawler.PageKey
	ids     crawler.IDGenerator
}

// NewPageStore constructs a PageStore.
func NewPageStore(ids crawler.IDGenerator) *PageStore {
	return &PageStore{
		records: make(map[crawler.PageKey]crawler.PageRecord),
		order:   make(map[string][]crawler.PageKey),
		ids:     ids,
	}
}

// Upsert inserts or replaces the record at key. The id assigned on first insert is kept.
func (s *PageStore) Upsert(_ context.Context, key crawler.PageKey, record crawler.PageRecord) (string, error) {
	if key.PageIdentifier == "" || key.SessionID == "" {
		return "", fmt.Errorf("page key requires identifier and session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[key]; ok {
		record.ID = existing.ID
	} else {
		if s.ids == nil {
			return "", fmt.Errorf("page id generator is not configured")
		}
		id, err := s.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("generate page id: %w", err)
		}
		record.ID = id
		s.order[key.SessionID] = append(s.order[key.SessionID], key)
	}
	record.PageIdentifier = key.PageIdentifier
	record.SessionID = key.SessionID
	s.records[key] = record
	return record.ID, nil
}

// ListPages returns the session's records in first-insert order.
func (s *PageStore) ListPages(_ context.Context, sessionID string) ([]crawler.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.order[sessionID]
	out := make([]crawler.PageRecord, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.records[key])
	}
	return out, nil
}
