package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/id/uuid"
)

func TestPageStoreUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewPageStore(uuid.New())
	ctx := context.Background()
	key := crawler.PageKey{PageIdentifier: "abc", SessionID: "s1"}

	first, err := store.Upsert(ctx, key, crawler.PageRecord{URL: "https://example.com/", OptimizedMarkup: "v1"})
	require.NoError(t, err)
	second, err := store.Upsert(ctx, key, crawler.PageRecord{URL: "https://example.com/", OptimizedMarkup: "v2"})
	require.NoError(t, err)
	require.Equal(t, first, second)

	pages, err := store.ListPages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, "v2", pages[0].OptimizedMarkup)
	require.Equal(t, first, pages[0].ID)
	require.Equal(t, "abc", pages[0].PageIdentifier)
}

func TestPageStoreSeparatesSessions(t *testing.T) {
	t.Parallel()

	store := NewPageStore(uuid.New())
	ctx := context.Background()

	a, err := store.Upsert(ctx, crawler.PageKey{PageIdentifier: "abc", SessionID: "s1"}, crawler.PageRecord{})
	require.NoError(t, err)
	b, err := store.Upsert(ctx, crawler.PageKey{PageIdentifier: "abc", SessionID: "s2"}, crawler.PageRecord{})
	require.NoError(t, err)
	c, err := store.Upsert(ctx, crawler.PageKey{PageIdentifier: "def", SessionID: "s1"}, crawler.PageRecord{})
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	pages, err := store.ListPages(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []string{a, c}, []string{pages[0].ID, pages[1].ID})

	empty, err := store.ListPages(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = store.Upsert(ctx, crawler.PageKey{SessionID: "s1"}, crawler.PageRecord{})
	require.Error(t, err)
}
