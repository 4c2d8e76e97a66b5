package optimizer

import (
	"context"
	"fmt"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// Noop fails every call so the crawl keeps raw markup.
type Noop struct {
	reason string
}

// NewNoop creates a Noop optimizer that reports reason.
func NewNoop(reason string) *Noop {
	return &Noop{reason: reason}
}

// Optimize always returns an error wrapping crawler.ErrOptimize.
func (n *Noop) Optimize(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: %s", crawler.ErrOptimize, n.reason)
}
