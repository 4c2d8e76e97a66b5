// Package system is the wall clock used for session and page timestamps.
package system

import (
	"time"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// Precision matches Postgres timestamptz, so a stored timestamp reads back
// equal to the value the crawler held.
const Precision = time.Microsecond

var _ crawler.Clock = Clock{}

// Clock reports UTC wall time truncated to Precision.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now implements crawler.Clock.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}
