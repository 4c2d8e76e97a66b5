// Package sha256 derives page identifiers: the lowercase hex SHA-256 of a
// normalized URL.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// DigestLen is the length of every identifier Hash returns.
const DigestLen = sha256.Size * 2

var _ crawler.Hasher = Hasher{}

// Hasher implements crawler.Hasher. It never fails.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
