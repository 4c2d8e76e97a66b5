package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ParseStartURL validates a seed URL: absolute, http(s), with a host.
func ParseStartURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: startUrl is required", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse startUrl: %v", ErrInvalidInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: startUrl must be http or https, got %q", ErrInvalidInput, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: startUrl must be absolute", ErrInvalidInput)
	}
	return u, nil
}

// Origin returns the canonical scheme://host[:port] of u: scheme and host are
// lowercased and the scheme's default port is dropped.
func Origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}

// StripFragment removes everything from the first '#'.
func StripFragment(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// InScope reports whether an absolute URL belongs to the crawl origin. Both
// sides are compared in canonical form, so https://Example.com:443 and
// https://example.com match while https://example.com.evil.org does not.
func InScope(absolute, origin string) bool {
	u, err := url.Parse(absolute)
	if err != nil || u.Host == "" {
		return false
	}
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return Origin(u) == Origin(o)
}

// ResolveLink resolves href against base. The fragment is kept; callers compare
// on StripFragment of the result.
func ResolveLink(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// NormalizeURL standardizes a URL for page identifiers.
// It lowercases the scheme and host, removes default ports, sorts query parameters
// and removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// PageIdentifier derives the stable page key from a URL using hasher.
func PageIdentifier(hasher Hasher, rawURL string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	if hasher == nil {
		sum := sha256.Sum256([]byte(normalized))
		return hex.EncodeToString(sum[:]), nil
	}
	id, err := hasher.Hash([]byte(normalized))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	return id, nil
}

// FileName builds a readable, filesystem-safe name for a page.
func FileName(rawURL, pageIdentifier string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return pageIdentifier
	}
	host := invalidFilenameChars.ReplaceAllString(u.Hostname(), "_")
	p := strings.Trim(u.EscapedPath(), "/")
	if p == "" {
		p = "root"
	}
	p = invalidFilenameChars.ReplaceAllString(p, "_")
	short := pageIdentifier
	if len(short) > 16 {
		short = short[:16]
	}
	return fmt.Sprintf("%s_%s_%s", host, p, short)
}

// blobPath is the archive location of a page's raw markup.
func blobPath(prefix, sessionID, fileName string) string {
	return path.Join(strings.Trim(prefix, "/"), sessionID, fileName+".html")
}
