package crawler

import (
	"fmt"
	"time"
)

// SessionStatus represents the lifecycle state of a crawl session.
type SessionStatus string

// Session status values persisted in the session store.
const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// CanTransition reports whether moving from s to next is a legal transition.
// Only in_progress -> completed and in_progress -> failed are allowed.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	return s == SessionInProgress && next.Terminal()
}

// Session is the durable record of one crawl invocation.
type Session struct {
	ID               string        `json:"id"`
	SiteID           string        `json:"site_id"`
	UserID           string        `json:"user_id"`
	StartURL         string        `json:"start_url"`
	Status           SessionStatus `json:"status"`
	TotalURLsScraped int           `json:"total_urls_scraped"`
	VisitedURLs      []string      `json:"visited_urls"`
	FailedURLs       []string      `json:"failed_urls"`
	ScrapedPageIDs   []string      `json:"scraped_page_ids"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}

// SessionDelta is an incremental update applied atomically by the session store.
// Slices are appended with set semantics (already present values are skipped) and
// ScrapedIncrement is added to the stored counter.
type SessionDelta struct {
	AppendVisited    []string
	AppendFailed     []string
	AppendPageIDs    []string
	ScrapedIncrement int
}

// Empty reports whether the delta carries no change.
func (d SessionDelta) Empty() bool {
	return len(d.AppendVisited) == 0 && len(d.AppendFailed) == 0 &&
		len(d.AppendPageIDs) == 0 && d.ScrapedIncrement == 0
}

// SessionFinal is the authoritative overwrite written at the terminal transition.
type SessionFinal struct {
	Status           SessionStatus
	CompletedAt      time.Time
	ErrorMessage     string
	TotalURLsScraped int
	VisitedURLs      []string
	FailedURLs       []string
	ScrapedPageIDs   []string
}

// Validate checks that the final write is a terminal transition.
func (f SessionFinal) Validate() error {
	if !f.Status.Terminal() {
		return fmt.Errorf("final status %q is not terminal", f.Status)
	}
	if f.CompletedAt.IsZero() {
		return fmt.Errorf("completed_at is required")
	}
	return nil
}

// Heading is a document heading with its level tag (h1..h6).
type Heading struct {
	Level string `json:"level"`
	Text  string `json:"text"`
	ID    string `json:"id,omitempty"`
}

// Link is an anchor discovered on a page. URL is always absolute.
type Link struct {
	URL   string `json:"url"`
	Text  string `json:"text"`
	Title string `json:"title,omitempty"`
}

// Image is an img element.
type Image struct {
	Src   string `json:"src"`
	Alt   string `json:"alt"`
	Title string `json:"title,omitempty"`
}

// Content holds the structural fields extracted from a rendered document.
type Content struct {
	Title           string          `json:"title"`
	MetaDescription string          `json:"meta_description"`
	Author          string          `json:"author,omitempty"`
	Keywords        []string        `json:"keywords"`
	Headings        []Heading       `json:"headings"`
	Paragraphs      []string        `json:"paragraphs"`
	Links           []Link          `json:"links"`
	Images          []Image         `json:"images"`
	Lists           [][]string      `json:"lists"`
	Tables          [][][]string    `json:"tables"`
	TextContent     []string        `json:"text_content"`
	Divs            []string        `json:"divs"`
	Spans           []string        `json:"spans"`
	Forms           []Form          `json:"forms"`
	Navigation      []string        `json:"navigation"`
	Header          []string        `json:"header"`
	Footer          []string        `json:"footer"`
	Main            []string        `json:"main"`
	Articles        []string        `json:"articles"`
	Sections        []string        `json:"sections"`
	Theme           Theme           `json:"theme"`
	AdditionalURLs  []DiscoveredURL `json:"additional_urls"`
	RawMarkup       string          `json:"raw_markup"`
}

// Theme is the branding a page declares in its head. Extracted is false when
// the page declares none of it.
type Theme struct {
	Colors     ThemeColors     `json:"colors"`
	Typography ThemeTypography `json:"typography"`
	Branding   ThemeBranding   `json:"branding"`
	Extracted  bool            `json:"extracted"`
}

// ThemeColors come from theme-color style meta tags.
type ThemeColors struct {
	Primary    string `json:"primary,omitempty"`
	Background string `json:"background,omitempty"`
}

// ThemeTypography lists web font families the page loads, in document order.
type ThemeTypography struct {
	PrimaryFont   string `json:"primary_font,omitempty"`
	SecondaryFont string `json:"secondary_font,omitempty"`
}

// ThemeBranding holds logo, favicon and brand name.
type ThemeBranding struct {
	LogoURL    string `json:"logo_url,omitempty"`
	FaviconURL string `json:"favicon_url,omitempty"`
	BrandName  string `json:"brand_name,omitempty"`
}

// Sources of a DiscoveredURL.
const (
	DiscoveredInternalLink = "internal links"
	DiscoveredSitemap      = "sitemap.xml"
)

// DiscoveredURL is a same-site URL referenced by a page, recorded whether or
// not the crawl went on to visit it.
type DiscoveredURL struct {
	URL    string `json:"url"`
	Source string `json:"source"`
}

// Form summarizes a form element.
type Form struct {
	Action string   `json:"action"`
	Method string   `json:"method"`
	Fields []string `json:"fields"`
}

// Normalize replaces nil buckets with empty slices so persisted records never carry nulls.
func (c *Content) Normalize() {
	c.Keywords = orEmpty(c.Keywords)
	c.Paragraphs = orEmpty(c.Paragraphs)
	c.TextContent = orEmpty(c.TextContent)
	c.Divs = orEmpty(c.Divs)
	c.Spans = orEmpty(c.Spans)
	c.Navigation = orEmpty(c.Navigation)
	c.Header = orEmpty(c.Header)
	c.Footer = orEmpty(c.Footer)
	c.Main = orEmpty(c.Main)
	c.Articles = orEmpty(c.Articles)
	c.Sections = orEmpty(c.Sections)
	c.Headings = orEmpty(c.Headings)
	c.Links = orEmpty(c.Links)
	c.Images = orEmpty(c.Images)
	c.Lists = orEmpty(c.Lists)
	c.Tables = orEmpty(c.Tables)
	c.Forms = orEmpty(c.Forms)
	c.AdditionalURLs = orEmpty(c.AdditionalURLs)
}

func orEmpty[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// RenderResult is returned by a Renderer for one URL.
type RenderResult struct {
	URL        string
	FinalURL   string
	StatusCode int
	Content    Content
}

// PageKey identifies a page record: the same page in a later session is a new record.
type PageKey struct {
	PageIdentifier string
	SessionID      string
}

// PageMetadata carries bookkeeping about the stored page.
type PageMetadata struct {
	FileSize int    `json:"file_size"`
	Version  string `json:"version"`
	Note     string `json:"note"`
	Error    bool   `json:"error"`
}

// ScrapingMethodEnhanced tags records produced by full structural extraction.
const ScrapingMethodEnhanced = "enhanced"

// PageRecordVersion is the record layout version written into metadata.
const PageRecordVersion = "2.0.0"

// PageRecord is persisted for each page that rendered successfully.
type PageRecord struct {
	ID              string       `json:"id"`
	PageIdentifier  string       `json:"page_identifier"`
	SessionID       string       `json:"session_id"`
	SiteID          string       `json:"site_id"`
	UserID          string       `json:"user_id"`
	URL             string       `json:"url"`
	FileName        string       `json:"file_name"`
	OptimizedMarkup string       `json:"optimized_markup"`
	Optimized       bool         `json:"optimized"`
	ScrapingMethod  string       `json:"scraping_method"`
	FilePath        string       `json:"file_path,omitempty"`
	Metadata        PageMetadata `json:"metadata"`
	ScrapedAt       time.Time    `json:"scraped_at"`
	SavedAt         time.Time    `json:"saved_at"`

	Content
}

// Key returns the upsert key of the record.
func (p PageRecord) Key() PageKey {
	return PageKey{PageIdentifier: p.PageIdentifier, SessionID: p.SessionID}
}

// CrawlRequest captures the caller-supplied parameters of one crawl.
type CrawlRequest struct {
	StartURL string `json:"startUrl"`
	MaxPages int    `json:"maxPages,omitempty"`
	SiteID   string `json:"siteId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// CrawledPage summarizes one successfully persisted page.
type CrawledPage struct {
	PageID    string `json:"pageId"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Optimized bool   `json:"optimized"`
}

// CrawlSummary is returned to the caller on normal termination.
type CrawlSummary struct {
	SessionID          string        `json:"sessionId"`
	Status             SessionStatus `json:"status"`
	TotalURLsAttempted int           `json:"totalUrlsAttempted"`
	TotalURLsScraped   int           `json:"totalUrlsScraped"`
	TotalVisited       int           `json:"totalVisited"`
	VisitedURLs        []string      `json:"visitedUrls"`
	FailedURLs         []string      `json:"failedUrls"`
	CrawledPages       []CrawledPage `json:"crawledPages"`
}
