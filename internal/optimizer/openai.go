// Package optimizer rewrites page markup into SEO suggestions with an
// OpenAI-compatible chat completions API (OpenRouter by default).
package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/site-crawler/internal/crawler"
	"github.com/JakeFAU/site-crawler/internal/metrics"
)

// Defaults for the hosted backend.
const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "gpt-4o-mini"
)

// SuggestionKeys are the sections every optimizer response carries.
var SuggestionKeys = []string{"title", "meta_description", "h1", "h2", "h3", "img_alt", "p", "a_anchor_text"}

// Config configures the chat client.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	// MaxInputBytes truncates the markup sent upstream; zero sends it whole.
	MaxInputBytes int
	// Referer and Title are sent as OpenRouter attribution headers when set.
	Referer string
	Title   string
}

// Suggestion pairs an original text with its optimized rewrite.
type Suggestion struct {
	Original  string `json:"original"`
	Optimized string `json:"optimized"`
}

// Client is a lightweight OpenAI-compatible API client.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// New returns a Client, or a Noop optimizer when no API key is configured.
func New(cfg Config, httpClient *http.Client) crawler.Optimizer {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return NewNoop("optimizer api key not configured")
	}
	return NewClient(cfg, httpClient)
}

// NewClient creates a chat client. Pass nil to use a default http.Client.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Client{httpClient: httpClient, cfg: cfg}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// APIError is a non-200 answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("optimizer api returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap makes every APIError match crawler.ErrOptimize.
func (e *APIError) Unwrap() error {
	return crawler.ErrOptimize
}

// Retryable reports whether the backend asked the caller to slow down or failed transiently.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Optimize sends rawMarkup upstream and returns the validated suggestions document as JSON.
func (c *Client) Optimize(ctx context.Context, rawMarkup string) (string, error) {
	rawMarkup = truncateUTF8(rawMarkup, c.cfg.MaxInputBytes)
	body, err := json.Marshal(chatRequest{
		Model:          c.cfg.Model,
		Messages:       []chatMessage{{Role: "user", Content: buildPrompt(rawMarkup)}},
		Temperature:    0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request: %w", crawler.ErrOptimize, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", crawler.ErrOptimize, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyError(resp.StatusCode, respBody)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", fmt.Errorf("%w: parse response: %w", crawler.ErrOptimize, err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", crawler.ErrOptimize)
	}
	metrics.ObserveOptimizerTokens(chat.Usage.TotalTokens)

	suggestions, err := ParseSuggestions(chat.Choices[0].Message.Content)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(suggestions)
	if err != nil {
		return "", fmt.Errorf("%w: marshal suggestions: %w", crawler.ErrOptimize, err)
	}
	return string(out), nil
}

// ParseSuggestions decodes a model answer, tolerating markdown code fences, and
// fills every missing section with an empty list.
func ParseSuggestions(content string) (map[string][]Suggestion, error) {
	content = stripFences(content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty model answer", crawler.ErrOptimize)
	}
	var parsed map[string][]Suggestion
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("%w: model answer is not a suggestions object: %w", crawler.ErrOptimize, err)
	}
	if parsed == nil {
		return nil, errors.Join(crawler.ErrOptimize, errors.New("model answer is null"))
	}
	for _, key := range SuggestionKeys {
		if parsed[key] == nil {
			parsed[key] = []Suggestion{}
		}
	}
	return parsed, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func classifyError(statusCode int, body []byte) error {
	var errResp chatErrorResponse
	msg := http.StatusText(statusCode)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
	}
	return &APIError{StatusCode: statusCode, Message: msg}
}

func buildPrompt(rawMarkup string) string {
	return `You are an expert SEO specialist and senior content optimizer.
Extract text from the raw HTML below and optimize it for on-page SEO.

1. Extract only from: <title>, <meta name="description">, <h1>, <h2>, <h3>,
   <img alt="">, <p>, and <a> elements that link within the same site.

2. Apply these rules:
   - Titles: 50-60 characters, keyword near the start.
   - Meta description: under 160 characters, engaging, with a call to action.
   - Headings: concise, keyword-rich and accurate.
   - Image alt text: descriptive and keyword-rich.
   - Paragraphs: improve readability with natural keyword use.
   - Anchor text: descriptive and keyword-rich.

3. Return only a JSON object with the keys
   "title", "meta_description", "h1", "h2", "h3", "img_alt", "p", "a_anchor_text".
   Each value is an array of {"original": "...", "optimized": "..."} objects.
   Use an empty array when a section has no elements.

HTML to process:
` + rawMarkup
}
