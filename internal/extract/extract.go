// Package extract turns rendered HTML into the structural content stored for a page.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-crawler/internal/crawler"
)

// FromHTML parses rawHTML and extracts every content bucket. Links, image sources
// and form actions are resolved against pageURL (or the document's <base href>),
// so callers always receive absolute URLs.
func FromHTML(rawHTML, pageURL string) (crawler.Content, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Content{}, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return crawler.Content{}, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	content := crawler.Content{
		Title:     collapse(doc.Find("title").First().Text()),
		RawMarkup: rawHTML,
	}
	readMeta(doc, &content)
	content.Headings = headings(doc)
	content.Paragraphs = texts(doc.Find("p"))
	content.Links = links(doc, base)
	content.Images = images(doc, base)
	content.Lists = lists(doc)
	content.Tables = tables(doc)
	content.Divs = ownTexts(doc.Find("div"))
	content.Spans = texts(doc.Find("span"))
	content.Forms = forms(doc, base)
	content.Navigation = texts(doc.Find("nav"))
	content.Header = texts(doc.Find("header"))
	content.Footer = texts(doc.Find("footer"))
	content.Main = texts(doc.Find("main"))
	content.Articles = texts(doc.Find("article"))
	content.Sections = texts(doc.Find("section"))
	content.Theme = theme(doc, base)
	content.AdditionalURLs = discovered(doc, base, content.Links, pageURL)
	content.TextContent = bodyLines(doc)
	content.Normalize()
	return content, nil
}

func readMeta(doc *goquery.Document, content *crawler.Content) {
	doc.Find("meta[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		value := strings.TrimSpace(s.AttrOr("content", ""))
		if value == "" {
			return
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "description":
			if content.MetaDescription == "" {
				content.MetaDescription = value
			}
		case "author":
			if content.Author == "" {
				content.Author = value
			}
		case "keywords":
			for _, kw := range strings.Split(value, ",") {
				if kw = strings.TrimSpace(kw); kw != "" {
					content.Keywords = append(content.Keywords, kw)
				}
			}
		}
	})
}

func headings(doc *goquery.Document) []crawler.Heading {
	var out []crawler.Heading
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		text := collapse(s.Text())
		if text == "" {
			return
		}
		out = append(out, crawler.Heading{
			Level: goquery.NodeName(s),
			Text:  text,
			ID:    s.AttrOr("id", ""),
		})
	})
	return out
}

func links(doc *goquery.Document, base *url.URL) []crawler.Link {
	var out []crawler.Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		abs, ok := resolveHTTP(base, s.AttrOr("href", ""))
		if !ok {
			return
		}
		out = append(out, crawler.Link{
			URL:   abs,
			Text:  collapse(s.Text()),
			Title: strings.TrimSpace(s.AttrOr("title", "")),
		})
	})
	return out
}

func images(doc *goquery.Document, base *url.URL) []crawler.Image {
	var out []crawler.Image
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" {
			return
		}
		if resolved, err := base.Parse(src); err == nil && resolved.Scheme != "data" {
			src = resolved.String()
		}
		out = append(out, crawler.Image{
			Src:   src,
			Alt:   strings.TrimSpace(s.AttrOr("alt", "")),
			Title: strings.TrimSpace(s.AttrOr("title", "")),
		})
	})
	return out
}

func theme(doc *goquery.Document, base *url.URL) crawler.Theme {
	var t crawler.Theme
	t.Colors.Primary = metaContent(doc, `meta[name="theme-color"]`)
	t.Colors.Background = metaContent(doc, `meta[name="msapplication-TileColor"]`)

	fonts := webFonts(doc)
	if len(fonts) > 0 {
		t.Typography.PrimaryFont = fonts[0]
	}
	if len(fonts) > 1 {
		t.Typography.SecondaryFont = fonts[1]
	}

	t.Branding.BrandName = metaContent(doc, `meta[property="og:site_name"]`)
	if t.Branding.BrandName == "" {
		t.Branding.BrandName = metaContent(doc, `meta[name="application-name"]`)
	}
	doc.Find("link[rel][href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, rel := range strings.Fields(strings.ToLower(s.AttrOr("rel", ""))) {
			if rel == "icon" {
				t.Branding.FaviconURL, _ = resolveHTTP(base, s.AttrOr("href", ""))
				return false
			}
		}
		return true
	})
	doc.Find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		hint := strings.ToLower(s.AttrOr("src", "") + " " + s.AttrOr("alt", "") + " " + s.AttrOr("class", "") + " " + s.AttrOr("id", ""))
		if !strings.Contains(hint, "logo") {
			return true
		}
		t.Branding.LogoURL, _ = resolveHTTP(base, s.AttrOr("src", ""))
		return t.Branding.LogoURL == ""
	})

	t.Extracted = t.Colors != (crawler.ThemeColors{}) ||
		t.Typography != (crawler.ThemeTypography{}) ||
		t.Branding != (crawler.ThemeBranding{})
	return t
}

func metaContent(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().AttrOr("content", ""))
}

// webFonts returns the families requested from Google Fonts stylesheets, for
// both the css (family=A|B) and css2 (family=A&family=B) forms.
func webFonts(doc *goquery.Document) []string {
	var out []string
	seen := map[string]bool{}
	doc.Find(`link[href*="fonts.googleapis.com"]`).Each(func(_ int, s *goquery.Selection) {
		u, err := url.Parse(strings.TrimSpace(s.AttrOr("href", "")))
		if err != nil {
			return
		}
		// css2 weights use semicolons, which url.ParseQuery rejects.
		for _, pair := range strings.Split(u.RawQuery, "&") {
			value, ok := strings.CutPrefix(pair, "family=")
			if !ok {
				continue
			}
			decoded, err := url.QueryUnescape(value)
			if err != nil {
				continue
			}
			for _, family := range strings.Split(decoded, "|") {
				name, _, _ := strings.Cut(family, ":")
				if name = strings.TrimSpace(name); name != "" && !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
			}
		}
	})
	return out
}

// discovered lists the same-site URLs a page points at: declared sitemaps
// first, then internal links without fragments. The page itself is skipped.
func discovered(doc *goquery.Document, base *url.URL, pageLinks []crawler.Link, pageURL string) []crawler.DiscoveredURL {
	var out []crawler.DiscoveredURL
	seen := map[string]bool{crawler.StripFragment(pageURL): true}
	add := func(raw, source string) {
		clean := crawler.StripFragment(raw)
		if seen[clean] || !crawler.InScope(clean, pageURL) {
			return
		}
		seen[clean] = true
		out = append(out, crawler.DiscoveredURL{URL: clean, Source: source})
	}
	doc.Find(`link[rel="sitemap"][href]`).Each(func(_ int, s *goquery.Selection) {
		if abs, ok := resolveHTTP(base, s.AttrOr("href", "")); ok {
			add(abs, crawler.DiscoveredSitemap)
		}
	})
	for _, link := range pageLinks {
		add(link.URL, crawler.DiscoveredInternalLink)
	}
	return out
}

func lists(doc *goquery.Document) [][]string {
	var out [][]string
	doc.Find("ul, ol").Each(func(_ int, list *goquery.Selection) {
		out = append(out, texts(list.ChildrenFiltered("li")))
	})
	return out
}

func tables(doc *goquery.Document) [][][]string {
	var out [][][]string
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		rows := [][]string{}
		table.Find("tr").Each(func(_ int, row *goquery.Selection) {
			rows = append(rows, texts(row.Find("th, td")))
		})
		out = append(out, rows)
	})
	return out
}

func forms(doc *goquery.Document, base *url.URL) []crawler.Form {
	var out []crawler.Form
	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		action := strings.TrimSpace(s.AttrOr("action", ""))
		if resolved, err := base.Parse(action); err == nil {
			action = resolved.String()
		}
		method := strings.ToUpper(strings.TrimSpace(s.AttrOr("method", "")))
		if method == "" {
			method = "GET"
		}
		fields := []string{}
		s.Find("input, select, textarea, button").Each(func(_ int, f *goquery.Selection) {
			name := f.AttrOr("name", f.AttrOr("id", ""))
			if name = strings.TrimSpace(name); name != "" {
				fields = append(fields, name)
			}
		})
		out = append(out, crawler.Form{Action: action, Method: method, Fields: fields})
	})
	return out
}

// bodyLines returns the visible body text split into non-empty lines.
// Script and style elements are dropped from the document first.
func bodyLines(doc *goquery.Document) []string {
	doc.Find("script, style, noscript, template").Remove()
	var out []string
	for _, line := range strings.Split(doc.Find("body").Text(), "\n") {
		if line = collapse(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// texts returns the collapsed, non-empty text of every element in sel.
func texts(sel *goquery.Selection) []string {
	out := []string{}
	sel.Each(func(_ int, s *goquery.Selection) {
		if text := collapse(s.Text()); text != "" {
			out = append(out, text)
		}
	})
	return out
}

// ownTexts is like texts but only counts text nodes that are direct children,
// so nested containers are not repeated for every ancestor.
func ownTexts(sel *goquery.Selection) []string {
	out := []string{}
	sel.Each(func(_ int, s *goquery.Selection) {
		var b strings.Builder
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			if goquery.NodeName(c) == "#text" {
				b.WriteString(c.Text())
				b.WriteByte(' ')
			}
		})
		if text := collapse(b.String()); text != "" {
			out = append(out, text)
		}
	})
	return out
}

func resolveHTTP(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	resolved, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	return resolved.String(), true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
