// Package fetch downloads a primary-source web page and reduces it to
// readable text for use as research context.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/rendis/agentflow/pkg/schema"
)

// Failure markers. Content that carries either is unusable as context.
const (
	MarkerDownloadFailed = "Download failed"
	MarkerNoText         = "No extractable text"
)

const (
	defaultUserAgent = "Mozilla/5.0 (AgentFlow/0.1)"
	defaultMaxBody   = 2 * 1024 * 1024
	defaultMaxChars  = 8000
)

var whitespace = regexp.MustCompile(`\s+`)

// Document is the readable content of one fetched page.
type Document struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Heading     string `json:"heading,omitempty"`
	Text        string `json:"text"`
}

// Content renders the document as the text block handed to an executor.
func (d *Document) Content() string {
	title := d.Title
	if title == "" {
		title = d.URL
	}
	return fmt.Sprintf("TITLE: %s\nURL: %s\nCONTENT: %s", title, d.URL, d.Text)
}

// Fetcher retrieves a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Document, error)
}

// Config configures an HTTPFetcher.
type Config struct {
	UserAgent       string
	MaxResponseBody int64
	MaxChars        int
	Client          *http.Client
}

// HTTPFetcher fetches pages over HTTP and extracts their text with goquery.
type HTTPFetcher struct {
	config Config
}

// NewHTTPFetcher creates a fetcher. The caller bounds each fetch through ctx.
func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxBody
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTPFetcher{config: cfg}
}

// Fetch downloads url and extracts its readable text. Download problems are
// reported with the "Download failed" marker, empty pages with
// "No extractable text".
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid url %q", MarkerDownloadFailed, url).WithCause(err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := f.config.Client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "%s: timed out fetching %s", MarkerDownloadFailed, url).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "%s: %v", MarkerDownloadFailed, err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: %s returned %d", MarkerDownloadFailed, url, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, f.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: unreadable body from %s", MarkerDownloadFailed, url).WithCause(err)
	}

	page := extract(doc)
	if page.Text == "" {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s at %s", MarkerNoText, url)
	}
	if runes := []rune(page.Text); len(runes) > f.config.MaxChars {
		page.Text = string(runes[:f.config.MaxChars])
	}

	page.URL = url
	page.StatusCode = resp.StatusCode
	return page, nil
}

// extract returns the page title, meta description, first heading and the
// collapsed text of its main content. The meta description is prepended so
// sparse landing pages still yield text.
func extract(doc *goquery.Document) *Document {
	page := &Document{
		Title:   collapse(doc.Find("title").First().Text()),
		Heading: collapse(doc.Find("h1").First().Text()),
	}

	doc.Find("script, style, noscript, template, svg, iframe, nav, footer, form").Remove()

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	page.Text = collapse(root.Text())

	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		page.Description = collapse(desc)
		if page.Description != "" && !strings.Contains(page.Text, page.Description) {
			page.Text = strings.TrimSpace(page.Description + " " + page.Text)
		}
	}
	return page
}

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// Usable reports whether content fetched for a step can be used as context:
// it must be non-empty and carry neither failure marker.
func Usable(content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	return !strings.Contains(content, MarkerDownloadFailed) && !strings.Contains(content, MarkerNoText)
}

var _ Fetcher = (*HTTPFetcher)(nil)
