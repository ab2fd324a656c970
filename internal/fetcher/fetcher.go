// Package fetcher handles feed downloading and parsing into entries.
package fetcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"rssbot/internal/model"
)

const (
	userAgent      = "rssbot/1.0 (+feed relay)"
	acceptHeader   = "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5"
	maxBodyBytes   = 5 * 1024 * 1024
	defaultTimeout = 15 * time.Second
	untitled       = "[no title]"
)

var (
	// ErrNetwork covers transport failures, timeouts and non-2xx responses.
	ErrNetwork = errors.New("network error")
	// ErrParse covers bodies that are not a recognizable RSS or Atom document.
	ErrParse = errors.New("parse error")
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses feeds.
type Fetcher struct {
	client  HTTPClient
	timeout time.Duration
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:  client,
		timeout: defaultTimeout,
	}
}

// SetTimeout overrides the per-request timeout.
func (f *Fetcher) SetTimeout(d time.Duration) {
	f.timeout = d
}

// Fetch downloads the feed at src.URL and returns its entries in feed order.
// A 304 response yields no entries.
func (f *Fetcher) Fetch(ctx context.Context, src model.FeedSource) ([]model.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %w", ErrNetwork, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http get: %w", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrNetwork, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	label := src.Label
	if label == "" {
		label = strings.TrimSpace(feed.Title)
	}
	if label == "" {
		label = src.URL
	}

	entries := make([]model.Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		entries = append(entries, ToEntry(item, label))
	}
	return entries, nil
}

// ToEntry normalizes a parsed item.
func ToEntry(item *gofeed.Item, label string) model.Entry {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = untitled
	}
	return model.Entry{
		ID:          ItemGUID(item),
		Title:       title,
		Link:        itemLink(item),
		PublishedAt: item.PublishedParsed,
		SourceLabel: label,
		Summary:     itemSummary(item),
	}
}

func itemSummary(item *gofeed.Item) string {
	if d := strings.TrimSpace(item.Description); d != "" {
		return d
	}
	return strings.TrimSpace(item.Content)
}

// ItemGUID returns a stable identifier for an item.
// The feed-provided GUID is used when present; otherwise a SHA-256 hash of
// link, title and publish time.
func ItemGUID(item *gofeed.Item) string {
	if guid := strings.TrimSpace(item.GUID); guid != "" {
		return guid
	}
	published := ""
	if item.PublishedParsed != nil {
		published = item.PublishedParsed.UTC().Format(time.RFC3339)
	}
	h := sha256.Sum256([]byte(strings.TrimSpace(itemLink(item)) + "|" + strings.TrimSpace(item.Title) + "|" + published))
	return fmt.Sprintf("sha256:%x", h[:16])
}

func itemLink(item *gofeed.Item) string {
	if link := strings.TrimSpace(item.Link); link != "" {
		return link
	}
	for _, l := range item.Links {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return ""
}
