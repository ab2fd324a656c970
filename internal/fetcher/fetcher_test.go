package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"

	"rssbot/internal/model"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
	lastReq    *http.Request
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

type blockingTransport struct{}

func (blockingTransport) Do(req *http.Request) (*http.Response, error) {
	<-req.Context().Done()
	return nil, req.Context().Err()
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func TestFetch(t *testing.T) {
	rss := loadFixture(t, "../../testdata/sample.xml")
	atom := loadFixture(t, "../../testdata/atom.xml")

	tests := []struct {
		name      string
		transport *mockTransport
		src       model.FeedSource
		wantIDs   []string
		wantLabel string
		wantErr   error
	}{
		{
			name:      "rss keeps feed order",
			transport: &mockTransport{body: rss, statusCode: 200},
			src:       model.FeedSource{URL: "https://devops.example.com/rss"},
			wantIDs:   []string{"item-5", "item-4", "item-3", "item-2", "item-1"},
			wantLabel: "DevOps Weekly",
		},
		{
			name:      "atom detected from content",
			transport: &mockTransport{body: atom, statusCode: 200},
			src:       model.FeedSource{URL: "https://releases.example.com/atom"},
			wantIDs:   []string{"urn:example:releases:2", "urn:example:releases:1"},
			wantLabel: "Release Notes",
		},
		{
			name:      "configured label wins over feed title",
			transport: &mockTransport{body: rss, statusCode: 200},
			src:       model.FeedSource{Label: "ops", URL: "https://devops.example.com/rss"},
			wantIDs:   []string{"item-5", "item-4", "item-3", "item-2", "item-1"},
			wantLabel: "ops",
		},
		{
			name:      "not modified yields nothing",
			transport: &mockTransport{statusCode: http.StatusNotModified},
			src:       model.FeedSource{URL: "https://example.com/rss"},
			wantIDs:   []string{},
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			src:       model.FeedSource{URL: "https://example.com/rss"},
			wantErr:   ErrNetwork,
		},
		{
			name:      "server error status",
			transport: &mockTransport{body: "oops", statusCode: 503},
			src:       model.FeedSource{URL: "https://example.com/rss"},
			wantErr:   ErrNetwork,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			src:       model.FeedSource{URL: "https://example.com/rss"},
			wantErr:   ErrNetwork,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			src:       model.FeedSource{URL: "https://example.com/rss"},
			wantErr:   ErrParse,
		},
		{
			name:      "unrecognized root element",
			transport: &mockTransport{body: "<html><body>hello</body></html>", statusCode: 200},
			src:       model.FeedSource{URL: "https://example.com/rss"},
			wantErr:   ErrParse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.transport)
			entries, err := f.Fetch(context.Background(), tt.src)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			gotIDs := []string{}
			for _, e := range entries {
				gotIDs = append(gotIDs, e.ID)
				if diff := cmp.Diff(tt.wantLabel, e.SourceLabel); diff != "" {
					t.Errorf("label mismatch (-want +got):\n%s", diff)
				}
			}
			if diff := cmp.Diff(tt.wantIDs, gotIDs); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFetchSetsHeaders(t *testing.T) {
	tr := &mockTransport{body: loadFixture(t, "../../testdata/sample.xml"), statusCode: 200}
	if _, err := New(tr).Fetch(context.Background(), model.FeedSource{URL: "https://example.com/rss"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := tr.lastReq.Header.Get("User-Agent"); got == "" {
		t.Error("expected User-Agent header")
	}
	if got := tr.lastReq.Header.Get("Accept"); !strings.Contains(got, "application/atom+xml") {
		t.Errorf("unexpected Accept header %q", got)
	}
}

func TestFetchTimeout(t *testing.T) {
	f := New(blockingTransport{})
	f.SetTimeout(20 * time.Millisecond)

	start := time.Now()
	_, err := f.Fetch(context.Background(), model.FeedSource{URL: "https://slow.example.com/rss"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("fetch took %v, timeout not applied", elapsed)
	}
}

func TestFetchNormalizesEntries(t *testing.T) {
	f := New(&mockTransport{body: loadFixture(t, "../../testdata/atom.xml"), statusCode: 200})
	entries, err := f.Fetch(context.Background(), model.FeedSource{URL: "https://releases.example.com/atom"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	published := time.Date(2025, 2, 2, 10, 0, 0, 0, time.UTC)
	want := model.Entry{
		ID:          "urn:example:releases:2",
		Title:       "v2.0.0",
		Link:        "https://releases.example.com/v2",
		PublishedAt: &published,
		SourceLabel: "Release Notes",
		Summary:     "Major release with breaking changes",
	}
	if diff := cmp.Diff(want, entries[0]); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("[no title]", entries[1].Title); diff != "" {
		t.Errorf("untitled fallback mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchWithoutGUIDIsStable(t *testing.T) {
	body := loadFixture(t, "../../testdata/noguid.xml")
	src := model.FeedSource{URL: "https://blog.example.com/rss"}

	first, err := New(&mockTransport{body: body, statusCode: 200}).Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := New(&mockTransport{body: body, statusCode: 200}).Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("entries differ between fetches (-first +second):\n%s", diff)
	}
	if first[0].ID == first[1].ID {
		t.Errorf("distinct items share id %q", first[0].ID)
	}
}

func TestItemGUID(t *testing.T) {
	published := time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		item     *gofeed.Item
		wantGUID string
		hasHash  bool
	}{
		{
			name:     "with guid",
			item:     &gofeed.Item{GUID: "abc-123"},
			wantGUID: "abc-123",
		},
		{
			name:     "guid is trimmed",
			item:     &gofeed.Item{GUID: "  abc-123\n"},
			wantGUID: "abc-123",
		},
		{
			name:    "without guid generates hash",
			item:    &gofeed.Item{Title: "Post Without GUID", Link: "https://example.com/post-1"},
			hasHash: true,
		},
		{
			name:    "hash from links slice and publish time",
			item:    &gofeed.Item{Title: "Post", Links: []string{"https://example.com/p"}, PublishedParsed: &published},
			hasHash: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ItemGUID(tt.item)
			if tt.hasHash {
				if !strings.HasPrefix(got, "sha256:") {
					t.Errorf("expected sha256 prefix, got %q", got)
				}
				if again := ItemGUID(tt.item); again != got {
					t.Errorf("hash not deterministic: %q vs %q", got, again)
				}
				return
			}
			if diff := cmp.Diff(tt.wantGUID, got); diff != "" {
				t.Errorf("GUID mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestItemGUIDDependsOnPublishTime(t *testing.T) {
	a := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(time.Hour)

	first := ItemGUID(&gofeed.Item{Title: "Same", Link: "https://example.com/x", PublishedParsed: &a})
	second := ItemGUID(&gofeed.Item{Title: "Same", Link: "https://example.com/x", PublishedParsed: &b})
	if first == second {
		t.Error("expected different ids for different publish times")
	}
}
