package search

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"collabwiki/api/internal/store"
)

type fakeIndexer struct {
	mu      sync.Mutex
	pages   []PageRecord
	deleted []string
	healthy bool
}

func (f *fakeIndexer) IndexPage(page PageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, page)
	return nil
}

func (f *fakeIndexer) DeletePage(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndexer) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func TestExtractText(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"flat blocks", `[{"id":"b1","text":"Hello"},{"id":"b2","text":" world "}]`, "Hello world"},
		{"nested content", `[{"type":"list","children":[{"content":"one"},{"content":"two"}]}]`, "one two"},
		{"block data", `[{"id":"b1","data":{"text":"inside"}}]`, "inside"},
		{"not json", `nope`, ""},
		{"empty", `[]`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractText(json.RawMessage(tc.content)); got != tc.want {
				t.Fatalf("ExtractText() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestServiceIndexesSavedPages(t *testing.T) {
	indexer := &fakeIndexer{healthy: true}
	svc := NewService(indexer, 4)
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }

	svc.PageSaved("page-1", store.Snapshot{Content: json.RawMessage(`[{"text":"a"},{"text":"b"}]`)}, "user-1")
	svc.Close()

	if len(indexer.pages) != 1 {
		t.Fatalf("expected one indexed page, got %d", len(indexer.pages))
	}
	page := indexer.pages[0]
	if page.ID != "page-1" || page.Text != "a b" || page.BlockCount != 2 || page.UpdatedBy != "user-1" || page.UpdatedAt != 1700000000 {
		t.Fatalf("unexpected record %+v", page)
	}
}

func TestServiceSkipsWhenUnhealthyOrDisabled(t *testing.T) {
	indexer := &fakeIndexer{healthy: false}
	svc := NewService(indexer, 4)
	svc.Enqueue(PageRecord{ID: "page-1"})
	svc.Close()
	if len(indexer.pages) != 0 {
		t.Fatalf("expected nothing indexed while unhealthy, got %d", len(indexer.pages))
	}

	disabled := NewService(nil, 0)
	if disabled.Enqueue(PageRecord{ID: "x"}) {
		t.Fatal("expected disabled service to refuse records")
	}
	disabled.Close()
}

func TestServiceDropsEmptiedPages(t *testing.T) {
	indexer := &fakeIndexer{healthy: true}
	svc := NewService(indexer, 4)

	svc.PageSaved("page-1", store.Snapshot{Content: json.RawMessage(`[]`)}, "user-1")
	svc.Close()

	if len(indexer.pages) != 0 {
		t.Fatalf("expected nothing indexed, got %+v", indexer.pages)
	}
	if len(indexer.deleted) != 1 || indexer.deleted[0] != "page-1" {
		t.Fatalf("expected page-1 to be removed from the index, got %v", indexer.deleted)
	}
}
