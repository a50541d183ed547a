package search

import (
	"encoding/json"
	"strings"
	"time"
)

// PageRecord is the data we index for a page.
type PageRecord struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	BlockCount int    `json:"blockCount"`
	UpdatedBy  string `json:"updatedBy"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Indexer can push pages into a search index.
type Indexer interface {
	IndexPage(page PageRecord) error
	DeletePage(id string) error
	Healthy() bool
}

// NewPageRecord builds the index record of a saved block list.
func NewPageRecord(pageID string, content json.RawMessage, updatedBy string, updatedAt time.Time) PageRecord {
	var blocks []json.RawMessage
	_ = json.Unmarshal(content, &blocks)
	return PageRecord{
		ID:         pageID,
		Text:       ExtractText(content),
		BlockCount: len(blocks),
		UpdatedBy:  updatedBy,
		UpdatedAt:  updatedAt.Unix(),
	}
}

// ExtractText collects the "text" and "content" strings of a block tree, in
// document order, separated by single spaces.
func ExtractText(content json.RawMessage) string {
	var root any
	if err := json.Unmarshal(content, &root); err != nil {
		return ""
	}
	var parts []string
	collectText(root, &parts)
	return strings.Join(parts, " ")
}

func collectText(node any, parts *[]string) {
	switch value := node.(type) {
	case []any:
		for _, child := range value {
			collectText(child, parts)
		}
	case map[string]any:
		for _, key := range []string{"text", "content"} {
			if text, ok := value[key].(string); ok && strings.TrimSpace(text) != "" {
				*parts = append(*parts, strings.TrimSpace(text))
			}
		}
		for _, key := range []string{"content", "children", "data"} {
			switch child := value[key].(type) {
			case []any, map[string]any:
				collectText(child, parts)
			}
		}
	}
}
