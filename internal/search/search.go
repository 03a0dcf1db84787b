// Package search finds history changes by the text they added.
package search

import (
	"context"
	"strconv"
	"strings"
	"time"

	"contenthistory/internal/patch"
	"contenthistory/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	DiffID       int64     `json:"diffId"`
	ActionID     int64     `json:"actionId"`
	ConsumerType string    `json:"consumerType"`
	ConsumerID   int64     `json:"consumerId"`
	Field        string    `json:"field"`
	Version      int       `json:"version"`
	ActorName    string    `json:"actorName,omitempty"`
	Snippet      string    `json:"snippet"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Query describes a search request.
type Query struct {
	Text         string
	ConsumerType string // empty = all types
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search over history changes.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ChangeRecord is the data we index for one diff.
type ChangeRecord struct {
	ID           string `json:"id"`
	DiffID       int64  `json:"diffId"`
	ActionID     int64  `json:"actionId"`
	ConsumerType string `json:"consumerType"`
	ConsumerID   int64  `json:"consumerId"`
	Field        string `json:"field"`
	Version      int    `json:"version"`
	ActorName    string `json:"actorName"`
	Added        string `json:"added"`
	CreatedAt    int64  `json:"createdAt"`
}

// RecordFromDiff builds the index record of d. Only added lines are
// indexed; removed text is still findable at the version that added it.
func RecordFromDiff(d store.Diff, actorName string) ChangeRecord {
	return ChangeRecord{
		ID:           strconv.FormatInt(d.ID, 10),
		DiffID:       d.ID,
		ActionID:     d.ActionID,
		ConsumerType: d.Consumer.Type,
		ConsumerID:   d.Consumer.ID,
		Field:        d.Field,
		Version:      d.Version,
		ActorName:    actorName,
		Added:        patch.AddedText(d.Change),
		CreatedAt:    d.CreatedAt.Unix(),
	}
}

const snippetRadius = 60

// snippet cuts a window of text around the first match of needle.
func snippet(text, needle string) string {
	text = strings.TrimSpace(text)
	i := strings.Index(strings.ToLower(text), strings.ToLower(needle))
	if i < 0 {
		if len(text) > 2*snippetRadius {
			return strings.ToValidUTF8(text[:2*snippetRadius], "") + "…"
		}
		return text
	}
	start, end := i-snippetRadius, i+len(needle)+snippetRadius
	prefix, suffix := "…", "…"
	if start <= 0 {
		start, prefix = 0, ""
	}
	if end >= len(text) {
		end, suffix = len(text), ""
	}
	return prefix + strings.ToValidUTF8(text[start:end], "") + suffix
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
