package search

import (
	"context"
	"fmt"

	"contenthistory/internal/patch"
	"contenthistory/internal/store"
)

// SQLSearcher implements Searcher with a LIKE scan of stored patches. It
// is the fallback when Meilisearch is not configured or unhealthy.
type SQLSearcher struct {
	store *store.SQLStore
}

func NewSQLSearcher(s *store.SQLStore) *SQLSearcher {
	return &SQLSearcher{store: s}
}

// Healthy always returns true; if the database is down the whole app is down.
func (s *SQLSearcher) Healthy() bool {
	return true
}

func (s *SQLSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	matches, total, err := s.store.SearchDiffs(ctx, q.Text, q.ConsumerType, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("sql search: %w", err)
	}
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{
			DiffID:       m.Diff.ID,
			ActionID:     m.Diff.ActionID,
			ConsumerType: m.Diff.Consumer.Type,
			ConsumerID:   m.Diff.Consumer.ID,
			Field:        m.Diff.Field,
			Version:      m.Diff.Version,
			ActorName:    m.ActorName,
			Snippet:      snippet(patch.AddedText(m.Diff.Change), q.Text),
			CreatedAt:    m.Diff.CreatedAt,
		})
	}
	return results, total, nil
}

// LoadAllRecords returns every diff as an index record.
func (s *SQLSearcher) LoadAllRecords(ctx context.Context) ([]ChangeRecord, error) {
	var (
		records []ChangeRecord
		after   int64
	)
	for {
		page, err := s.store.ListDiffMatches(ctx, after, 500)
		if err != nil {
			return nil, fmt.Errorf("load records: %w", err)
		}
		for _, m := range page {
			records = append(records, RecordFromDiff(m.Diff, m.ActorName))
			after = m.Diff.ID
		}
		if len(page) < 500 {
			return records, nil
		}
	}
}
