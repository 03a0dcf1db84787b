package search

import (
	"context"

	"github.com/rs/zerolog"
)

// Service is the facade that tries Meilisearch first and falls back to SQL.
type Service struct {
	meili    *Meili
	fallback *SQLSearcher
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback *SQLSearcher, log zerolog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log.With().Str("component", "search").Logger()}
}

// Search tries Meilisearch if healthy, otherwise falls back to SQL.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to sql")
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("sql search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: "sql"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "sql"}
}

// IndexChanges pushes records to Meilisearch without waiting.
func (s *Service) IndexChanges(records []ChangeRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexChanges(records); err != nil {
			s.log.Warn().Err(err).Int("records", len(records)).Msg("index changes")
		}
	}()
}

// ReindexAll pushes every stored diff to Meilisearch. Called at startup
// when Meilisearch is healthy.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.fallback == nil {
		return
	}
	records, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	const batch = 1000
	for start := 0; start < len(records); start += batch {
		end := min(start+batch, len(records))
		if err := s.meili.IndexChanges(records[start:end]); err != nil {
			s.log.Error().Err(err).Msg("reindex changes")
			return
		}
	}
	s.log.Info().Int("records", len(records)).Msg("search index rebuilt")
}
