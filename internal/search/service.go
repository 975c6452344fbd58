package search

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  Searcher
	index  func(records []MessageRecord) error
	remove func(userID int64) error
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts Searcher) *Service {
	s := &Service{meili: meili, pgfts: pgfts}
	if meili != nil {
		s.index = meili.IndexMessages
		s.remove = meili.DeleteUserDocuments
	}
	return s
}

func (s *Service) primary() Searcher {
	if s.meili == nil {
		return nil
	}
	return s.meili
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if primary := s.primary(); primary != nil && primary.Healthy() {
		results, total, err := primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Warn().Err(err).Str("component", "search").Msg("meilisearch error, falling back to pgfts")
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Error().Err(err).Str("component", "search").Msg("pgfts error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) indexReady() bool {
	return s.index != nil && (s.meili == nil || s.meili.Healthy())
}

// IndexMessage indexes one message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(record MessageRecord) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index([]MessageRecord{record}); err != nil {
			log.Warn().Err(err).Str("component", "search").Str("doc", record.DocID).Msg("index message")
		}
	}()
}

// RemoveUser drops a deleted user's messages from the index (fire-and-forget).
func (s *Service) RemoveUser(userID int64) {
	if s.remove == nil || (s.meili != nil && !s.meili.Healthy()) {
		return
	}
	go func() {
		if err := s.remove(userID); err != nil {
			log.Warn().Err(err).Str("component", "search").Int64("user_id", userID).Msg("remove user documents")
		}
	}()
}

// ReindexAllFromPG pushes every stored message into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	loader, ok := s.pgfts.(*PgFTS)
	if !s.indexReady() || !ok {
		return
	}
	records, err := loader.LoadAllRecords(ctx)
	if err != nil {
		log.Error().Err(err).Str("component", "search").Msg("reindex load failed")
		return
	}
	if err := s.index(records); err != nil {
		log.Error().Err(err).Str("component", "search").Msg("reindex messages")
		return
	}
	log.Info().Str("component", "search").Int("records", len(records)).Msg("reindexed messages")
}

// Close stops background work.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
