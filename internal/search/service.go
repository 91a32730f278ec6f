package search

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"reflectai/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts Searcher
	log   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts Searcher, log *zap.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log.Named("search")}
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q = q.normalized()
	empty := Response{Results: []Result{}, Total: 0, Query: q.Text}
	if strings.TrimSpace(q.Text) == "" || len(q.LibraryIDs) == 0 {
		return empty
	}

	if s.meiliReady() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.pgfts == nil {
		return empty
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.log.Error("pgfts error", zap.Error(err))
		return empty
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "postgres"}
}

// IndexLibrary indexes a library (fire-and-forget to Meilisearch).
func (s *Service) IndexLibrary(lib store.Library) {
	if !s.meiliReady() {
		return
	}
	record := LibraryRecordFrom(lib)
	go func() {
		if err := s.meili.IndexLibraries([]LibraryRecord{record}); err != nil {
			s.log.Warn("index library", zap.String("library_id", record.ID), zap.Error(err))
		}
	}()
}

// IndexEntry indexes a content item (fire-and-forget to Meilisearch).
func (s *Service) IndexEntry(item store.ContentItem) {
	if !s.meiliReady() {
		return
	}
	record := EntryRecordFrom(item)
	go func() {
		if err := s.meili.IndexEntries([]EntryRecord{record}); err != nil {
			s.log.Warn("index entry", zap.String("content_id", record.ID), zap.Error(err))
		}
	}()
}

// Remove drops libraries and entries from the index (fire-and-forget).
func (s *Service) Remove(libraryIDs, contentIDs []string) {
	if !s.meiliReady() || (len(libraryIDs) == 0 && len(contentIDs) == 0) {
		return
	}
	go func() {
		if err := s.meili.Delete(libraryIDs, contentIDs); err != nil {
			s.log.Warn("remove from index", zap.Int("libraries", len(libraryIDs)), zap.Int("entries", len(contentIDs)), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context, loader RecordLoader) {
	if !s.meiliReady() || loader == nil {
		return
	}
	libraries, entries, err := loader.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexLibraries(libraries); err != nil {
		s.log.Error("reindex libraries", zap.Error(err))
	}
	if err := s.meili.IndexEntries(entries); err != nil {
		s.log.Error("reindex entries", zap.Error(err))
	}
	s.log.Info("search reindex complete", zap.Int("libraries", len(libraries)), zap.Int("entries", len(entries)))
}

// RecordLoader produces every searchable record.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]LibraryRecord, []EntryRecord, error)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
