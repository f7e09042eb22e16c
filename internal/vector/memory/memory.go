// Package memory is an in-process vector index using brute-force cosine similarity.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/northoaks/contract-ai/backend/internal/vector"
)

type entry struct {
	rec vector.Record
	id  string
}

type Index struct {
	mu        sync.RWMutex
	dimension int
	entries   map[string]entry
}

func New(dimension int) *Index {
	return &Index{dimension: dimension, entries: make(map[string]entry)}
}

func (s *Index) EnsureCollection(context.Context) error { return nil }

func (s *Index) Upsert(_ context.Context, rec vector.Record) (string, error) {
	if err := vector.CheckDimension(rec.Vector, s.dimension); err != nil {
		return "", err
	}

	rec.Vector = slices.Clone(rec.Vector)
	id := uuid.NewString()

	s.mu.Lock()
	s.entries[id] = entry{rec: rec, id: id}
	s.mu.Unlock()
	return id, nil
}

func (s *Index) Search(_ context.Context, query []float32, opts vector.SearchOptions) ([]vector.SearchResult, error) {
	if err := vector.CheckDimension(query, s.dimension); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]vector.SearchResult, 0, len(s.entries))
	for _, e := range s.entries {
		if len(opts.DocumentIDs) > 0 && !slices.Contains(opts.DocumentIDs, e.rec.DocumentID) {
			continue
		}
		results = append(results, vector.SearchResult{
			PointID:    e.id,
			Score:      vector.CosineSimilarity(query, e.rec.Vector),
			DocumentID: e.rec.DocumentID,
			ChunkIndex: e.rec.ChunkIndex,
			Text:       e.rec.Text,
		})
	}
	return vector.Rank(results, opts.ScoreThreshold, opts.Limit), nil
}

func (s *Index) DeleteByDocument(_ context.Context, documentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.rec.DocumentID == documentID {
			delete(s.entries, id)
		}
	}
	return nil
}

// Count returns the number of stored vectors for a document.
func (s *Index) Count(documentID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.rec.DocumentID == documentID {
			n++
		}
	}
	return n
}

func (s *Index) Close() error { return nil }
