package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"paperchat/internal/vectorstore"
)

// Index is an in-memory vector index with cosine similarity. It backs tests
// and single-process deployments without a Qdrant instance.
type Index struct {
	mu      sync.RWMutex
	records []vectorstore.ChunkRecord
}

func New() *Index {
	return &Index{}
}

func (s *Index) Upsert(_ context.Context, records []vectorstore.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		replaced := false
		for i := range s.records {
			if s.records[i].DocumentID == rec.DocumentID && s.records[i].Page == rec.Page {
				s.records[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			s.records = append(s.records, rec)
		}
	}
	return nil
}

func (s *Index) Search(_ context.Context, vector []float32, k int, documentID uint) ([]vectorstore.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var scored []vectorstore.ScoredChunk
	for _, rec := range s.records {
		if rec.DocumentID != documentID {
			continue
		}
		scored = append(scored, vectorstore.ScoredChunk{
			DocumentID: rec.DocumentID,
			Page:       rec.Page,
			Text:       rec.Text,
			Score:      cosineSimilarity(vector, rec.Vector),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if k < len(scored) {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *Index) DeleteByDocument(_ context.Context, documentID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	for _, rec := range s.records {
		if rec.DocumentID != documentID {
			kept = append(kept, rec)
		}
	}
	s.records = kept
	return nil
}

// Len reports the number of stored records.
func (s *Index) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA <= 0 || normB <= 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
