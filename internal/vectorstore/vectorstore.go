package vectorstore

import "context"

// ChunkRecord is one indexed unit of document text: its embedding plus the
// metadata needed to scope retrieval to a single document.
type ChunkRecord struct {
	DocumentID uint
	Page       int
	Text       string
	Vector     []float32
}

// ScoredChunk is a retrieval hit.
type ScoredChunk struct {
	DocumentID uint
	Page       int
	Text       string
	Score      float32
}

// Index persists chunk embeddings and supports nearest-neighbor search
// scoped to one document.
type Index interface {
	Upsert(ctx context.Context, records []ChunkRecord) error
	Search(ctx context.Context, vector []float32, k int, documentID uint) ([]ScoredChunk, error)
	DeleteByDocument(ctx context.Context, documentID uint) error
}
