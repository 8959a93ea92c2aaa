package memory

import (
	"context"
	"testing"

	"paperchat/internal/vectorstore"
)

func seed(t *testing.T) *Index {
	t.Helper()
	idx := New()
	err := idx.Upsert(context.Background(), []vectorstore.ChunkRecord{
		{DocumentID: 1, Page: 1, Text: "doc1 page1", Vector: []float32{1, 0}},
		{DocumentID: 1, Page: 2, Text: "doc1 page2", Vector: []float32{0.9, 0.1}},
		{DocumentID: 2, Page: 1, Text: "doc2 page1", Vector: []float32{1, 0}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return idx
}

func TestSearchScopedToDocument(t *testing.T) {
	idx := seed(t)

	hits, err := idx.Search(context.Background(), []float32{1, 0}, 10, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	for _, h := range hits {
		if h.DocumentID != 1 {
			t.Fatalf("hit from wrong document: %+v", h)
		}
	}
}

func TestSearchOrderAndLimit(t *testing.T) {
	idx := seed(t)

	hits, err := idx.Search(context.Background(), []float32{1, 0}, 1, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Page != 1 {
		t.Fatalf("expected best match page 1, got page %d", hits[0].Page)
	}
	if hits[0].Score <= 0.99 {
		t.Fatalf("expected near-perfect score, got %f", hits[0].Score)
	}
}

func TestUpsertReplacesExistingPage(t *testing.T) {
	idx := seed(t)

	err := idx.Upsert(context.Background(), []vectorstore.ChunkRecord{
		{DocumentID: 1, Page: 1, Text: "doc1 page1 revised", Vector: []float32{0, 1}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if idx.Len() != 3 {
		t.Fatalf("expected 3 records after replace, got %d", idx.Len())
	}

	hits, err := idx.Search(context.Background(), []float32{0, 1}, 1, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if hits[0].Text != "doc1 page1 revised" {
		t.Fatalf("expected revised text, got %q", hits[0].Text)
	}
}

func TestDeleteByDocument(t *testing.T) {
	idx := seed(t)

	if err := idx.DeleteByDocument(context.Background(), 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("expected doc2's record to survive, got %d records", idx.Len())
	}

	hits, err := idx.Search(context.Background(), []float32{1, 0}, 10, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits for deleted document, got %d", len(hits))
	}
}
