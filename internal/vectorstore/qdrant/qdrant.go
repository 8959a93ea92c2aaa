package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"paperchat/internal/vectorstore"
)

// Index is a minimal REST client to Qdrant. It assumes cosine distance and
// creates the collection if missing.
type Index struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

func New(cfg Config) *Index {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Index{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
}

// EnsureCollection creates the collection if it does not exist. Qdrant
// returns 200 for an existing collection with the same schema.
func (s *Index) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	return s.putJSON(ctx, fmt.Sprintf("%s/collections/%s", s.url, s.collection), body)
}

func (s *Index) Upsert(ctx context.Context, records []vectorstore.ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]map[string]any, len(records))
	for i, rec := range records {
		// Qdrant point ids must be unsigned integers or UUIDs. Packing
		// document and page into one uint64 keeps upserts idempotent.
		points[i] = map[string]any{
			"id":     uint64(rec.DocumentID)<<32 | uint64(uint32(rec.Page)),
			"vector": rec.Vector,
			"payload": map[string]any{
				"document_id": rec.DocumentID,
				"page":        rec.Page,
				"text":        rec.Text,
			},
		}
	}
	body := map[string]any{"points": points}
	return s.putJSON(ctx, fmt.Sprintf("%s/collections/%s/points?wait=true", s.url, s.collection), body)
}

func (s *Index) Search(ctx context.Context, vector []float32, k int, documentID uint) ([]vectorstore.ScoredChunk, error) {
	if k <= 0 {
		k = 4
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
		"filter":       documentFilter(documentID),
	}
	var resp struct {
		Result []struct {
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/search", s.url, s.collection), req, &resp); err != nil {
		return nil, err
	}
	results := make([]vectorstore.ScoredChunk, 0, len(resp.Result))
	for _, r := range resp.Result {
		chunk := vectorstore.ScoredChunk{Score: r.Score}
		if v, ok := r.Payload["document_id"].(float64); ok {
			chunk.DocumentID = uint(v)
		}
		if v, ok := r.Payload["page"].(float64); ok {
			chunk.Page = int(v)
		}
		if v, ok := r.Payload["text"].(string); ok {
			chunk.Text = v
		}
		results = append(results, chunk)
	}
	return results, nil
}

func (s *Index) DeleteByDocument(ctx context.Context, documentID uint) error {
	body := map[string]any{"filter": documentFilter(documentID)}
	return s.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/delete?wait=true", s.url, s.collection), body, nil)
}

// Ping verifies the Qdrant endpoint is reachable.
func (s *Index) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/collections", s.url), nil)
	if err != nil {
		return err
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant ping failed: %s", resp.Status)
	}
	return nil
}

func documentFilter(documentID uint) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{
				"key":   "document_id",
				"match": map[string]any{"value": documentID},
			},
		},
	}
}

func (s *Index) putJSON(ctx context.Context, url string, body any) error {
	data, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant PUT %s failed: %s", url, resp.Status)
	}
	return nil
}

func (s *Index) postJSON(ctx context.Context, url string, body any, out any) error {
	data, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant POST %s failed: %s", url, resp.Status)
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		return dec.Decode(out)
	}
	return nil
}
