package app

import (
	"context"
	"errors"
	"log"
	"strings"

	"paperchat/internal/model"
	"paperchat/internal/pkg/pdfextract"
	"paperchat/internal/vectorstore"
)

const defaultEmbeddingBatchSize = 10 // embedding APIs often limit batch size

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrIngestEnqueue    = errors.New("ingest enqueue failed")
)

// DocumentStore is the document persistence surface the services depend on.
type DocumentStore interface {
	Create(doc *model.Document) error
	GetByStorageKey(storageKey string) (*model.Document, error)
	GetByID(id uint) (*model.Document, error)
	GetByIDAndUserID(id, userID uint) (*model.Document, error)
	ListByUserID(userID uint) ([]model.Document, error)
	UpdateStatus(id uint, status model.DocumentStatus) error
	SetPageCount(id uint, pages int) error
	DeleteByIDAndUserID(id, userID uint) error
}

// ObjectFetcher downloads uploaded files from object storage by storage key.
type ObjectFetcher interface {
	Fetch(ctx context.Context, storageKey string) ([]byte, error)
}

// Embedder converts text into fixed-dimension vectors. The same model must
// serve ingestion and query time.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// IngestQueue hands a document off to the background ingest worker.
type IngestQueue interface {
	Publish(ctx context.Context, documentID uint) error
}

// PlanResolver answers which limits apply to a user.
type PlanResolver interface {
	Resolve(userID uint) (Plan, error)
}

// IngestService owns the document lifecycle: accepting upload-completion
// notifications, fetching and indexing PDF content, and removing documents
// together with their vectors and messages.
type IngestService struct {
	docs     DocumentStore
	messages MessageStore
	fetcher  ObjectFetcher
	embedder Embedder
	index    vectorstore.Index
	plans    PlanResolver
	queue    IngestQueue
	history  HistoryCache

	extractPages func(data []byte) ([]string, error)
	batchSize    int
}

func NewIngestService(
	docs DocumentStore,
	messages MessageStore,
	fetcher ObjectFetcher,
	embedder Embedder,
	index vectorstore.Index,
	plans PlanResolver,
	queue IngestQueue,
	history HistoryCache,
	batchSize int,
) *IngestService {
	if batchSize <= 0 {
		batchSize = defaultEmbeddingBatchSize
	}
	return &IngestService{
		docs:         docs,
		messages:     messages,
		fetcher:      fetcher,
		embedder:     embedder,
		index:        index,
		plans:        plans,
		queue:        queue,
		history:      history,
		extractPages: pdfextract.ExtractPages,
		batchSize:    batchSize,
	}
}

// UploadCompleteInput mirrors the upload-completion webhook payload.
type UploadCompleteInput struct {
	UserID     uint
	StorageKey string
	FileName   string
	URL        string
}

// HandleUploadComplete registers an uploaded file and enqueues it for
// background processing. Duplicate notifications for the same storage key
// return the existing document without side effects.
func (s *IngestService) HandleUploadComplete(ctx context.Context, input UploadCompleteInput) (*model.Document, error) {
	storageKey := strings.TrimSpace(input.StorageKey)
	if input.UserID == 0 || storageKey == "" {
		return nil, ErrInvalidInput
	}

	existing, err := s.docs.GetByStorageKey(storageKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	name := strings.TrimSpace(input.FileName)
	if name == "" {
		name = storageKey
	}
	url := strings.TrimSpace(input.URL)
	if url == "" {
		return nil, ErrInvalidInput
	}

	doc := &model.Document{
		UserID:     input.UserID,
		StorageKey: storageKey,
		Name:       name,
		URL:        url,
		Status:     model.StatusPending,
	}
	if err := s.docs.Create(doc); err != nil {
		// Concurrent duplicate notifications can race past the lookup and
		// collide on the storage_key unique index. The loser returns the
		// winner's record instead of surfacing the constraint error.
		if dup, readErr := s.docs.GetByStorageKey(storageKey); readErr == nil && dup != nil {
			return dup, nil
		}
		return nil, err
	}

	if err := s.queue.Publish(ctx, doc.ID); err != nil {
		log.Printf("enqueue ingest for document %d failed: %v", doc.ID, err)
		if updateErr := s.docs.UpdateStatus(doc.ID, model.StatusFailed); updateErr != nil {
			log.Printf("mark document %d failed: %v", doc.ID, updateErr)
		}
		return nil, ErrIngestEnqueue
	}
	return doc, nil
}

// Process runs the ingest pipeline for one document: fetch, split into
// page-level units, enforce the plan's page ceiling, embed and index. Any
// pipeline failure marks the document FAILED and is logged; it is never
// raised past the ingestion boundary. The returned error covers only
// document bookkeeping failures, so the worker can decide to requeue.
func (s *IngestService) Process(ctx context.Context, documentID uint) error {
	doc, err := s.docs.GetByID(documentID)
	if err != nil {
		return err
	}
	if doc == nil {
		log.Printf("ingest: document %d no longer exists", documentID)
		return nil
	}
	if doc.Status.Terminal() {
		return nil
	}
	if err := s.docs.UpdateStatus(doc.ID, model.StatusProcessing); err != nil {
		return err
	}

	data, err := s.fetcher.Fetch(ctx, doc.StorageKey)
	if err != nil {
		return s.pipelineFail(ctx, doc.ID, "fetch", err)
	}

	pages, err := s.extractPages(data)
	if err != nil {
		return s.pipelineFail(ctx, doc.ID, "extract", err)
	}
	if err := s.docs.SetPageCount(doc.ID, len(pages)); err != nil {
		log.Printf("ingest document %d: record page count failed: %v", doc.ID, err)
	}

	plan, err := s.plans.Resolve(doc.UserID)
	if err != nil {
		return s.pipelineFail(ctx, doc.ID, "resolve plan", err)
	}
	// Quota breach halts ingestion before anything reaches the index.
	if len(pages) > plan.PagesPerDocument {
		log.Printf("ingest document %d: %d pages exceeds %s plan limit of %d",
			doc.ID, len(pages), plan.Name, plan.PagesPerDocument)
		if err := s.docs.UpdateStatus(doc.ID, model.StatusFailed); err != nil {
			return err
		}
		return nil
	}

	records, err := s.embedPages(ctx, doc.ID, pages)
	if err != nil {
		return s.pipelineFail(ctx, doc.ID, "embed", err)
	}
	if err := s.index.Upsert(ctx, records); err != nil {
		return s.pipelineFail(ctx, doc.ID, "index", err)
	}

	return s.docs.UpdateStatus(doc.ID, model.StatusSuccess)
}

// embedPages embeds every non-empty page in batches and tags each resulting
// record with the document identity. A failure in any batch aborts the whole
// document.
func (s *IngestService) embedPages(ctx context.Context, documentID uint, pages []string) ([]vectorstore.ChunkRecord, error) {
	type unit struct {
		page int
		text string
	}
	var units []unit
	for i, text := range pages {
		if strings.TrimSpace(text) == "" {
			continue
		}
		units = append(units, unit{page: i + 1, text: text})
	}

	records := make([]vectorstore.ChunkRecord, 0, len(units))
	for start := 0; start < len(units); start += s.batchSize {
		end := start + s.batchSize
		if end > len(units) {
			end = len(units)
		}
		batch := units[start:end]

		texts := make([]string, len(batch))
		for i, u := range batch {
			texts[i] = u.text
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(batch) {
			return nil, errors.New("embedding count mismatch")
		}
		for i, u := range batch {
			records = append(records, vectorstore.ChunkRecord{
				DocumentID: documentID,
				Page:       u.page,
				Text:       u.text,
				Vector:     vectors[i],
			})
		}
	}
	return records, nil
}

func (s *IngestService) ListDocuments(userID uint) ([]model.Document, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.docs.ListByUserID(userID)
}

func (s *IngestService) GetDocument(userID, documentID uint) (*model.Document, error) {
	if userID == 0 || documentID == 0 {
		return nil, ErrInvalidInput
	}
	doc, err := s.docs.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// DeleteDocument removes the document together with its messages and vector
// records.
func (s *IngestService) DeleteDocument(ctx context.Context, userID, documentID uint) error {
	if userID == 0 || documentID == 0 {
		return ErrInvalidInput
	}
	doc, err := s.docs.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}

	if err := s.messages.DeleteByDocumentID(doc.ID); err != nil {
		return err
	}
	if err := s.index.DeleteByDocument(ctx, doc.ID); err != nil {
		return err
	}
	if err := s.docs.DeleteByIDAndUserID(doc.ID, userID); err != nil {
		return err
	}
	if s.history != nil {
		_ = s.history.DeleteHistory(ctx, doc.ID)
	}
	return nil
}

// pipelineFail decides what a pipeline error means for the document. Errors
// caused by the worker shutting down mid-job must not finalize the document:
// the error is returned so the delivery is requeued and the document stays
// PROCESSING for the next run. Everything else marks it FAILED.
func (s *IngestService) pipelineFail(ctx context.Context, documentID uint, step string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	s.fail(documentID, step, err)
	return nil
}

func (s *IngestService) fail(documentID uint, step string, err error) {
	log.Printf("ingest document %d: %s failed: %v", documentID, step, err)
	if updateErr := s.docs.UpdateStatus(documentID, model.StatusFailed); updateErr != nil {
		log.Printf("mark document %d failed: %v", documentID, updateErr)
	}
}
