package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"paperchat/internal/model"
	"paperchat/internal/vectorstore/memory"
)

type fakeDocStore struct {
	nextID uint
	docs   map[uint]*model.Document

	createErr      error
	missNextLookup bool
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: map[uint]*model.Document{}}
}

func (s *fakeDocStore) Create(doc *model.Document) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.nextID++
	doc.ID = s.nextID
	copied := *doc
	s.docs[doc.ID] = &copied
	return nil
}

func (s *fakeDocStore) GetByStorageKey(storageKey string) (*model.Document, error) {
	if s.missNextLookup {
		s.missNextLookup = false
		return nil, nil
	}
	for _, doc := range s.docs {
		if doc.StorageKey == storageKey {
			copied := *doc
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeDocStore) GetByID(id uint) (*model.Document, error) {
	doc, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	copied := *doc
	return &copied, nil
}

func (s *fakeDocStore) GetByIDAndUserID(id, userID uint) (*model.Document, error) {
	doc, ok := s.docs[id]
	if !ok || doc.UserID != userID {
		return nil, nil
	}
	copied := *doc
	return &copied, nil
}

func (s *fakeDocStore) ListByUserID(userID uint) ([]model.Document, error) {
	var list []model.Document
	for _, doc := range s.docs {
		if doc.UserID == userID {
			list = append(list, *doc)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (s *fakeDocStore) UpdateStatus(id uint, status model.DocumentStatus) error {
	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %d not found", id)
	}
	if doc.Status.Terminal() {
		return nil
	}
	doc.Status = status
	return nil
}

func (s *fakeDocStore) SetPageCount(id uint, pages int) error {
	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %d not found", id)
	}
	doc.PageCount = pages
	return nil
}

func (s *fakeDocStore) DeleteByIDAndUserID(id, userID uint) error {
	doc, ok := s.docs[id]
	if ok && doc.UserID == userID {
		delete(s.docs, id)
	}
	return nil
}

type fakeMessageStore struct {
	messages []model.Message
	nextID   uint
}

func (s *fakeMessageStore) Create(message *model.Message) error {
	s.nextID++
	message.ID = s.nextID
	s.messages = append(s.messages, *message)
	return nil
}

func (s *fakeMessageStore) ListByDocumentID(documentID uint, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var list []model.Message
	for _, m := range s.messages {
		if m.DocumentID == documentID {
			list = append(list, m)
		}
	}
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *fakeMessageStore) ListRecentByDocumentID(documentID uint, n int) ([]model.Message, error) {
	all, err := s.ListByDocumentID(documentID, 0)
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (s *fakeMessageStore) DeleteByDocumentID(documentID uint) error {
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.DocumentID != documentID {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	return nil
}

type fakeFetcher struct {
	objects map[string][]byte
	err     error
}

func (f *fakeFetcher) Fetch(_ context.Context, storageKey string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[storageKey]
	if !ok {
		return nil, fmt.Errorf("object %s not found", storageKey)
	}
	return data, nil
}

// fakeEmbedder maps known texts to fixed vectors so similarity is
// deterministic in tests.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.calls++
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type fakeQueue struct {
	published []uint
	err       error
}

func (q *fakeQueue) Publish(_ context.Context, documentID uint) error {
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, documentID)
	return nil
}

type fakePlans struct {
	plan Plan
	err  error
}

func (p *fakePlans) Resolve(_ uint) (Plan, error) {
	if p.err != nil {
		return Plan{}, p.err
	}
	return p.plan, nil
}

type ingestFixture struct {
	svc      *IngestService
	docs     *fakeDocStore
	messages *fakeMessageStore
	index    *memory.Index
	queue    *fakeQueue
	embedder *fakeEmbedder
	fetcher  *fakeFetcher
}

func newIngestFixture(t *testing.T, pages []string, plan Plan) *ingestFixture {
	t.Helper()

	docs := newFakeDocStore()
	messages := &fakeMessageStore{}
	index := memory.New()
	queue := &fakeQueue{}
	embedder := &fakeEmbedder{vectors: map[string][]float32{}}
	fetcher := &fakeFetcher{objects: map[string][]byte{"key-1": []byte("%PDF")}}

	svc := NewIngestService(docs, messages, fetcher, embedder, index, &fakePlans{plan: plan}, queue, nil, 2)
	svc.extractPages = func([]byte) ([]string, error) {
		return pages, nil
	}

	return &ingestFixture{
		svc:      svc,
		docs:     docs,
		messages: messages,
		index:    index,
		queue:    queue,
		embedder: embedder,
		fetcher:  fetcher,
	}
}

func uploadInput() UploadCompleteInput {
	return UploadCompleteInput{
		UserID:     1,
		StorageKey: "key-1",
		FileName:   "report.pdf",
		URL:        "https://uploads.example.com/key-1",
	}
}

func TestHandleUploadCompleteIdempotent(t *testing.T) {
	f := newIngestFixture(t, []string{"page one", "page two"}, Plan{Name: "free", PagesPerDocument: 5})

	first, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("first notification: %v", err)
	}
	second, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("second notification: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("expected same document, got %d and %d", first.ID, second.ID)
	}
	if len(f.docs.docs) != 1 {
		t.Fatalf("expected exactly one document record, got %d", len(f.docs.docs))
	}
	if len(f.queue.published) != 1 {
		t.Fatalf("expected exactly one ingest job, got %d", len(f.queue.published))
	}
}

func TestHandleUploadCompleteConcurrentDuplicate(t *testing.T) {
	f := newIngestFixture(t, []string{"page one"}, Plan{Name: "free", PagesPerDocument: 5})

	winner, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("first notification: %v", err)
	}

	// A concurrent duplicate that raced past the lookup hits the unique
	// index on create and must still resolve to the winner's record.
	f.docs.missNextLookup = true
	f.docs.createErr = errors.New("Error 1062 (23000): Duplicate entry 'key-1' for key 'storage_key'")

	doc, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("duplicate notification: %v", err)
	}
	if doc.ID != winner.ID {
		t.Fatalf("expected winner's document %d, got %d", winner.ID, doc.ID)
	}
	if len(f.queue.published) != 1 {
		t.Fatalf("duplicate must not enqueue a second job, got %d", len(f.queue.published))
	}
}

func TestHandleUploadCompleteEnqueueFailure(t *testing.T) {
	f := newIngestFixture(t, []string{"page one"}, Plan{Name: "free", PagesPerDocument: 5})
	f.queue.err = errors.New("broker down")

	_, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if !errors.Is(err, ErrIngestEnqueue) {
		t.Fatalf("expected ErrIngestEnqueue, got %v", err)
	}

	doc, _ := f.docs.GetByStorageKey("key-1")
	if doc == nil || doc.Status != model.StatusFailed {
		t.Fatalf("expected document marked FAILED, got %+v", doc)
	}
}

func TestProcessWithinPlanLimit(t *testing.T) {
	f := newIngestFixture(t, []string{"page one", "page two"}, Plan{Name: "free", PagesPerDocument: 5})

	doc, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("upload complete: %v", err)
	}
	if doc.Status != model.StatusPending {
		t.Fatalf("expected PENDING before processing, got %s", doc.Status)
	}
	if err := f.svc.Process(context.Background(), doc.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := f.docs.GetByID(doc.ID)
	if stored.Status != model.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", stored.Status)
	}
	if stored.PageCount != 2 {
		t.Fatalf("expected page count 2, got %d", stored.PageCount)
	}
	if f.index.Len() != 2 {
		t.Fatalf("expected 2 vector records, got %d", f.index.Len())
	}

	hits, err := f.index.Search(context.Background(), []float32{1, 0, 0}, 10, doc.ID)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, hit := range hits {
		if hit.DocumentID != doc.ID {
			t.Fatalf("vector record tagged with wrong document %d", hit.DocumentID)
		}
	}
}

func TestProcessQuotaExceededHaltsIndexing(t *testing.T) {
	pages := make([]string, 10)
	for i := range pages {
		pages[i] = fmt.Sprintf("page %d", i+1)
	}
	f := newIngestFixture(t, pages, Plan{Name: "free", PagesPerDocument: 5})

	doc, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("upload complete: %v", err)
	}
	if err := f.svc.Process(context.Background(), doc.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := f.docs.GetByID(doc.ID)
	if stored.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
	if f.index.Len() != 0 {
		t.Fatalf("quota breach must not index anything, got %d records", f.index.Len())
	}
	if f.embedder.calls != 0 {
		t.Fatalf("quota breach must not call the embedder, got %d calls", f.embedder.calls)
	}
}

func TestProcessFetchFailureMarksFailed(t *testing.T) {
	f := newIngestFixture(t, []string{"page one"}, Plan{Name: "free", PagesPerDocument: 5})
	f.fetcher.err = errors.New("storage unreachable")

	doc, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("upload complete: %v", err)
	}
	if err := f.svc.Process(context.Background(), doc.ID); err != nil {
		t.Fatalf("process must swallow pipeline errors, got %v", err)
	}

	stored, _ := f.docs.GetByID(doc.ID)
	if stored.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
}

func TestProcessEmbedFailureMarksFailed(t *testing.T) {
	f := newIngestFixture(t, []string{"page one"}, Plan{Name: "free", PagesPerDocument: 5})
	f.embedder.err = errors.New("embedding service down")

	doc, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("upload complete: %v", err)
	}
	if err := f.svc.Process(context.Background(), doc.ID); err != nil {
		t.Fatalf("process must swallow pipeline errors, got %v", err)
	}

	stored, _ := f.docs.GetByID(doc.ID)
	if stored.Status != model.StatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
	if f.index.Len() != 0 {
		t.Fatalf("aborted batch must leave the index empty, got %d", f.index.Len())
	}
}

func TestProcessShutdownLeavesDocumentRetryable(t *testing.T) {
	f := newIngestFixture(t, []string{"page one"}, Plan{Name: "free", PagesPerDocument: 5})

	doc, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("upload complete: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.fetcher.err = context.Canceled

	if err := f.svc.Process(ctx, doc.ID); err == nil {
		t.Fatal("expected error so the delivery is requeued")
	}

	stored, _ := f.docs.GetByID(doc.ID)
	if stored.Status.Terminal() {
		t.Fatalf("shutdown must not finalize the document, got %s", stored.Status)
	}

	// The next run picks the document up normally.
	f.fetcher.err = nil
	if err := f.svc.Process(context.Background(), doc.ID); err != nil {
		t.Fatalf("reprocess after restart: %v", err)
	}
	stored, _ = f.docs.GetByID(doc.ID)
	if stored.Status != model.StatusSuccess {
		t.Fatalf("expected SUCCESS after retry, got %s", stored.Status)
	}
}

func TestProcessSkipsTerminalDocument(t *testing.T) {
	f := newIngestFixture(t, []string{"page one"}, Plan{Name: "free", PagesPerDocument: 5})

	doc, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("upload complete: %v", err)
	}
	if err := f.svc.Process(context.Background(), doc.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.index.Len() != 1 {
		t.Fatalf("expected 1 vector record, got %d", f.index.Len())
	}

	// Redelivered job on a finished document must not re-index.
	if err := f.svc.Process(context.Background(), doc.ID); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if f.index.Len() != 1 {
		t.Fatalf("terminal document must not be re-indexed, got %d records", f.index.Len())
	}
}

func TestDeleteDocumentRemovesMessagesAndVectors(t *testing.T) {
	f := newIngestFixture(t, []string{"page one"}, Plan{Name: "free", PagesPerDocument: 5})

	doc, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("upload complete: %v", err)
	}
	if err := f.svc.Process(context.Background(), doc.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	_ = f.messages.Create(&model.Message{DocumentID: doc.ID, UserID: 1, Role: model.RoleUser, Content: "q"})

	if err := f.svc.DeleteDocument(context.Background(), 1, doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.index.Len() != 0 {
		t.Fatalf("expected vectors removed, got %d", f.index.Len())
	}
	if got, _ := f.messages.ListByDocumentID(doc.ID, 0); len(got) != 0 {
		t.Fatalf("expected messages removed, got %d", len(got))
	}
	if stored, _ := f.docs.GetByID(doc.ID); stored != nil {
		t.Fatalf("expected document removed")
	}
}

func TestDeleteDocumentUnowned(t *testing.T) {
	f := newIngestFixture(t, []string{"page one"}, Plan{Name: "free", PagesPerDocument: 5})

	doc, err := f.svc.HandleUploadComplete(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("upload complete: %v", err)
	}

	if err := f.svc.DeleteDocument(context.Background(), 99, doc.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}
