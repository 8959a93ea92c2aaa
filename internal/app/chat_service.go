package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"paperchat/internal/ai"
	"paperchat/internal/model"
	"paperchat/internal/vectorstore"
)

const (
	defaultTopK         = 4
	defaultHistoryLimit = 6
)

var (
	ErrDocumentNotReady = errors.New("document is not ready for questions")
	ErrMessageEmpty     = errors.New("message content is empty")
	ErrUpstream         = errors.New("upstream service failed")
)

// MessageStore is the conversation log. Messages are append-only.
type MessageStore interface {
	Create(message *model.Message) error
	ListByDocumentID(documentID uint, limit int) ([]model.Message, error)
	ListRecentByDocumentID(documentID uint, n int) ([]model.Message, error)
	DeleteByDocumentID(documentID uint) error
}

// Completer invokes the hosted completion endpoint.
type Completer interface {
	Complete(ctx context.Context, messages []ai.ChatMessage) (string, error)
	StreamComplete(ctx context.Context, messages []ai.ChatMessage, onChunk func(string) error) (string, error)
}

// HistoryCache fronts the conversation log with a short-lived per-document
// cache. All implementations must tolerate being nil-checked away.
type HistoryCache interface {
	GetHistory(ctx context.Context, documentID uint) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, documentID uint, messages []model.Message) error
	DeleteHistory(ctx context.Context, documentID uint) error
	MarkDirty(ctx context.Context, documentID uint) error
	IsDirty(ctx context.Context, documentID uint) (bool, error)
}

// ChatService orchestrates one query turn: authorize, persist the question,
// embed it, retrieve document-scoped context, assemble the prompt and relay
// the streamed completion, persisting the reply once the stream drains.
type ChatService struct {
	docs         DocumentStore
	messages     MessageStore
	index        vectorstore.Index
	embedder     Embedder
	completer    Completer
	formatter    ai.PromptFormatter
	historyCache HistoryCache
	topK         int
	historyLimit int
}

func NewChatService(
	docs DocumentStore,
	messages MessageStore,
	index vectorstore.Index,
	embedder Embedder,
	completer Completer,
	formatter ai.PromptFormatter,
	historyCache HistoryCache,
	topK int,
	historyLimit int,
) *ChatService {
	if topK <= 0 {
		topK = defaultTopK
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &ChatService{
		docs:         docs,
		messages:     messages,
		index:        index,
		embedder:     embedder,
		completer:    completer,
		formatter:    formatter,
		historyCache: historyCache,
		topK:         topK,
		historyLimit: historyLimit,
	}
}

type AskInput struct {
	UserID     uint
	DocumentID uint
	Question   string
}

type AskResult struct {
	Answer string                    `json:"answer"`
	Chunks []vectorstore.ScoredChunk `json:"chunks"`
}

// Ask answers a question without streaming.
func (s *ChatService) Ask(ctx context.Context, input AskInput) (*AskResult, error) {
	prompt, chunks, err := s.prepareTurn(ctx, input)
	if err != nil {
		return nil, err
	}

	answer, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, upstreamErr("completion", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = "The model returned an empty response."
	}

	if err := s.persistAssistant(ctx, input, answer); err != nil {
		return nil, err
	}
	return &AskResult{Answer: answer, Chunks: chunks}, nil
}

// StreamAnswer answers a question in streaming mode. Chunks are handed to
// onChunk as they arrive; the assistant message is persisted only after the
// stream completes normally.
func (s *ChatService) StreamAnswer(
	ctx context.Context,
	input AskInput,
	onChunk func(chunk string) error,
) (string, error) {
	prompt, _, err := s.prepareTurn(ctx, input)
	if err != nil {
		return "", err
	}

	full, err := s.completer.StreamComplete(ctx, prompt, onChunk)
	if err != nil {
		return "", upstreamErr("completion stream", err)
	}
	full = strings.TrimSpace(full)
	if full == "" {
		full = "The model returned an empty response."
	}

	if err := s.persistAssistant(ctx, input, full); err != nil {
		return "", err
	}
	return full, nil
}

// prepareTurn runs the shared front half of a query turn. Conversation
// history is read before the question is written so the question appears in
// the prompt exactly once; the write itself still happens before any call to
// the completion endpoint, independent of its outcome.
func (s *ChatService) prepareTurn(ctx context.Context, input AskInput) ([]ai.ChatMessage, []vectorstore.ScoredChunk, error) {
	if input.UserID == 0 || input.DocumentID == 0 {
		return nil, nil, ErrInvalidInput
	}
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, nil, ErrMessageEmpty
	}

	doc, err := s.docs.GetByIDAndUserID(input.DocumentID, input.UserID)
	if err != nil {
		return nil, nil, err
	}
	if doc == nil {
		return nil, nil, ErrDocumentNotFound
	}
	if doc.Status != model.StatusSuccess {
		return nil, nil, ErrDocumentNotReady
	}

	recent, err := s.messages.ListRecentByDocumentID(doc.ID, s.historyLimit)
	if err != nil {
		return nil, nil, err
	}

	userMessage := &model.Message{
		DocumentID: doc.ID,
		UserID:     input.UserID,
		Role:       model.RoleUser,
		Content:    question,
		CreatedAt:  time.Now(),
	}
	if err := s.messages.Create(userMessage); err != nil {
		return nil, nil, err
	}
	s.invalidateHistory(ctx, doc.ID)

	questionVector, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, nil, upstreamErr("embed question", err)
	}

	chunks, err := s.index.Search(ctx, questionVector, s.topK, doc.ID)
	if err != nil {
		return nil, nil, upstreamErr("retrieve context", err)
	}

	history := make([]ai.ChatMessage, 0, len(recent))
	for _, m := range recent {
		role := m.Role
		if role == "" {
			role = model.RoleUser
		}
		history = append(history, ai.ChatMessage{Role: role, Content: m.Content})
	}

	passages := make([]string, 0, len(chunks))
	for _, c := range chunks {
		passages = append(passages, c.Text)
	}

	return s.formatter.Format(history, passages, question), chunks, nil
}

func (s *ChatService) persistAssistant(ctx context.Context, input AskInput, content string) error {
	assistantMessage := &model.Message{
		DocumentID: input.DocumentID,
		UserID:     input.UserID,
		Role:       model.RoleAssistant,
		Content:    content,
		CreatedAt:  time.Now(),
	}
	if err := s.messages.Create(assistantMessage); err != nil {
		return err
	}
	s.invalidateHistory(ctx, input.DocumentID)
	return nil
}

// GetHistory returns up to limit messages for an owned document,
// oldest-first, through the cache when it is clean.
func (s *ChatService) GetHistory(ctx context.Context, userID, documentID uint, limit int) ([]model.Message, error) {
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

	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, documentID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, documentID); cacheErr == nil && hit {
				return trimMessages(cached, limit), nil
			}
		}
	}

	messages, err := s.messages.ListByDocumentID(documentID, limit)
	if err != nil {
		return nil, err
	}
	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, documentID); dirtyErr == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, documentID, messages)
		}
	}
	return messages, nil
}

func (s *ChatService) invalidateHistory(ctx context.Context, documentID uint) {
	if s.historyCache == nil {
		return
	}
	_ = s.historyCache.MarkDirty(ctx, documentID)
	_ = s.historyCache.DeleteHistory(ctx, documentID)
}

func trimMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}

func upstreamErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
}
