package repository

import (
	"fmt"

	"gorm.io/gorm"

	"paperchat/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(message *model.Message) error {
	if err := r.db.Create(message).Error; err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) ListByDocumentID(documentID uint, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	var messages []model.Message
	if err := r.db.Where("document_id = ?", documentID).Order("created_at ASC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

// ListRecentByDocumentID returns the n newest messages for the document,
// reordered oldest-first for prompt assembly.
func (r *MessageRepository) ListRecentByDocumentID(documentID uint, n int) ([]model.Message, error) {
	if n <= 0 {
		return nil, nil
	}

	var messages []model.Message
	if err := r.db.Where("document_id = ?", documentID).Order("created_at DESC").Limit(n).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *MessageRepository) DeleteByDocumentID(documentID uint) error {
	if err := r.db.Where("document_id = ?", documentID).Delete(&model.Message{}).Error; err != nil {
		return fmt.Errorf("delete messages by document failed: %w", err)
	}
	return nil
}
