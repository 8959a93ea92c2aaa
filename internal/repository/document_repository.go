package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"paperchat/internal/model"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(doc *model.Document) error {
	if err := r.db.Create(doc).Error; err != nil {
		return fmt.Errorf("create document failed: %w", err)
	}
	return nil
}

// GetByStorageKey returns the document for the given storage key, or nil if
// none exists. The unique index on storage_key makes upload-completion
// notifications idempotent.
func (r *DocumentRepository) GetByStorageKey(storageKey string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.Where("storage_key = ?", storageKey).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document by storage key failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) GetByID(id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) GetByIDAndUserID(id, userID uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) ListByUserID(userID uint) ([]model.Document, error) {
	var list []model.Document
	if err := r.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list documents failed: %w", err)
	}
	return list, nil
}

// UpdateStatus moves the document to the given status. Terminal statuses are
// never overwritten, so a duplicate notification cannot reopen a finished
// document.
func (r *DocumentRepository) UpdateStatus(id uint, status model.DocumentStatus) error {
	res := r.db.Model(&model.Document{}).
		Where("id = ? AND status NOT IN ?", id, []model.DocumentStatus{model.StatusSuccess, model.StatusFailed}).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update document status failed: %w", res.Error)
	}
	return nil
}

func (r *DocumentRepository) SetPageCount(id uint, pages int) error {
	if err := r.db.Model(&model.Document{}).Where("id = ?", id).Update("page_count", pages).Error; err != nil {
		return fmt.Errorf("set document page count failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) DeleteByIDAndUserID(id, userID uint) error {
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).Delete(&model.Document{}).Error; err != nil {
		return fmt.Errorf("delete document failed: %w", err)
	}
	return nil
}
