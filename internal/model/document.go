package model

import "time"

type DocumentStatus string

const (
	StatusPending    DocumentStatus = "PENDING"
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusSuccess    DocumentStatus = "SUCCESS"
	StatusFailed     DocumentStatus = "FAILED"
)

// Terminal reports whether the status is final. Terminal statuses are never
// overwritten.
func (s DocumentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type Document struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	UserID     uint           `gorm:"not null;index" json:"user_id"`
	StorageKey string         `gorm:"size:256;not null;uniqueIndex" json:"storage_key"`
	Name       string         `gorm:"size:256;not null" json:"name"`
	URL        string         `gorm:"size:512;not null" json:"url"`
	PageCount  int            `json:"page_count"`
	Status     DocumentStatus `gorm:"size:16;not null;index" json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
