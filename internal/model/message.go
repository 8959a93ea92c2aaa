package model

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one side of a conversation turn on a document. Messages are
// append-only and ordered by creation time.
type Message struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DocumentID uint      `gorm:"not null;index" json:"document_id"`
	UserID     uint      `gorm:"index" json:"user_id"`
	Role       string    `gorm:"size:16;not null;index" json:"role"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}
