package models

import (
	"time"
)

// WhatsAppSession is the persisted identity of one tenant connection.
// Runtime state (connection, readiness, QR) lives in the session registry.
type WhatsAppSession struct {
	ID          uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	SessionID   string    `json:"session_id" gorm:"uniqueIndex;size:64;not null"`
	UserID      uint      `json:"user_id" gorm:"index;not null"`
	Description string    `json:"description" gorm:"size:255"`
	IsActive    bool      `json:"is_active" gorm:"default:false"`
	DeviceJID   string    `json:"-" gorm:"size:100"` // paired device, used by the shared credential store
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for WhatsAppSession
func (WhatsAppSession) TableName() string {
	return "whatsapp_sessions"
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Description string `json:"description" validate:"max=255"`
}

// UpdateSessionRequest is the body of PUT /api/sessions/{id}.
type UpdateSessionRequest struct {
	Description string `json:"description" validate:"max=255"`
}

// SendMessageRequest is the body of POST /api/sessions/{id}/messages.
type SendMessageRequest struct {
	Number  string `json:"number" validate:"required"`
	Message string `json:"message" validate:"required,max=4096"`
}
