package models

import (
	"time"
)

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignSending   = "sending"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
)

// Per-recipient message statuses.
const (
	MessagePending   = "pending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

// Message types a campaign can carry.
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeDocument = "document"
	MessageTypeAudio    = "audio"
	MessageTypeVideo    = "video"
)

// BroadcastList is a named collection of contacts scoped to one session.
type BroadcastList struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID      uint      `json:"user_id" gorm:"index;not null"`
	SessionID   string    `json:"session_id" gorm:"index;size:64;not null"`
	Name        string    `json:"name" gorm:"size:100;not null"`
	Description string    `json:"description" gorm:"type:text"`
	IsActive    bool      `json:"is_active" gorm:"default:true"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	ContactCount int64 `json:"contact_count" gorm:"-"`
}

// TableName specifies the table name for BroadcastList
func (BroadcastList) TableName() string {
	return "broadcast_lists"
}

// BroadcastContact is one recipient of a list, keyed by its digits-only number.
type BroadcastContact struct {
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	ListID        uint      `json:"list_id" gorm:"not null;uniqueIndex:idx_list_contact_number"`
	ContactNumber string    `json:"contact_number" gorm:"size:20;not null;uniqueIndex:idx_list_contact_number"`
	ContactName   string    `json:"contact_name" gorm:"size:100"`
	IsActive      bool      `json:"is_active" gorm:"default:true"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for BroadcastContact
func (BroadcastContact) TableName() string {
	return "broadcast_contacts"
}

// BroadcastCampaign is one broadcast run over a recipient snapshot.
type BroadcastCampaign struct {
	ID             uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	ListID         uint       `json:"list_id" gorm:"index;not null"`
	UserID         uint       `json:"user_id" gorm:"index;not null"`
	SessionID      string     `json:"session_id" gorm:"size:64;not null"`
	CampaignName   string     `json:"campaign_name" gorm:"size:255;not null"`
	MessageType    string     `json:"message_type" gorm:"type:varchar(20);default:'text';check:message_type IN ('text','image','document','audio','video')"`
	MessageContent string     `json:"message_content" gorm:"type:text"`
	MediaURL       string     `json:"media_url" gorm:"size:500"`
	MediaFilename  string     `json:"media_filename" gorm:"size:255"`
	TotalContacts  int        `json:"total_contacts" gorm:"default:0"`
	SentCount      int        `json:"sent_count" gorm:"default:0"`
	FailedCount    int        `json:"failed_count" gorm:"default:0"`
	Status         string     `json:"status" gorm:"type:varchar(20);default:'draft';index;check:status IN ('draft','sending','completed','failed','paused')"`
	DelayMs        int        `json:"delay_ms" gorm:"default:1000"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	CreatedAt      time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for BroadcastCampaign
func (BroadcastCampaign) TableName() string {
	return "broadcast_campaigns"
}

// IsTerminal reports whether the campaign can no longer send.
func (c BroadcastCampaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignFailed
}

// BroadcastMessage is the delivery record of one recipient of a campaign.
type BroadcastMessage struct {
	ID            uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	CampaignID    uint       `json:"campaign_id" gorm:"index;not null"`
	ContactNumber string     `json:"contact_number" gorm:"size:20;not null"`
	ContactName   string     `json:"contact_name" gorm:"size:100"`
	MessageID     string     `json:"message_id" gorm:"size:100;index"`
	Status        string     `json:"status" gorm:"type:varchar(20);default:'pending';index;check:status IN ('pending','sent','delivered','read','failed')"`
	ErrorMessage  string     `json:"error_message" gorm:"type:text"`
	SentAt        *time.Time `json:"sent_at"`
	DeliveredAt   *time.Time `json:"delivered_at"`
	ReadAt        *time.Time `json:"read_at"`
	CreatedAt     time.Time  `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for BroadcastMessage
func (BroadcastMessage) TableName() string {
	return "broadcast_messages"
}

// ContactInput is one contact row as submitted by a caller, before normalization.
type ContactInput struct {
	Number string `json:"number" validate:"required"`
	Name   string `json:"name" validate:"max=100"`
}

// CreateListRequest is the body of POST /api/broadcast/lists.
type CreateListRequest struct {
	SessionID   string `json:"session_id" validate:"required"`
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description"`
}

// UpdateListRequest is the body of PUT /api/broadcast/lists/{id}.
type UpdateListRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description"`
}

// AddContactsRequest is the body of POST /api/broadcast/lists/{id}/contacts.
type AddContactsRequest struct {
	Contacts []ContactInput `json:"contacts" validate:"required,min=1,dive"`
}

// UpdateContactRequest is the body of PUT /api/broadcast/lists/{id}/contacts/{cid}.
type UpdateContactRequest struct {
	Name string `json:"name" validate:"max=100"`
}

// BulkDeleteContactsRequest is the body of POST /api/broadcast/lists/{id}/contacts/bulk-delete.
type BulkDeleteContactsRequest struct {
	ContactIDs []uint `json:"contact_ids" validate:"required,min=1"`
}

// StartCampaignRequest is the body of POST /api/broadcast/campaigns and /schedule.
type StartCampaignRequest struct {
	ListID         uint       `json:"list_id" validate:"required"`
	CampaignName   string     `json:"campaign_name" validate:"required,max=255"`
	MessageType    string     `json:"message_type" validate:"omitempty,oneof=text image document audio video"`
	MessageContent string     `json:"message_content" validate:"required_without=MediaURL"`
	MediaURL       string     `json:"media_url" validate:"omitempty,url"`
	MediaFilename  string     `json:"media_filename"`
	DelayMs        int        `json:"delay_ms"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
}

// CampaignStats summarizes per-status recipient counts of a campaign.
type CampaignStats struct {
	CampaignID    uint           `json:"campaign_id"`
	Status        string         `json:"status"`
	TotalContacts int            `json:"total_contacts"`
	SentCount     int            `json:"sent_count"`
	FailedCount   int            `json:"failed_count"`
	ByStatus      map[string]int `json:"by_status"`
}

// BroadcastOverview summarizes all campaigns of a user.
type BroadcastOverview struct {
	TotalLists     int64          `json:"total_lists"`
	TotalContacts  int64          `json:"total_contacts"`
	TotalCampaigns int64          `json:"total_campaigns"`
	ByStatus       map[string]int `json:"campaigns_by_status"`
	MessagesSent   int64          `json:"messages_sent"`
	MessagesFailed int64          `json:"messages_failed"`
}
