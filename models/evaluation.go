package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EvaluationCriteriaResult is the verdict for one rubric criterion of one completed call.
// Rows are written only by the post-call webhook.
type EvaluationCriteriaResult struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	AgentID        string    `gorm:"size:255;not null;index" json:"agent_id"` // provider agent id
	ConversationID string    `gorm:"size:255;not null;index" json:"conversation_id"`
	CriteriaID     string    `gorm:"size:255;not null" json:"criteria_id"`
	Result         string    `gorm:"size:32" json:"result"`
	Rationale      string    `gorm:"type:text" json:"rationale"`
	CreatedAt      time.Time `json:"created_at"`
}

func (e *EvaluationCriteriaResult) BeforeCreate(tx *gorm.DB) error {
	ensureID(&e.ID)
	return nil
}

// OrganizationUsage holds consumed call minutes. It is only changed through the
// atomic increment procedure, never read-modify-written.
type OrganizationUsage struct {
	OrganizationID string    `gorm:"type:uuid;primaryKey" json:"organization_id"`
	MinutesUsed    int       `gorm:"not null;default:0" json:"minutes_used"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (OrganizationUsage) TableName() string {
	return "organization_usage"
}

// ProviderCredential stores the API key of an external provider. The key is
// read on every provider call rather than cached in process.
type ProviderCredential struct {
	Provider  string    `gorm:"size:64;primaryKey" json:"provider"`
	APIKey    string    `gorm:"type:text;not null" json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WebhookEvent records a processed delivery so redeliveries can be skipped.
type WebhookEvent struct {
	ID             string         `gorm:"type:uuid;primaryKey" json:"id"`
	Kind           string         `gorm:"size:64;not null;uniqueIndex:idx_webhook_kind_conversation" json:"kind"`
	ConversationID string         `gorm:"size:255;not null;uniqueIndex:idx_webhook_kind_conversation" json:"conversation_id"`
	Payload        datatypes.JSON `json:"payload,omitempty"`
	// Status is processing, pending (released for redelivery) or done.
	Status string `gorm:"size:16;not null;default:processing" json:"status"`
	// QuotaApplied survives a release so a redelivery never bills minutes twice.
	QuotaApplied bool      `gorm:"not null;default:false" json:"quota_applied"`
	ReceivedAt   time.Time `gorm:"not null;index" json:"received_at"`
}

const (
	WebhookProcessing = "processing"
	WebhookPending    = "pending"
	WebhookDone       = "done"
)

func (e *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
