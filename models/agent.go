package models

import (
	"time"

	"gorm.io/gorm"
)

// AgentMapping is the local record of one voice agent hosted by the provider.
type AgentMapping struct {
	ID              string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          string    `gorm:"type:uuid;not null;index" json:"user_id"` // owner
	ExternalAgentID string    `gorm:"size:255;not null;uniqueIndex" json:"external_agent_id"`
	Name            string    `gorm:"not null" json:"name"`
	PassingScore    *float64  `gorm:"type:decimal(5,2)" json:"passing_score"` // 0..100
	Language        string    `gorm:"size:16" json:"language,omitempty"`
	VoiceID         string    `gorm:"size:64" json:"voice_id,omitempty"`
	Instructions    string    `gorm:"type:text" json:"instructions,omitempty"`
	CategoryID      *string   `gorm:"type:uuid;index" json:"category_id,omitempty"`
	CoverImagePath  string    `gorm:"size:500" json:"cover_image_path,omitempty"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (a *AgentMapping) BeforeCreate(tx *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}

// Assignment grants a user access to an agent within an organization.
// At most one row per (user, agent mapping) is expected; the schema does not enforce it.
type Assignment struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         string    `gorm:"type:uuid;not null;index" json:"user_id"`
	AgentMappingID string    `gorm:"type:uuid;not null;index" json:"agent_mapping_id"`
	OrganizationID string    `gorm:"type:uuid;not null;index" json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func (a *Assignment) BeforeCreate(tx *gorm.DB) error {
	ensureID(&a.ID)
	return nil
}

// Progress is the latest score and completion state of a user on an agent.
type Progress struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     string    `gorm:"type:uuid;not null;uniqueIndex:idx_progress_user_agent" json:"user_id"`
	AgentID    string    `gorm:"type:uuid;not null;uniqueIndex:idx_progress_user_agent;index" json:"agent_id"`
	Score      *float64  `gorm:"type:decimal(5,2)" json:"score"`
	IsComplete bool      `gorm:"not null;default:false" json:"is_complete"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Progress) TableName() string {
	return "progress"
}

func (p *Progress) BeforeCreate(tx *gorm.DB) error {
	ensureID(&p.ID)
	return nil
}

type Category struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name           string    `gorm:"not null" json:"name"`
	Description    string    `gorm:"type:text" json:"description,omitempty"`
	OrganizationID string    `gorm:"type:uuid;not null;index" json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (c *Category) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}
