package models

import (
	"time"

	"gorm.io/gorm"
)

// Role is the authorization level carried in a user's session claims.
type Role string

const (
	RoleStudent    Role = "student"
	RoleAdmin      Role = "admin"       // organization administrator
	RoleSuperAdmin Role = "super_admin" // platform administrator
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// Organization is the tenant boundary. Users join through OrganizationMember.
type Organization struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	MinuteLimit int       `gorm:"not null;default:0" json:"minute_limit"` // 0 means unlimited
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (o *Organization) BeforeCreate(tx *gorm.DB) error {
	ensureID(&o.ID)
	return nil
}

type User struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Email     string    `gorm:"uniqueIndex;not null" json:"email"`
	Password  string    `gorm:"size:255" json:"-"` // bcrypt hash
	FullName  string    `gorm:"size:255" json:"full_name,omitempty"`
	Role      Role      `gorm:"size:32;not null;default:'student'" json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relationships
	Membership *OrganizationMember `gorm:"foreignKey:UserID" json:"membership,omitempty"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	ensureID(&u.ID)
	return nil
}

// OrganizationMember links a user to the single organization they belong to.
type OrganizationMember struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         string    `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`
	OrganizationID string    `gorm:"type:uuid;not null;index" json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func (m *OrganizationMember) BeforeCreate(tx *gorm.DB) error {
	ensureID(&m.ID)
	return nil
}

// OrganizationUser is one row of the get_users_by_organization procedure.
type OrganizationUser struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

type RefreshToken struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Token     string    `gorm:"uniqueIndex;not null" json:"-"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (t *RefreshToken) BeforeCreate(tx *gorm.DB) error {
	ensureID(&t.ID)
	return nil
}

type PermanentToken struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Token     string    `gorm:"uniqueIndex;not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (t *PermanentToken) BeforeCreate(tx *gorm.DB) error {
	ensureID(&t.ID)
	return nil
}
