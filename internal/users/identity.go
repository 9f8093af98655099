package users

import (
	"strings"
	"time"

	"github.com/CareSyncLab/minimar/backend/internal/auth"
)

// Identity is one facility login. The email address is canonical
// (<nurse>@<facility>.local) and doubles as the natural key.
type Identity struct {
	Email        string    `gorm:"column:email;primaryKey;size:320;not null"`
	UserID       string    `gorm:"column:user_id;size:190;not null;index"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	Facility     string    `gorm:"column:facility;size:64;not null;index"`
	Role         string    `gorm:"column:role;size:32;not null"`
	PasswordHash string    `gorm:"column:password_hash;size:128;not null"`
	LastSeenAt   time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Principal converts the stored identity into its request-scoped form.
func (i Identity) Principal(initials string) auth.Principal {
	return auth.Principal{
		UserID:   i.UserID,
		Email:    i.Email,
		Facility: i.Facility,
		Role:     auth.Role(i.Role),
		Initials: initials,
	}
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
