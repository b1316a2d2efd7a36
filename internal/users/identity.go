package users

import (
	"strings"
	"time"
)

// Identity records a chat identity seen at connection time.
type Identity struct {
	Provider   string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject    string    `gorm:"column:subject;primaryKey;size:190;not null"`
	Username   string    `gorm:"column:username;size:190;not null;default:''"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing chat identities.
func (Identity) TableName() string {
	return "chat_identities"
}

// Profile is the resolved identity handed to the realtime layer.
type Profile struct {
	UserID   string
	Username string
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
