package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID          string `gorm:"primaryKey"`
	GitHubID    int64  `gorm:"column:github_id;uniqueIndex;not null"`
	Username    string `gorm:"not null"`
	AccessToken []byte
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

type RepositoryModel struct {
	ID        string                      `gorm:"primaryKey"`
	UserID    string                      `gorm:"not null;uniqueIndex:idx_repository_user_owner_name,priority:1"`
	Owner     string                      `gorm:"not null;uniqueIndex:idx_repository_user_owner_name,priority:2"`
	Name      string                      `gorm:"not null;uniqueIndex:idx_repository_user_owner_name,priority:3"`
	LocalPath string                      `gorm:"not null"`
	IndexID   string                      `gorm:"not null"`
	Files     datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	Processed bool                        `gorm:"not null;default:false;index"`
	CreatedAt time.Time                   `gorm:"not null"`
	UpdatedAt time.Time                   `gorm:"not null"`
}

type ConversationModel struct {
	ID           string    `gorm:"primaryKey"`
	UserID       string    `gorm:"not null;index"`
	RepositoryID string    `gorm:"not null;index"`
	AgentID      string    `gorm:"not null"`
	ThreadID     string    `gorm:"not null;default:''"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID             string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;index"`
	Role           string    `gorm:"not null"`
	Content        string    `gorm:"type:text;not null"`
	ParentID       *string   `gorm:"index"`
	CreatedAt      time.Time `gorm:"not null;index"`
}
