package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Title     string `gorm:"not null"`
	Author    string
	CreatedAt time.Time `gorm:"not null"`
}

// IdentityModel holds both registered accounts and guests. ContactKey is
// unique across the whole identity space.
type IdentityModel struct {
	ID          string    `gorm:"primaryKey"`
	Kind        string    `gorm:"not null"`
	DisplayName string    `gorm:"not null"`
	ContactKey  string    `gorm:"uniqueIndex;not null"`
	Role        string    `gorm:"not null;default:user"`
	CreatedAt   time.Time `gorm:"not null"`
}

type ReviewModel struct {
	ID         string         `gorm:"primaryKey"`
	BookID     int64          `gorm:"not null;index:idx_review_book_status_created,priority:1"`
	IdentityID string         `gorm:"not null;index"`
	Rating     int            `gorm:"not null"`
	Body       string         `gorm:"type:text;not null"`
	Status     string         `gorm:"not null;index:idx_review_book_status_created,priority:2"`
	Submission datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null;index:idx_review_book_status_created,priority:3"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

// reviewRow is the scan target for reviews joined with identities.
type reviewRow struct {
	ID          string
	BookID      int64
	DisplayName string
	Rating      int
	Body        string
	Status      string
	CreatedAt   time.Time
}
