package store

import "time"

// User carries only encrypted profile fields plus a deterministic email hash
// for the uniqueness check.
type User struct {
	ID          string `gorm:"primaryKey"`
	FullNameEnc []byte `gorm:"column:full_name_enc"`
	EmailEnc    []byte `gorm:"column:email_enc"`
	EmailHash   string `gorm:"column:email_hash;uniqueIndex"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Meeting is a scheduled meeting slot. Lookup ids from the API are not
// range-checked; negative and zero values pass through to the query.
type Meeting struct {
	ID        int64  `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Title     string
	StartsAt  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Overlay is an uploaded overlay image owned by a user.
type Overlay struct {
	ID          int64  `gorm:"primaryKey"`
	UserID      string `gorm:"index"`
	Name        string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}
