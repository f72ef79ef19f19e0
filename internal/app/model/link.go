package model

import "time"

// Link describes the canonical short-link record stored in Postgres.
type Link struct {
	ID             string     `db:"id" gorm:"primaryKey;type:uuid"`
	ShortCode      string     `db:"short_code" gorm:"uniqueIndex;size:32;not null"`
	DestinationURL string     `db:"destination_url" gorm:"type:text;not null"`
	OwnerID        *string    `db:"owner_id" gorm:"size:64;index"`
	PasswordHash   *string    `db:"password_hash" gorm:"type:text"`
	ExpiresAt      *time.Time `db:"expires_at" gorm:"index"`
	StartsAt       *time.Time `db:"starts_at"`
	ClickCount     int64      `db:"click_count" gorm:"not null;default:0"`
	LastClickedAt  *time.Time `db:"last_clicked_at"`
	IsGuest        bool       `db:"is_guest" gorm:"not null;default:false;index"`
	CreatedAt      time.Time  `db:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `db:"updated_at" gorm:"autoUpdateTime"`
}

// HasPassword reports whether the link is password protected.
func (l *Link) HasPassword() bool {
	return l.PasswordHash != nil && *l.PasswordHash != ""
}
