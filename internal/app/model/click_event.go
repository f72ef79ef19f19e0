package model

import "time"

// ClickEvent is the append-only record of one delivered click.
type ClickEvent struct {
	ID        string    `json:"id" gorm:"primaryKey;type:uuid"`
	LinkID    string    `json:"link_id" gorm:"type:uuid;not null;index"`
	MessageID *string   `json:"message_id,omitempty" gorm:"size:128;uniqueIndex"`
	Timestamp time.Time `json:"timestamp" gorm:"not null;index"`
	UserAgent string    `json:"user_agent" gorm:"type:text"`
	IPHash    string    `json:"ip_hash" gorm:"size:64"`
	Country   string    `json:"country" gorm:"size:64"`
	City      string    `json:"city" gorm:"size:128"`
	Region    string    `json:"region" gorm:"size:64"`
	Referrer  string    `json:"referrer" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// ClickMessage is the queue payload published by the resolver and
// delivered to the click consumer. IP is already hashed.
type ClickMessage struct {
	LinkID    string    `json:"linkId"`
	Timestamp time.Time `json:"timestamp"`
	UserAgent string    `json:"userAgent"`
	IP        string    `json:"ip"`
	Country   string    `json:"country"`
	City      string    `json:"city"`
	Region    string    `json:"region"`
	Referrer  string    `json:"referrer"`
}

const (
	ClickStreamName     = "CLICKS"
	ClickStreamSubject  = "clicks.events"
	ClickConsumerName   = "click-dispatcher"
	ClickStreamMaxBytes = 1024 * 1024 * 100 // 100MB
	ClickStreamMaxAge   = 7 * 24 * time.Hour
	ClickDedupeWindow   = 2 * time.Minute
)
