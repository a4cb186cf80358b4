package model

import "time"

// ChatSession is one conversation owned by a single user.
type ChatSession struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Title     string    `gorm:"size:100;not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (ChatSession) TableName() string {
	return "chat_sessions"
}

// SessionSummary is a session as shown in the sidebar list.
type SessionSummary struct {
	ChatSession
	MessageCount int64    `json:"message_count"`
	LastMessage  *Message `json:"last_message,omitempty"`
}
