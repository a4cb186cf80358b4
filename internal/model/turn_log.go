package model

import "time"

type TurnOutcome string

const (
	TurnOutcomeCompleted TurnOutcome = "completed"
	TurnOutcomeEmpty     TurnOutcome = "empty"
	TurnOutcomeFallback  TurnOutcome = "fallback"
)

// TurnLog is the audit row for one finished turn. It is written by the
// turn event worker, never on the request path.
type TurnLog struct {
	ID                 uint        `gorm:"primaryKey" json:"id"`
	SessionID          uint        `gorm:"not null;index" json:"session_id"`
	UserID             uint        `gorm:"not null;index" json:"user_id"`
	UserMessageID      uint        `gorm:"not null" json:"user_message_id"`
	AssistantMessageID uint        `json:"assistant_message_id"`
	Outcome            TurnOutcome `gorm:"size:16;not null" json:"outcome"`
	Streamed           bool        `json:"streamed"`
	Fragments          int         `json:"fragments"`
	Bytes              int         `json:"bytes"`
	Model              string      `gorm:"size:128" json:"model"`
	DurationMS         int64       `json:"duration_ms"`
	CreatedAt          time.Time   `json:"created_at"`
}
