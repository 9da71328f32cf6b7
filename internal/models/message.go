package models

import "time"

// Message is one unit of conversation content.
type Message struct {
	ID            int        `db:"id" json:"id"`
	ChatID        int        `db:"chat_id" json:"chat_id"`
	SenderID      int        `db:"sender_id" json:"sender_id"`
	Content       string     `db:"content" json:"content"`
	DeletedForAll bool       `db:"deleted_for_all" json:"deleted_for_all"`
	EditedAt      *time.Time `db:"edited_at" json:"edited_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`

	// ReadBy is populated on single-message fetches, not a column.
	ReadBy []ReadReceipt `db:"-" json:"read_by,omitempty"`
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	MessageID int       `db:"message_id" json:"message_id"`
	UserID    int       `db:"user_id" json:"user_id"`
	ReadAt    time.Time `db:"read_at" json:"read_at"`
}

// UnreadCounts is the per-user counter state delivered to clients.
type UnreadCounts struct {
	ByChat map[int]int `json:"by_chat"`
	Total  int         `json:"total"`
}
