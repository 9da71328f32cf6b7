package models

import (
	"database/sql"
	"time"
)

// Chat is a conversation container. Direct chats have exactly two
// participants and are unique per unordered pair; group chats carry a
// name and an owner.
type Chat struct {
	ID            int           `db:"id" json:"id"`
	IsGroup       bool          `db:"is_group" json:"is_group"`
	Name          *string       `db:"name" json:"name,omitempty"`
	OwnerID       *int64        `db:"owner_id" json:"owner_id,omitempty"`
	LastMessageID sql.NullInt64 `db:"last_message_id" json:"-"`
	LastMessageAt sql.NullTime  `db:"last_message_at" json:"-"`
	IsActive      bool          `db:"is_active" json:"is_active"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`

	// Populated by ChatRepository.GetChat, not a column.
	ParticipantIDs []int `db:"-" json:"participant_ids,omitempty"`
}

// HasParticipant reports whether userID belongs to the chat.
func (c Chat) HasParticipant(userID int) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ChatParticipant is one membership row.
type ChatParticipant struct {
	ChatID   int       `db:"chat_id" json:"chat_id"`
	UserID   int       `db:"user_id" json:"user_id"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}

// ChatSummary is the chat-list read model: one visible chat with the
// counterpart (or group name), last message preview and the caller's
// unread count.
type ChatSummary struct {
	ChatID         int        `db:"chat_id" json:"chat_id"`
	IsGroup        bool       `db:"is_group" json:"is_group"`
	Name           string     `db:"name" json:"name,omitempty"`
	FriendID       int        `db:"friend_id" json:"friend_id,omitempty"`
	LastMessage    string     `db:"last_message" json:"last_message,omitempty"`
	LastMessageAt  *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	UnreadCount    int        `db:"-" json:"unread_count"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	ParticipantIDs []int      `db:"-" json:"participant_ids,omitempty"`
}
