package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"devconnect-chat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for chat messages, read
// receipts and the unread aggregate used as the counter-cache
// fallback.
type MessageRepository interface {
	CreateMessage(ctx context.Context, chatID int, senderID int, content string) (models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	ListMessages(ctx context.Context, chatID int, userID int, page int, limit int) ([]models.Message, error)
	UpdateContent(ctx context.Context, messageID int, content string) (models.Message, error)
	MarkDeletedForAll(ctx context.Context, messageID int) error
	HideForUser(ctx context.Context, messageID int, userID int) error
	MarkChatRead(ctx context.Context, chatID int, userID int) error
	CountUnreadByChat(ctx context.Context, userID int) (map[int]int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, chat_id, sender_id, content, deleted_for_all, edited_at, created_at, updated_at`

// CreateMessage stores a message, records the sender's implicit read
// receipt and advances the chat's last-message pointer, all in one
// transaction.
func (r *MessageRepo) CreateMessage(ctx context.Context, chatID int, senderID int, content string) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	var msg models.Message
	if err := tx.GetContext(ctx, &msg,
		`INSERT INTO messages (chat_id, sender_id, content) VALUES ($1, $2, $3) RETURNING `+messageColumns,
		chatID, senderID, content); err != nil {
		return models.Message{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_reads (message_id, user_id) VALUES ($1, $2)`, msg.ID, senderID); err != nil {
		return models.Message{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET last_message_id=$1, last_message_at=$2, is_active=TRUE, updated_at=NOW() WHERE id=$3`,
		msg.ID, msg.CreatedAt, chatID); err != nil {
		return models.Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	msg.ReadBy = []models.ReadReceipt{{MessageID: msg.ID, UserID: senderID, ReadAt: msg.CreatedAt}}
	return msg, nil
}

// GetMessage retrieves a single message with its read receipts.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	if err := r.db.SelectContext(ctx, &msg.ReadBy,
		`SELECT message_id, user_id, read_at FROM message_reads WHERE message_id=$1 ORDER BY read_at`, messageID); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListMessages returns a page of chat messages visible to the user,
// ascending by creation time.
func (r *MessageRepo) ListMessages(ctx context.Context, chatID int, userID int, page int, limit int) ([]models.Message, error) {
	if page < 1 {
		page = 1
	}
	query := `SELECT ` + messageColumns + ` FROM messages m
        WHERE m.chat_id=$1
        AND m.deleted_for_all = FALSE
        AND NOT EXISTS (SELECT 1 FROM message_visibility v WHERE v.message_id=m.id AND v.user_id=$2)
        ORDER BY m.created_at ASC, m.id ASC
        LIMIT $3 OFFSET $4`
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, chatID, userID, limit, (page-1)*limit)
	return msgs, err
}

// UpdateContent replaces the message content and stamps edited_at.
func (r *MessageRepo) UpdateContent(ctx context.Context, messageID int, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg,
		`UPDATE messages SET content=$1, edited_at=NOW(), updated_at=NOW() WHERE id=$2 RETURNING `+messageColumns,
		content, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkDeletedForAll tombstones the message for every participant.
func (r *MessageRepo) MarkDeletedForAll(ctx context.Context, messageID int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET deleted_for_all = TRUE, updated_at=NOW() WHERE id=$1`, messageID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// HideForUser hides the message for one viewer. Idempotent.
func (r *MessageRepo) HideForUser(ctx context.Context, messageID int, userID int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO message_visibility (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		messageID, userID)
	return err
}

// MarkChatRead records a read receipt for every non-deleted message in
// the chat the user has not read yet. Idempotent: already-read
// messages conflict and are skipped.
func (r *MessageRepo) MarkChatRead(ctx context.Context, chatID int, userID int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO message_reads (message_id, user_id)
            SELECT m.id, $2 FROM messages m
            WHERE m.chat_id=$1 AND m.deleted_for_all = FALSE
            ON CONFLICT DO NOTHING`,
		chatID, userID)
	return err
}

// CountUnreadByChat aggregates unread, non-deleted messages per chat
// for the user. This is the durable source of truth the counter cache
// is rebuilt from.
func (r *MessageRepo) CountUnreadByChat(ctx context.Context, userID int) (map[int]int, error) {
	query := `SELECT m.chat_id, COUNT(*) AS unread FROM messages m
        JOIN chat_participants p ON p.chat_id = m.chat_id AND p.user_id=$1
        WHERE m.deleted_for_all = FALSE
        AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id=m.id AND r.user_id=$1)
        AND NOT EXISTS (SELECT 1 FROM message_visibility v WHERE v.message_id=m.id AND v.user_id=$1)
        GROUP BY m.chat_id`
	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[int]int{}
	for rows.Next() {
		var chatID, unread int
		if err := rows.Scan(&chatID, &unread); err != nil {
			return nil, err
		}
		counts[chatID] = unread
	}
	return counts, rows.Err()
}
