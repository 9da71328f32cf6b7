package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"devconnect-chat/internal/models"
)

var ErrChatNotFound = errors.New("chat not found")

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	CreateDirectChat(ctx context.Context, userID int, friendID int) (models.Chat, error)
	CreateGroupChat(ctx context.Context, ownerID int, name string, memberIDs []int) (models.Chat, error)
	GetChat(ctx context.Context, chatID int) (models.Chat, error)
	IsParticipant(ctx context.Context, chatID int, userID int) (bool, error)
	AddParticipant(ctx context.Context, chatID int, userID int) error
	RemoveParticipant(ctx context.Context, chatID int, userID int) error
	ListChatSummaries(ctx context.Context, userID int) ([]models.ChatSummary, error)
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

const chatColumns = `id, is_group, name, owner_id, last_message_id, last_message_at, is_active, created_at, updated_at`

// CreateDirectChat creates a one-to-one chat, or returns the existing
// one for the same unordered pair.
func (r *ChatRepo) CreateDirectChat(ctx context.Context, userID int, friendID int) (models.Chat, error) {
	if userID == friendID {
		return models.Chat{}, errors.New("cannot create chat with self")
	}
	pair := []int{userID, friendID}
	sort.Ints(pair)
	directKey := fmt.Sprintf("%d:%d", pair[0], pair[1])

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer tx.Rollback()

	var chat models.Chat
	err = tx.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats WHERE direct_key=$1`, directKey)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return models.Chat{}, err
		}
		// ON CONFLICT DO NOTHING returns no row when a concurrent
		// creation for the same pair won; re-select picks up the
		// winner's chat once its insert commits.
		err = tx.GetContext(ctx, &chat,
			`INSERT INTO chats (is_group, direct_key) VALUES (FALSE, $1)
                ON CONFLICT (direct_key) DO NOTHING RETURNING `+chatColumns, directKey)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats WHERE direct_key=$1`, directKey)
		}
		if err != nil {
			return models.Chat{}, err
		}
		for _, id := range pair {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				chat.ID, id); err != nil {
				return models.Chat{}, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Chat{}, err
	}
	chat.ParticipantIDs = pair
	return chat, nil
}

// CreateGroupChat creates a named group chat owned by ownerID. The
// owner is always a member.
func (r *ChatRepo) CreateGroupChat(ctx context.Context, ownerID int, name string, memberIDs []int) (models.Chat, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer tx.Rollback()

	var chat models.Chat
	if err := tx.GetContext(ctx, &chat,
		`INSERT INTO chats (is_group, name, owner_id) VALUES (TRUE, $1, $2) RETURNING `+chatColumns,
		name, ownerID); err != nil {
		return models.Chat{}, err
	}

	members := append([]int{ownerID}, memberIDs...)
	seen := map[int]struct{}{}
	for _, id := range members {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2)`, chat.ID, id); err != nil {
			return models.Chat{}, err
		}
		chat.ParticipantIDs = append(chat.ParticipantIDs, id)
	}

	if err := tx.Commit(); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// GetChat fetches a chat with its participant set.
func (r *ChatRepo) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, err
	}
	if err := r.db.SelectContext(ctx, &chat.ParticipantIDs,
		`SELECT user_id FROM chat_participants WHERE chat_id=$1 ORDER BY user_id`, chatID); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// IsParticipant checks whether a user belongs to the chat.
func (r *ChatRepo) IsParticipant(ctx context.Context, chatID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id=$1 AND user_id=$2)`, chatID, userID)
	return exists, err
}

// AddParticipant adds a user to a chat. Idempotent.
func (r *ChatRepo) AddParticipant(ctx context.Context, chatID int, userID int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, chatID, userID)
	return err
}

// RemoveParticipant removes a user from a chat.
func (r *ChatRepo) RemoveParticipant(ctx context.Context, chatID int, userID int) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM chat_participants WHERE chat_id=$1 AND user_id=$2`, chatID, userID)
	return err
}

// ListChatSummaries returns the caller's chats joined with the
// counterpart id, group name and last message preview, newest first.
// Unread counts are filled in by the engine from the counter cache.
func (r *ChatRepo) ListChatSummaries(ctx context.Context, userID int) ([]models.ChatSummary, error) {
	query := `SELECT c.id AS chat_id, c.is_group,
            COALESCE(c.name, '') AS name,
            COALESCE(other.user_id, 0) AS friend_id,
            COALESCE(lm.content, '') AS last_message,
            c.last_message_at, c.created_at
        FROM chats c
        JOIN chat_participants me ON me.chat_id = c.id AND me.user_id = $1
        LEFT JOIN chat_participants other
            ON other.chat_id = c.id AND other.user_id <> $1 AND c.is_group = FALSE
        LEFT JOIN messages lm
            ON lm.id = c.last_message_id AND lm.deleted_for_all = FALSE
        ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC`
	var summaries []models.ChatSummary
	if err := r.db.SelectContext(ctx, &summaries, query, userID); err != nil {
		return nil, err
	}

	if len(summaries) == 0 {
		return summaries, nil
	}
	chatIDs := make([]int64, 0, len(summaries))
	for _, s := range summaries {
		chatIDs = append(chatIDs, int64(s.ChatID))
	}
	var parts []models.ChatParticipant
	if err := r.db.SelectContext(ctx, &parts,
		`SELECT chat_id, user_id, joined_at FROM chat_participants WHERE chat_id = ANY($1) ORDER BY user_id`,
		pq.Int64Array(chatIDs)); err != nil {
		return nil, err
	}
	byChat := map[int][]int{}
	for _, p := range parts {
		byChat[p.ChatID] = append(byChat[p.ChatID], p.UserID)
	}
	for i := range summaries {
		summaries[i].ParticipantIDs = byChat[summaries[i].ChatID]
	}
	return summaries, nil
}
