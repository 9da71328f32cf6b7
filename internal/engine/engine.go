package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"devconnect-chat/internal/cache"
	"devconnect-chat/internal/models"
	"devconnect-chat/internal/observability"
	"devconnect-chat/internal/repositories"
	"devconnect-chat/internal/telemetry"
)

const (
	maxContentRunes = 4000

	defaultPageLimit = 50
	maxPageLimit     = 200

	// Bounded retries for read paths when the store hiccups.
	readAttempts = 3
	storeTimeout = 5 * time.Second
)

// Notifier fans events out to live sessions joined to a room.
// Delivery is fire-and-forget.
type Notifier interface {
	Emit(room string, event string, payload any)
}

// ChatRoom names the fan-out room for a chat.
func ChatRoom(chatID int) string {
	return fmt.Sprintf("chat:%d", chatID)
}

// UserRoom names a user's private cross-chat room.
func UserRoom(userID int) string {
	return fmt.Sprintf("user:%d", userID)
}

// ChatEngine enforces chat and message invariants and drives counter
// and fan-out side effects. All dependencies are injected at
// construction; there is no reachable partially-initialized state.
type ChatEngine struct {
	chats    repositories.ChatRepository
	messages repositories.MessageRepository
	unread   cache.UnreadCache
	notifier Notifier
	events   *telemetry.EventEmitter
	logger   zerolog.Logger

	// Serializes counter mutation together with its store counterpart
	// per (user, chat), so a concurrent send and mark-read cannot lose
	// an increment (engine instances are the cache's only writers).
	locks stripedLock
}

// New constructs a ChatEngine.
func New(
	chats repositories.ChatRepository,
	messages repositories.MessageRepository,
	unread cache.UnreadCache,
	notifier Notifier,
	events *telemetry.EventEmitter,
	logger zerolog.Logger,
) *ChatEngine {
	return &ChatEngine{
		chats:    chats,
		messages: messages,
		unread:   unread,
		notifier: notifier,
		events:   events,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// SendMessage validates, persists and fans out one message. The
// persisted write always completes even if the caller disconnects
// mid-flight; counters and events are applied only after persistence
// succeeds and never fail the call.
func (e *ChatEngine) SendMessage(ctx context.Context, chatID int, senderID int, content string) (models.Message, error) {
	if err := validateContent(content); err != nil {
		return models.Message{}, err
	}

	chat, err := e.getChat(ctx, chatID)
	if err != nil {
		return models.Message{}, err
	}
	if !chat.HasParticipant(senderID) {
		return models.Message{}, fmt.Errorf("user %d is not a participant of chat %d: %w", senderID, chatID, ErrUnauthorized)
	}

	// A dropped client connection must not abandon a send that
	// already passed validation.
	ctx = context.WithoutCancel(ctx)

	recipients := make([]int, 0, len(chat.ParticipantIDs))
	stripes := make([]int, 0, len(chat.ParticipantIDs))
	for _, userID := range chat.ParticipantIDs {
		if userID == senderID {
			continue
		}
		recipients = append(recipients, userID)
		stripes = append(stripes, stripeFor(userID, chatID))
	}

	// The recipient stripes stay held from persistence through the
	// counter increments, so a concurrent mark-read observes either
	// none or both of {message row, incremented counter}.
	unlock := e.locks.lock(stripes)

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	msg, err := e.messages.CreateMessage(storeCtx, chatID, senderID, content)
	cancel()
	if err != nil {
		unlock()
		return models.Message{}, fmt.Errorf("persist message: %w", err)
	}
	observability.IncMessageSent(chat.IsGroup)

	updates := make([]counterUpdate, 0, len(recipients))
	for _, userID := range recipients {
		chatCount, total, incErr := e.unread.Increment(ctx, userID, chatID)
		if incErr != nil {
			// Degrade to a no-op: the recipient's next read rebuilds
			// from the store.
			e.logger.Warn().Err(incErr).Int("user_id", userID).Int("chat_id", chatID).
				Msg("unread increment skipped, cache unavailable")
			continue
		}
		updates = append(updates, counterUpdate{userID: userID, chatCount: chatCount, total: total})
	}
	unlock()

	for _, u := range updates {
		e.notifier.Emit(UserRoom(u.userID), models.EventChatUnreadUpdate,
			models.ChatUnreadPayload{ChatID: chatID, Count: u.chatCount})
		e.notifier.Emit(UserRoom(u.userID), models.EventTotalUnreadUpdate,
			models.TotalUnreadPayload{Total: u.total})
	}
	e.notifier.Emit(ChatRoom(chatID), models.EventReceiveMessage, msg)
	e.events.Emit(ctx, "message_sent", map[string]any{
		"chat_id": chatID, "message_id": msg.ID, "sender_id": senderID,
	})
	return msg, nil
}

type counterUpdate struct {
	userID    int
	chatCount int
	total     int
}

// EditMessage updates content and edited_at. Sender only; unread
// counters are unaffected.
func (e *ChatEngine) EditMessage(ctx context.Context, messageID int, userID int, content string) (models.Message, error) {
	if err := validateContent(content); err != nil {
		return models.Message{}, err
	}

	msg, err := e.getMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != userID {
		return models.Message{}, fmt.Errorf("user %d did not send message %d: %w", userID, messageID, ErrUnauthorized)
	}
	if msg.DeletedForAll {
		return models.Message{}, fmt.Errorf("message %d is deleted: %w", messageID, ErrNotFound)
	}

	updated, err := e.messages.UpdateContent(ctx, messageID, content)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("update message: %w", err)
	}

	e.notifier.Emit(ChatRoom(updated.ChatID), models.EventUpdateMessage, updated)
	return updated, nil
}

// DeleteMessage tombstones a message for everyone (sender only) or
// hides it for the caller. The for-me path is a private mutation with
// no fan-out.
func (e *ChatEngine) DeleteMessage(ctx context.Context, messageID int, userID int, forAll bool) error {
	msg, err := e.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	chat, err := e.getChat(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(userID) {
		return fmt.Errorf("user %d is not a participant of chat %d: %w", userID, msg.ChatID, ErrUnauthorized)
	}

	if forAll {
		if msg.SenderID != userID {
			return fmt.Errorf("only the sender may delete for all: %w", ErrUnauthorized)
		}
		if err := e.messages.MarkDeletedForAll(ctx, messageID); err != nil {
			if errors.Is(err, repositories.ErrMessageNotFound) {
				return fmt.Errorf("message %d: %w", messageID, ErrNotFound)
			}
			return fmt.Errorf("delete message: %w", err)
		}
		e.notifier.Emit(ChatRoom(msg.ChatID), models.EventDeleteMessage,
			models.MessageDeletedPayload{ChatID: msg.ChatID, MessageID: messageID})
		e.events.Emit(ctx, "message_deleted", map[string]any{
			"chat_id": msg.ChatID, "message_id": messageID, "deleted_by": userID,
		})
		return nil
	}

	if err := e.messages.HideForUser(ctx, messageID, userID); err != nil {
		return fmt.Errorf("hide message: %w", err)
	}
	return nil
}

// MarkRead stamps a read receipt on every unread non-deleted message
// in the chat, resets the caller's per-chat counter to zero and
// recomputes the total from the full per-chat map.
func (e *ChatEngine) MarkRead(ctx context.Context, chatID int, userID int) error {
	chat, err := e.getChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(userID) {
		return fmt.Errorf("user %d is not a participant of chat %d: %w", userID, chatID, ErrUnauthorized)
	}

	ctx = context.WithoutCancel(ctx)

	unlock := e.locks.lock([]int{stripeFor(userID, chatID)})

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	err = e.messages.MarkChatRead(storeCtx, chatID, userID)
	cancel()
	if err != nil {
		unlock()
		return fmt.Errorf("mark chat read: %w", err)
	}

	total, err := e.unread.Reset(ctx, userID, chatID, 0)
	unlock()
	if err != nil {
		// Cache degraded: the store already holds the truth, so fall
		// back to the aggregate for the total pushed to the client.
		e.logger.Warn().Err(err).Int("user_id", userID).Int("chat_id", chatID).
			Msg("unread reset skipped, cache unavailable")
		counts, aggErr := e.countUnreadFromStore(ctx, userID)
		if aggErr != nil {
			e.notifier.Emit(UserRoom(userID), models.EventChatUnreadUpdate,
				models.ChatUnreadPayload{ChatID: chatID, Count: 0})
			return nil
		}
		total = 0
		for _, n := range counts {
			total += n
		}
	}

	e.notifier.Emit(UserRoom(userID), models.EventChatUnreadUpdate,
		models.ChatUnreadPayload{ChatID: chatID, Count: 0})
	e.notifier.Emit(UserRoom(userID), models.EventTotalUnreadUpdate,
		models.TotalUnreadPayload{Total: total})
	e.events.Emit(ctx, "chat_read", map[string]any{"chat_id": chatID, "user_id": userID})
	return nil
}

// GetMessages returns one ascending page of messages visible to the
// user. Read-only, no side effects.
func (e *ChatEngine) GetMessages(ctx context.Context, chatID int, userID int, page int, limit int) ([]models.Message, error) {
	member, err := e.chats.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("verify membership: %w", err)
	}
	if !member {
		return nil, fmt.Errorf("user %d is not a participant of chat %d: %w", userID, chatID, ErrUnauthorized)
	}

	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	var msgs []models.Message
	err = e.withReadRetry(ctx, func(ctx context.Context) error {
		var listErr error
		msgs, listErr = e.messages.ListMessages(ctx, chatID, userID, page, limit)
		return listErr
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// GetUnreadCounts is the cache-first unread read. A miss falls back to
// the durable aggregate and repopulates the cache; a cache error
// degrades to the aggregate on every call.
func (e *ChatEngine) GetUnreadCounts(ctx context.Context, userID int) (models.UnreadCounts, error) {
	counts, total, ok, err := e.unread.Read(ctx, userID)
	if err != nil {
		e.logger.Warn().Err(err).Int("user_id", userID).Msg("unread cache read failed, using store aggregate")
		observability.IncUnreadCacheMiss()
		stored, aggErr := e.countUnreadFromStore(ctx, userID)
		if aggErr != nil {
			return models.UnreadCounts{}, fmt.Errorf("count unread: %w", aggErr)
		}
		return sumCounts(stored), nil
	}
	if ok {
		observability.IncUnreadCacheHit()
		return models.UnreadCounts{ByChat: counts, Total: total}, nil
	}

	observability.IncUnreadCacheMiss()
	stored, err := e.countUnreadFromStore(ctx, userID)
	if err != nil {
		return models.UnreadCounts{}, fmt.Errorf("count unread: %w", err)
	}
	total, err = e.unread.Populate(ctx, userID, stored)
	if err != nil {
		e.logger.Warn().Err(err).Int("user_id", userID).Msg("unread cache populate failed")
		return sumCounts(stored), nil
	}
	return models.UnreadCounts{ByChat: stored, Total: total}, nil
}

// ExpireUnreadCounts bounds the lifetime of a user's cached counters.
// Called by the gateway when the user's last session disconnects.
func (e *ChatEngine) ExpireUnreadCounts(ctx context.Context, userID int, ttl time.Duration) {
	if err := e.unread.Expire(ctx, userID, ttl); err != nil {
		e.logger.Warn().Err(err).Int("user_id", userID).Msg("unread expire failed")
	}
}

// ListChats returns the chat-list read model with unread counts filled
// in from the counter cache.
func (e *ChatEngine) ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error) {
	var summaries []models.ChatSummary
	err := e.withReadRetry(ctx, func(ctx context.Context) error {
		var listErr error
		summaries, listErr = e.chats.ListChatSummaries(ctx, userID)
		return listErr
	})
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	unread, err := e.GetUnreadCounts(ctx, userID)
	if err != nil {
		// The list is still useful without badges.
		e.logger.Warn().Err(err).Int("user_id", userID).Msg("unread counts unavailable for chat list")
		return summaries, nil
	}
	for i := range summaries {
		summaries[i].UnreadCount = unread.ByChat[summaries[i].ChatID]
	}
	return summaries, nil
}

// CreateChat creates (or reuses) a direct chat for one counterpart, or
// a named group for several. Every participant's private room is
// notified.
func (e *ChatEngine) CreateChat(ctx context.Context, creatorID int, participantIDs []int, name string) (models.Chat, error) {
	others := make([]int, 0, len(participantIDs))
	seen := map[int]struct{}{creatorID: {}}
	for _, id := range participantIDs {
		if id <= 0 {
			return models.Chat{}, fmt.Errorf("invalid participant id %d: %w", id, ErrValidation)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		others = append(others, id)
	}
	if len(others) == 0 {
		return models.Chat{}, fmt.Errorf("a chat needs at least one other participant: %w", ErrValidation)
	}

	if len(others) == 1 {
		chat, err := e.chats.CreateDirectChat(ctx, creatorID, others[0])
		if err != nil {
			return models.Chat{}, fmt.Errorf("create chat: %w", err)
		}
		for _, id := range chat.ParticipantIDs {
			e.notifier.Emit(UserRoom(id), models.EventChatCreated, chat)
		}
		e.events.Emit(ctx, "chat_created", map[string]any{"chat_id": chat.ID, "created_by": creatorID})
		return chat, nil
	}

	if strings.TrimSpace(name) == "" {
		return models.Chat{}, fmt.Errorf("group chats need a name: %w", ErrValidation)
	}
	chat, err := e.chats.CreateGroupChat(ctx, creatorID, name, others)
	if err != nil {
		return models.Chat{}, fmt.Errorf("create group chat: %w", err)
	}
	for _, id := range chat.ParticipantIDs {
		e.notifier.Emit(UserRoom(id), models.EventGroupCreated, chat)
	}
	e.events.Emit(ctx, "chat_created", map[string]any{"chat_id": chat.ID, "created_by": creatorID, "group": true})
	return chat, nil
}

// AddParticipant adds a user to a group chat.
func (e *ChatEngine) AddParticipant(ctx context.Context, chatID int, actorID int, userID int) error {
	chat, err := e.getChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.IsGroup {
		return fmt.Errorf("cannot add participants to a direct chat: %w", ErrValidation)
	}
	if !chat.HasParticipant(actorID) {
		return fmt.Errorf("user %d is not a participant of chat %d: %w", actorID, chatID, ErrUnauthorized)
	}

	if err := e.chats.AddParticipant(ctx, chatID, userID); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	payload := models.MembershipPayload{ChatID: chatID, UserID: userID}
	e.notifier.Emit(ChatRoom(chatID), models.EventUserAdded, payload)
	e.notifier.Emit(UserRoom(userID), models.EventGroupCreated, chat)
	return nil
}

// RemoveParticipant removes a user from a group chat. A member may
// remove themself; otherwise only the owner may remove.
func (e *ChatEngine) RemoveParticipant(ctx context.Context, chatID int, actorID int, userID int) error {
	chat, err := e.getChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.IsGroup {
		return fmt.Errorf("cannot remove participants from a direct chat: %w", ErrValidation)
	}
	if actorID != userID && (chat.OwnerID == nil || int(*chat.OwnerID) != actorID) {
		return fmt.Errorf("only the owner may remove other members: %w", ErrUnauthorized)
	}
	if !chat.HasParticipant(userID) {
		return fmt.Errorf("user %d is not a participant of chat %d: %w", userID, chatID, ErrNotFound)
	}

	if err := e.chats.RemoveParticipant(ctx, chatID, userID); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	e.notifier.Emit(ChatRoom(chatID), models.EventUserRemoved,
		models.MembershipPayload{ChatID: chatID, UserID: userID})
	return nil
}

// IsParticipant is used by the gateway before joining a session to a
// chat room.
func (e *ChatEngine) IsParticipant(ctx context.Context, chatID int, userID int) (bool, error) {
	return e.chats.IsParticipant(ctx, chatID, userID)
}

func (e *ChatEngine) getChat(ctx context.Context, chatID int) (models.Chat, error) {
	chat, err := e.chats.GetChat(ctx, chatID)
	if errors.Is(err, repositories.ErrChatNotFound) {
		return models.Chat{}, fmt.Errorf("chat %d: %w", chatID, ErrNotFound)
	}
	if err != nil {
		return models.Chat{}, fmt.Errorf("load chat: %w", err)
	}
	return chat, nil
}

func (e *ChatEngine) getMessage(ctx context.Context, messageID int) (models.Message, error) {
	msg, err := e.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("load message: %w", err)
	}
	return msg, nil
}

func (e *ChatEngine) countUnreadFromStore(ctx context.Context, userID int) (map[int]int, error) {
	var counts map[int]int
	err := e.withReadRetry(ctx, func(ctx context.Context) error {
		var aggErr error
		counts, aggErr = e.messages.CountUnreadByChat(ctx, userID)
		return aggErr
	})
	return counts, err
}

// withReadRetry runs a read against the store with a bounded number of
// attempts. Domain errors are never retried; only infra failures reach
// here because repositories surface domain conditions as sentinels
// checked by the caller first.
func (e *ChatEngine) withReadRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < readAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("content must not be empty: %w", ErrValidation)
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		return fmt.Errorf("content exceeds %d characters: %w", maxContentRunes, ErrValidation)
	}
	return nil
}

func sumCounts(counts map[int]int) models.UnreadCounts {
	total := 0
	for _, n := range counts {
		total += n
	}
	if counts == nil {
		counts = map[int]int{}
	}
	return models.UnreadCounts{ByChat: counts, Total: total}
}
