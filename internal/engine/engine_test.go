package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"devconnect-chat/internal/cache"
	"devconnect-chat/internal/mocks"
	"devconnect-chat/internal/models"
	"devconnect-chat/internal/repositories"
	"devconnect-chat/internal/telemetry"
)

type testEnv struct {
	engine   *ChatEngine
	chats    *mocks.ChatRepositoryMock
	messages *mocks.MessageRepositoryMock
	cache    *cache.RedisUnreadCache
	notifier *mocks.NotifierRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &testEnv{
		chats:    new(mocks.ChatRepositoryMock),
		messages: new(mocks.MessageRepositoryMock),
		cache:    cache.NewRedisUnreadCacheFromClient(client),
		notifier: &mocks.NotifierRecorder{},
	}
	events := telemetry.NewEventEmitter(nil, "chat.events", "devconnect-chat", "test", zerolog.Nop())
	env.engine = New(env.chats, env.messages, env.cache, env.notifier, events, zerolog.Nop())
	return env
}

func directChat(id int, participants ...int) models.Chat {
	return models.Chat{ID: id, ParticipantIDs: participants}
}

func TestSendMessageFansOutAndCountsForRecipient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.chats.On("GetChat", mock.Anything, 5).Return(directChat(5, 1, 2), nil).Once()
	stored := models.Message{ID: 7, ChatID: 5, SenderID: 1, Content: "hello"}
	env.messages.On("CreateMessage", mock.Anything, 5, 1, "hello").Return(stored, nil).Once()

	msg, err := env.engine.SendMessage(ctx, 5, 1, "hello")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, msg.ID)

	// Recipient's counters: per-chat 1, total 1. Sender untouched.
	counts, total, ok, err := env.cache.Read(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[int]int{5: 1}, counts)
	assert.Equal(t, 1, total)

	_, _, ok, err = env.cache.Read(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "sender counters must not be created")

	received := env.notifier.ByEvent(models.EventReceiveMessage)
	require.Len(t, received, 1)
	assert.Equal(t, ChatRoom(5), received[0].Room)

	unread := env.notifier.ByEvent(models.EventChatUnreadUpdate)
	require.Len(t, unread, 1)
	assert.Equal(t, UserRoom(2), unread[0].Room)
	assert.Equal(t, models.ChatUnreadPayload{ChatID: 5, Count: 1}, unread[0].Payload)

	totals := env.notifier.ByEvent(models.EventTotalUnreadUpdate)
	require.Len(t, totals, 1)
	assert.Equal(t, UserRoom(2), totals[0].Room)
	assert.Equal(t, models.TotalUnreadPayload{Total: 1}, totals[0].Payload)

	env.chats.AssertExpectations(t)
	env.messages.AssertExpectations(t)
}

func TestSendMessageChatNotFound(t *testing.T) {
	env := newTestEnv(t)

	env.chats.On("GetChat", mock.Anything, 99).Return(models.Chat{}, repositories.ErrChatNotFound).Once()

	_, err := env.engine.SendMessage(context.Background(), 99, 1, "hello")
	assert.ErrorIs(t, err, ErrNotFound)
	env.messages.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageNonParticipantIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.chats.On("GetChat", mock.Anything, 5).Return(directChat(5, 2, 3), nil).Once()

	_, err := env.engine.SendMessage(ctx, 5, 1, "hello")
	assert.ErrorIs(t, err, ErrUnauthorized)

	env.messages.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, env.notifier.All(), "no events for a refused send")

	for _, userID := range []int{1, 2, 3} {
		_, _, ok, err := env.cache.Read(ctx, userID)
		require.NoError(t, err)
		assert.False(t, ok, "no counter change for a refused send")
	}
}

func TestSendMessageValidatesContent(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.SendMessage(context.Background(), 5, 1, "   ")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.engine.SendMessage(context.Background(), 5, 1, strings.Repeat("x", maxContentRunes+1))
	assert.ErrorIs(t, err, ErrValidation)

	env.chats.AssertNotCalled(t, "GetChat", mock.Anything, mock.Anything)
}

func TestSendMessageGroupBumpsEveryRecipient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	group := models.Chat{ID: 9, IsGroup: true, ParticipantIDs: []int{1, 2, 3, 4}}
	env.chats.On("GetChat", mock.Anything, 9).Return(group, nil).Once()
	env.messages.On("CreateMessage", mock.Anything, 9, 1, "hi all").
		Return(models.Message{ID: 3, ChatID: 9, SenderID: 1, Content: "hi all"}, nil).Once()

	_, err := env.engine.SendMessage(ctx, 9, 1, "hi all")
	require.NoError(t, err)

	for _, userID := range []int{2, 3, 4} {
		counts, total, ok, err := env.cache.Read(ctx, userID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, counts[9])
		assert.Equal(t, 1, total)
	}
	assert.Len(t, env.notifier.ByEvent(models.EventChatUnreadUpdate), 3)
}

func TestMarkReadResetsChatAndRecomputesTotal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// User 2 has unread in chats 5 and 7.
	for i := 0; i < 2; i++ {
		_, _, err := env.cache.Increment(ctx, 2, 5)
		require.NoError(t, err)
	}
	_, _, err := env.cache.Increment(ctx, 2, 7)
	require.NoError(t, err)

	env.chats.On("GetChat", mock.Anything, 5).Return(directChat(5, 1, 2), nil)
	env.messages.On("MarkChatRead", mock.Anything, 5, 2).Return(nil)

	require.NoError(t, env.engine.MarkRead(ctx, 5, 2))

	counts, total, ok, err := env.cache.Read(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, counts[5])
	assert.Equal(t, 1, counts[7])
	assert.Equal(t, 1, total)

	unread := env.notifier.ByEvent(models.EventChatUnreadUpdate)
	require.Len(t, unread, 1)
	assert.Equal(t, UserRoom(2), unread[0].Room)
	assert.Equal(t, models.ChatUnreadPayload{ChatID: 5, Count: 0}, unread[0].Payload)

	totals := env.notifier.ByEvent(models.EventTotalUnreadUpdate)
	require.Len(t, totals, 1)
	assert.Equal(t, models.TotalUnreadPayload{Total: 1}, totals[0].Payload)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.cache.Increment(ctx, 2, 5)
	require.NoError(t, err)

	env.chats.On("GetChat", mock.Anything, 5).Return(directChat(5, 1, 2), nil)
	env.messages.On("MarkChatRead", mock.Anything, 5, 2).Return(nil)

	for i := 0; i < 2; i++ {
		require.NoError(t, env.engine.MarkRead(ctx, 5, 2))
		counts, total, ok, err := env.cache.Read(ctx, 2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Zero(t, counts[5])
		assert.Zero(t, total)
	}
}

func TestMarkReadRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)

	env.chats.On("GetChat", mock.Anything, 5).Return(directChat(5, 1, 2), nil).Once()

	err := env.engine.MarkRead(context.Background(), 5, 3)
	assert.ErrorIs(t, err, ErrUnauthorized)
	env.messages.AssertNotCalled(t, "MarkChatRead", mock.Anything, mock.Anything, mock.Anything)
}

func TestEditMessageBySenderEmitsUpdate(t *testing.T) {
	env := newTestEnv(t)

	env.messages.On("GetMessage", mock.Anything, 7).
		Return(models.Message{ID: 7, ChatID: 5, SenderID: 1, Content: "old"}, nil).Once()
	updated := models.Message{ID: 7, ChatID: 5, SenderID: 1, Content: "new"}
	env.messages.On("UpdateContent", mock.Anything, 7, "new").Return(updated, nil).Once()

	msg, err := env.engine.EditMessage(context.Background(), 7, 1, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", msg.Content)

	events := env.notifier.ByEvent(models.EventUpdateMessage)
	require.Len(t, events, 1)
	assert.Equal(t, ChatRoom(5), events[0].Room)
}

func TestEditMessageByNonSenderIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	env.messages.On("GetMessage", mock.Anything, 7).
		Return(models.Message{ID: 7, ChatID: 5, SenderID: 2, Content: "old"}, nil).Once()

	_, err := env.engine.EditMessage(context.Background(), 7, 1, "new")
	assert.ErrorIs(t, err, ErrUnauthorized)
	env.messages.AssertNotCalled(t, "UpdateContent", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, env.notifier.All())
}

func TestDeleteForAllRequiresSender(t *testing.T) {
	env := newTestEnv(t)

	env.messages.On("GetMessage", mock.Anything, 7).
		Return(models.Message{ID: 7, ChatID: 5, SenderID: 2}, nil).Once()
	env.chats.On("GetChat", mock.Anything, 5).Return(directChat(5, 1, 2), nil).Once()

	err := env.engine.DeleteMessage(context.Background(), 7, 1, true)
	assert.ErrorIs(t, err, ErrUnauthorized)
	env.messages.AssertNotCalled(t, "MarkDeletedForAll", mock.Anything, mock.Anything)
}

func TestDeleteForAllEmitsToRoom(t *testing.T) {
	env := newTestEnv(t)

	env.messages.On("GetMessage", mock.Anything, 7).
		Return(models.Message{ID: 7, ChatID: 5, SenderID: 1}, nil).Once()
	env.chats.On("GetChat", mock.Anything, 5).Return(directChat(5, 1, 2), nil).Once()
	env.messages.On("MarkDeletedForAll", mock.Anything, 7).Return(nil).Once()

	require.NoError(t, env.engine.DeleteMessage(context.Background(), 7, 1, true))

	events := env.notifier.ByEvent(models.EventDeleteMessage)
	require.Len(t, events, 1)
	assert.Equal(t, ChatRoom(5), events[0].Room)
	assert.Equal(t, models.MessageDeletedPayload{ChatID: 5, MessageID: 7}, events[0].Payload)
}

func TestDeleteForMeIsAPrivateMutation(t *testing.T) {
	env := newTestEnv(t)

	env.messages.On("GetMessage", mock.Anything, 7).
		Return(models.Message{ID: 7, ChatID: 5, SenderID: 1}, nil).Twice()
	env.chats.On("GetChat", mock.Anything, 5).Return(directChat(5, 1, 2), nil).Twice()
	env.messages.On("HideForUser", mock.Anything, 7, 2).Return(nil).Twice()

	// Twice: hide-for-me is idempotent end to end.
	require.NoError(t, env.engine.DeleteMessage(context.Background(), 7, 2, false))
	require.NoError(t, env.engine.DeleteMessage(context.Background(), 7, 2, false))

	assert.Empty(t, env.notifier.All(), "delete-for-me must not fan out")
}

func TestGetUnreadCountsColdStartPopulatesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The aggregate query must run exactly once: the second read is
	// served from the populated cache.
	env.messages.On("CountUnreadByChat", mock.Anything, 2).Return(map[int]int{5: 2, 7: 1}, nil).Once()

	counts, err := env.engine.GetUnreadCounts(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{5: 2, 7: 1}, counts.ByChat)
	assert.Equal(t, 3, counts.Total)

	again, err := env.engine.GetUnreadCounts(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, counts, again)

	env.messages.AssertExpectations(t)
}

func TestGetUnreadCountsFallsBackWhenCacheUnavailable(t *testing.T) {
	env := newTestEnv(t)
	brokenCache := new(mocks.UnreadCacheMock)
	events := telemetry.NewEventEmitter(nil, "chat.events", "devconnect-chat", "test", zerolog.Nop())
	eng := New(env.chats, env.messages, brokenCache, env.notifier, events, zerolog.Nop())

	brokenCache.On("Read", mock.Anything, 2).Return(nil, 0, false, assert.AnError).Twice()
	env.messages.On("CountUnreadByChat", mock.Anything, 2).Return(map[int]int{5: 1}, nil).Twice()

	// Every read degrades to the store aggregate; slower but correct.
	for i := 0; i < 2; i++ {
		counts, err := eng.GetUnreadCounts(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, map[int]int{5: 1}, counts.ByChat)
		assert.Equal(t, 1, counts.Total)
	}
	brokenCache.AssertNotCalled(t, "Populate", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageSurvivesCacheOutage(t *testing.T) {
	env := newTestEnv(t)
	brokenCache := new(mocks.UnreadCacheMock)
	events := telemetry.NewEventEmitter(nil, "chat.events", "devconnect-chat", "test", zerolog.Nop())
	eng := New(env.chats, env.messages, brokenCache, env.notifier, events, zerolog.Nop())

	env.chats.On("GetChat", mock.Anything, 5).Return(directChat(5, 1, 2), nil).Once()
	stored := models.Message{ID: 7, ChatID: 5, SenderID: 1, Content: "hello"}
	env.messages.On("CreateMessage", mock.Anything, 5, 1, "hello").Return(stored, nil).Once()
	brokenCache.On("Increment", mock.Anything, 2, 5).Return(0, 0, assert.AnError).Once()

	// Counters never block message delivery.
	msg, err := eng.SendMessage(context.Background(), 5, 1, "hello")
	require.NoError(t, err)
	assert.Equal(t, 7, msg.ID)

	require.Len(t, env.notifier.ByEvent(models.EventReceiveMessage), 1)
	assert.Empty(t, env.notifier.ByEvent(models.EventChatUnreadUpdate))
}

func TestGetMessagesRequiresMembership(t *testing.T) {
	env := newTestEnv(t)

	env.chats.On("IsParticipant", mock.Anything, 5, 3).Return(false, nil).Once()

	_, err := env.engine.GetMessages(context.Background(), 5, 3, 1, 50)
	assert.ErrorIs(t, err, ErrUnauthorized)
	env.messages.AssertNotCalled(t, "ListMessages",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetMessagesCapsLimit(t *testing.T) {
	env := newTestEnv(t)

	env.chats.On("IsParticipant", mock.Anything, 5, 1).Return(true, nil).Once()
	env.messages.On("ListMessages", mock.Anything, 5, 1, 1, maxPageLimit).Return([]models.Message{}, nil).Once()

	_, err := env.engine.GetMessages(context.Background(), 5, 1, 1, 100000)
	require.NoError(t, err)
	env.messages.AssertExpectations(t)
}

func TestCreateDirectChatNotifiesBothUsers(t *testing.T) {
	env := newTestEnv(t)

	chat := directChat(5, 1, 2)
	env.chats.On("CreateDirectChat", mock.Anything, 1, 2).Return(chat, nil).Once()

	created, err := env.engine.CreateChat(context.Background(), 1, []int{2}, "")
	require.NoError(t, err)
	assert.Equal(t, 5, created.ID)

	events := env.notifier.ByEvent(models.EventChatCreated)
	require.Len(t, events, 2)
	assert.Equal(t, UserRoom(1), events[0].Room)
	assert.Equal(t, UserRoom(2), events[1].Room)
}

func TestCreateChatRejectsEmptyParticipants(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.CreateChat(context.Background(), 1, nil, "")
	assert.ErrorIs(t, err, ErrValidation)

	// The creator alone is not a chat either.
	_, err = env.engine.CreateChat(context.Background(), 1, []int{1}, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateGroupChatRequiresName(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.CreateChat(context.Background(), 1, []int{2, 3}, "  ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateGroupChatNotifiesMembers(t *testing.T) {
	env := newTestEnv(t)

	group := models.Chat{ID: 9, IsGroup: true, ParticipantIDs: []int{1, 2, 3}}
	env.chats.On("CreateGroupChat", mock.Anything, 1, "hackathon crew", []int{2, 3}).Return(group, nil).Once()

	_, err := env.engine.CreateChat(context.Background(), 1, []int{2, 3}, "hackathon crew")
	require.NoError(t, err)
	assert.Len(t, env.notifier.ByEvent(models.EventGroupCreated), 3)
}

func TestAddParticipantToDirectChatRejected(t *testing.T) {
	env := newTestEnv(t)

	env.chats.On("GetChat", mock.Anything, 5).Return(directChat(5, 1, 2), nil).Once()

	err := env.engine.AddParticipant(context.Background(), 5, 1, 3)
	assert.ErrorIs(t, err, ErrValidation)
	env.chats.AssertNotCalled(t, "AddParticipant", mock.Anything, mock.Anything, mock.Anything)
}

func TestListChatsFillsUnreadCounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := env.cache.Increment(ctx, 1, 5)
		require.NoError(t, err)
	}
	env.chats.On("ListChatSummaries", mock.Anything, 1).
		Return([]models.ChatSummary{{ChatID: 5, FriendID: 2}, {ChatID: 7, FriendID: 3}}, nil).Once()

	summaries, err := env.engine.ListChats(ctx, 1)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, 2, summaries[0].UnreadCount)
	assert.Zero(t, summaries[1].UnreadCount)
}
