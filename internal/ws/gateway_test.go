package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devconnect-chat/internal/auth"
	"devconnect-chat/internal/engine"
	"devconnect-chat/internal/models"
)

type gatewayServiceStub struct {
	mu        sync.Mutex
	memberOf  map[int]bool
	expiredCh chan int
}

func newGatewayServiceStub(memberOf map[int]bool) *gatewayServiceStub {
	return &gatewayServiceStub{memberOf: memberOf, expiredCh: make(chan int, 4)}
}

func (s *gatewayServiceStub) IsParticipant(_ context.Context, chatID int, _ int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberOf[chatID], nil
}

func (s *gatewayServiceStub) ExpireUnreadCounts(_ context.Context, userID int, _ time.Duration) {
	s.expiredCh <- userID
}

func newGatewayServer(t *testing.T, hub *Hub, service ChatService, verifier auth.Verifier) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewGatewayHandler(hub, service, verifier, time.Hour, zerolog.Nop())
	router.GET("/ws", handler.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := newGatewayServer(t, hub, newGatewayServiceStub(nil), auth.NewJWT("secret"))

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayRejectsInvalidToken(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := newGatewayServer(t, hub, newGatewayServiceStub(nil), auth.NewJWT("secret"))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=not-a-jwt", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayConnectJoinAndReceive(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	service := newGatewayServiceStub(map[int]bool{5: true})
	signer := auth.NewJWT("secret")
	srv := newGatewayServer(t, hub, service, signer)

	token, err := signer.Sign(1, "dev@devconnect.io", time.Minute)
	require.NoError(t, err)

	header := http.Header{"Authorization": {"Bearer " + token}}
	client, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer client.Close()

	require.Eventually(t, func() bool {
		return hub.RoomSize(engine.UserRoom(1)) == 1
	}, time.Second, 10*time.Millisecond, "private room membership is implicit")

	require.NoError(t, client.WriteJSON(clientFrame{Action: "join", ChatID: 5}))
	require.Eventually(t, func() bool {
		return hub.RoomSize(engine.ChatRoom(5)) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Emit(engine.ChatRoom(5), models.EventReceiveMessage, map[string]any{"id": 7})
	frame := readFrame(t, client)
	assert.Equal(t, models.EventReceiveMessage, frame.Event)
}

func TestGatewayRefusesJoinForNonParticipant(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	service := newGatewayServiceStub(map[int]bool{})
	signer := auth.NewJWT("secret")
	srv := newGatewayServer(t, hub, service, signer)

	token, err := signer.Sign(1, "dev@devconnect.io", time.Minute)
	require.NoError(t, err)

	client, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token="+token, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer client.Close()

	require.NoError(t, client.WriteJSON(clientFrame{Action: "join", ChatID: 5}))

	// The refused join leaves the chat room empty while the session
	// stays connected.
	assert.Never(t, func() bool {
		return hub.RoomSize(engine.ChatRoom(5)) > 0
	}, 300*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, 1, hub.RoomSize(engine.UserRoom(1)))
}

func TestGatewayExpiresCountersOnLastDisconnect(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	service := newGatewayServiceStub(nil)
	signer := auth.NewJWT("secret")
	srv := newGatewayServer(t, hub, service, signer)

	token, err := signer.Sign(1, "dev@devconnect.io", time.Minute)
	require.NoError(t, err)

	dial := func() *websocket.Conn {
		client, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token="+token, nil)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return client
	}
	first := dial()
	second := dial()

	require.Eventually(t, func() bool {
		return hub.RoomSize(engine.UserRoom(1)) == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return hub.RoomSize(engine.UserRoom(1)) == 1
	}, time.Second, 10*time.Millisecond)

	select {
	case <-service.expiredCh:
		t.Fatal("counters expired while a session was still live")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, second.Close())
	select {
	case userID := <-service.expiredCh:
		assert.Equal(t, 1, userID)
	case <-time.After(2 * time.Second):
		t.Fatal("last disconnect never expired the counters")
	}
}

// Fan-out writes racing a dying connection must not swallow the
// last-session signal: the counters still get their TTL.
func TestGatewayExpiresCountersWhenEmitHitsDeadSession(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	service := newGatewayServiceStub(nil)
	signer := auth.NewJWT("secret")
	srv := newGatewayServer(t, hub, service, signer)

	token, err := signer.Sign(1, "dev@devconnect.io", time.Minute)
	require.NoError(t, err)

	client, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token="+token, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		return hub.RoomSize(engine.UserRoom(1)) == 1
	}, time.Second, 10*time.Millisecond)

	// Kill the transport abruptly and keep emitting into the private
	// room while the read loop notices.
	require.NoError(t, client.UnderlyingConn().Close())
	deadline := time.After(2 * time.Second)
	for {
		hub.Emit(engine.UserRoom(1), models.EventTotalUnreadUpdate, models.TotalUnreadPayload{Total: 1})
		select {
		case userID := <-service.expiredCh:
			assert.Equal(t, 1, userID)
			return
		case <-deadline:
			t.Fatal("counters were never expired after the session died")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
