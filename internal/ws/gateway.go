package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"devconnect-chat/internal/auth"
	"devconnect-chat/internal/engine"
	"devconnect-chat/internal/observability"
)

// ChatService is the slice of the engine the gateway needs.
type ChatService interface {
	IsParticipant(ctx context.Context, chatID int, userID int) (bool, error)
	ExpireUnreadCounts(ctx context.Context, userID int, ttl time.Duration)
}

// GatewayHandler terminates client websocket connections,
// authenticates them before completing the handshake and maps them
// into rooms.
type GatewayHandler struct {
	hub       *Hub
	service   ChatService
	verifier  auth.Verifier
	unreadTTL time.Duration
	logger    zerolog.Logger
}

// NewGatewayHandler constructs a GatewayHandler.
func NewGatewayHandler(hub *Hub, service ChatService, verifier auth.Verifier, unreadTTL time.Duration, logger zerolog.Logger) *GatewayHandler {
	return &GatewayHandler{
		hub:       hub,
		service:   service,
		verifier:  verifier,
		unreadTTL: unreadTTL,
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is what clients send: join/leave requests for chat rooms.
type clientFrame struct {
	Action string `json:"action"`
	ChatID int    `json:"chat_id"`
}

// Handle authenticates, upgrades and services one connection. The
// session is implicitly a member of its user's private room; chat
// rooms are joined on request after a participant check.
func (h *GatewayHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("devconnect-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	identity, err := h.verifier.ResolveUser(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.ID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	h.hub.Register(conn, info, engine.UserRoom(identity.ID))

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.logger.Info().Str("conn_id", info.ConnID).Int("user_id", info.UserID).Msg("session connected")

	go h.readLoop(conn, info)
}

func (h *GatewayHandler) readLoop(conn *websocket.Conn, info ConnInfo) {
	defer func() {
		_, lastSession := h.hub.Unregister(conn)
		conn.Close()
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.logger.Info().Str("conn_id", info.ConnID).Int("user_id", info.UserID).
			Dur("duration", time.Since(info.ConnectedAt)).Msg("session disconnected")
		if lastSession {
			h.service.ExpireUnreadCounts(context.Background(), info.UserID, h.unreadTTL)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.ChatID == 0 {
			continue
		}

		switch frame.Action {
		case "join":
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			member, err := h.service.IsParticipant(ctx, frame.ChatID, info.UserID)
			cancel()
			if err != nil || !member {
				h.logger.Warn().Int("user_id", info.UserID).Int("chat_id", frame.ChatID).
					Msg("room join refused")
				continue
			}
			h.hub.Join(conn, engine.ChatRoom(frame.ChatID))
		case "leave":
			h.hub.Leave(conn, engine.ChatRoom(frame.ChatID))
		}
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}
