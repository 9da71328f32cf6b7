package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"devconnect-chat/internal/auth"
	"devconnect-chat/internal/cache"
	"devconnect-chat/internal/config"
	"devconnect-chat/internal/db"
	"devconnect-chat/internal/engine"
	"devconnect-chat/internal/handlers"
	"devconnect-chat/internal/middleware"
	"devconnect-chat/internal/observability"
	"devconnect-chat/internal/rabbitmq"
	"devconnect-chat/internal/repositories"
	"devconnect-chat/internal/telemetry"
	"devconnect-chat/internal/ws"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, "devconnect-chat", cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing init failed")
	}
	defer shutdownTracing(ctx)

	database, err := db.Connect(cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	unreadCache, err := cache.NewRedisUnreadCache(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer unreadCache.Close()
	logger.Info().Msg("connected to redis")

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	events := telemetry.NewEventEmitter(publisher, "chat.events", "devconnect-chat", cfg.Env, logger)

	verifier := auth.NewJWT(cfg.JWTSecret)

	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	hub := ws.NewHub(logger)
	chatEngine := engine.New(chatRepo, messageRepo, unreadCache, hub, events, logger)

	unreadTTL := time.Duration(cfg.UnreadTTLSeconds) * time.Second
	gateway := ws.NewGatewayHandler(hub, chatEngine, verifier, unreadTTL, logger)
	chatHandler := handlers.NewChatHandler(chatEngine)
	healthHandler := handlers.NewHealthHandler(database, unreadCache)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("devconnect-chat"))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(requestLogger(logger))

	authMiddleware := middleware.AuthMiddleware(verifier)

	router.POST("/chats", authMiddleware, chatHandler.CreateChat)
	router.GET("/chats", authMiddleware, chatHandler.ListChats)
	router.GET("/chats/unread", authMiddleware, chatHandler.GetUnreadCounts)
	router.POST("/chats/:chat_id/read", authMiddleware, chatHandler.MarkRead)
	router.GET("/chats/:chat_id/messages", authMiddleware, chatHandler.GetMessages)
	router.POST("/chats/:chat_id/messages", authMiddleware, chatHandler.SendMessage)
	router.PUT("/chats/:chat_id/messages/:message_id", authMiddleware, chatHandler.EditMessage)
	router.DELETE("/chats/:chat_id/messages/:message_id/me", authMiddleware, chatHandler.DeleteMessageForMe)
	router.DELETE("/chats/:chat_id/messages/:message_id/all", authMiddleware, chatHandler.DeleteMessageForAll)
	router.POST("/chats/:chat_id/participants", authMiddleware, chatHandler.AddParticipant)
	router.DELETE("/chats/:chat_id/participants/:user_id", authMiddleware, chatHandler.RemoveParticipant)

	router.GET("/ws", gateway.Handle)
	router.GET("/healthz", healthHandler.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting chat service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		logger.Info().
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("request completed")
	}
}
