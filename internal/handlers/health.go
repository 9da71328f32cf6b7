package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
)

// Pinger reports cache liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports readiness of the durable store and the counter
// cache. A degraded cache is reported but does not fail the check:
// chat delivery works without it.
type HealthHandler struct {
	db    *sqlx.DB
	cache Pinger
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(db *sqlx.DB, cache Pinger) *HealthHandler {
	return &HealthHandler{db: db, cache: cache}
}

func (h *HealthHandler) Handle(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{"status": "ok", "db": "ok", "cache": "ok"}
	code := http.StatusOK

	if err := h.db.PingContext(ctx); err != nil {
		status["status"] = "unavailable"
		status["db"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			status["cache"] = "degraded: " + err.Error()
		}
	} else {
		status["cache"] = "disabled"
	}

	c.JSON(code, status)
}
