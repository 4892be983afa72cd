package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/buildinfo"
	"github.com/JuanPabloHerrera/openapi/pkg/api"
	"github.com/gin-gonic/gin"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db      Pinger
	started time.Time
}

func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db, started: time.Now()}
}

// Health is a liveness probe. It never touches the store.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   buildinfo.Normalized(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	})
}

// Ready reports 503 while the store is unreachable.
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			_ = c.Error(api.NewError(http.StatusServiceUnavailable, "Database unavailable", api.TypeAPI, http.StatusServiceUnavailable, api.WithLog(err)))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
