package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/persistence"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/room"
	"go.uber.org/zap"
)

// Handler manages the health check endpoints.
type Handler struct {
	store     persistence.Gateway
	rooms     *room.Manager
	startedAt time.Time
	timeout   time.Duration
}

// NewHandler creates a health handler. timeout bounds dependency checks.
func NewHandler(store persistence.Gateway, rooms *room.Manager, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Handler{
		store:     store,
		rooms:     rooms,
		startedAt: time.Now(),
		timeout:   timeout,
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is the full health payload on GET /health.
type StatusResponse struct {
	Status   string            `json:"status"`
	Uptime   int64             `json:"uptime"`
	Services map[string]string `json:"services"`
	Stats    room.Stats        `json:"stats"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive,
// with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when the document
// store answers; 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{
		"persistence": h.checkStore(ctx),
	}

	status := "ready"
	statusCode := http.StatusOK
	if checks["persistence"] != "healthy" {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Status handles GET /health: overall status, uptime in seconds, dependency
// health, and room stats. 200 healthy, 503 degraded.
func (h *Handler) Status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	services := map[string]string{
		"persistence": h.checkStore(ctx),
		"websocket":   "healthy",
	}

	status := "healthy"
	statusCode := http.StatusOK
	for _, s := range services {
		if s != "healthy" {
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(statusCode, StatusResponse{
		Status:   status,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
		Services: services,
		Stats:    h.rooms.GetStats(),
	})
}

func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "Document store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
