package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"smart-parking-backend/internal/database"
	"smart-parking-backend/internal/ingestion"
	"smart-parking-backend/internal/ws"
	"smart-parking-backend/pkg/utils"
)

// BrokerStatus reports whether the telemetry transport is connected.
type BrokerStatus interface {
	IsConnected() bool
}

// SystemHandler serves health and ingest metrics endpoints.
type SystemHandler struct {
	db         *database.Database
	broker     BrokerStatus
	hub        *ws.Hub
	reconciler *ingestion.Reconciler
	startedAt  time.Time
}

func NewSystemHandler(db *database.Database, broker BrokerStatus, hub *ws.Hub, reconciler *ingestion.Reconciler) *SystemHandler {
	return &SystemHandler{
		db:         db,
		broker:     broker,
		hub:        hub,
		reconciler: reconciler,
		startedAt:  time.Now(),
	}
}

// Health handles GET /api/health. Degraded dependencies are reported but
// the endpoint answers 200 as long as the process serves requests.
func (h *SystemHandler) Health(c *gin.Context) {
	dbStatus := "ok"
	if err := h.db.Health(); err != nil {
		dbStatus = "unavailable"
	}

	brokerStatus := "ok"
	if h.broker == nil || !h.broker.IsConnected() {
		brokerStatus = "disconnected"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"database":       dbStatus,
		"mqtt":           brokerStatus,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// Metrics handles GET /api/metrics with ingest counters and fan-out
// state.
func (h *SystemHandler) Metrics(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Metrics retrieved", gin.H{
		"ingest":     h.reconciler.Metrics(),
		"ws_clients": h.hub.ClientCount(),
	})
}
