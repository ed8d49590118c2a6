package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"smart-parking-backend/internal/config"
	"smart-parking-backend/internal/handler"
	"smart-parking-backend/internal/logger"
	"smart-parking-backend/internal/middleware"
	"smart-parking-backend/internal/ws"
)

// Handlers bundles everything the router mounts.
type Handlers struct {
	Device  *handler.DeviceHandler
	Parking *handler.ParkingHandler
	System  *handler.SystemHandler
	Hub     *ws.Hub
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboard clients connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func SetupRouter(cfg *config.Config, h Handlers) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.CORSMiddleware(&cfg.CORS))
	router.Use(middleware.RateLimitMiddleware(cfg.RateLimit.GeneralRPS, cfg.RateLimit.GeneralBurst))

	router.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("Websocket upgrade failed", zap.Error(err))
			return
		}
		h.Hub.HandleConnection(conn)
	})

	api := router.Group("/api")
	{
		api.GET("/health", h.System.Health)
		api.GET("/metrics", h.System.Metrics)

		api.POST("/device/register", h.Device.RegisterDevice)
		api.GET("/devices", h.Device.ListDevices)
		api.GET("/device/:id", h.Device.GetDevice)
		api.DELETE("/device/:id", h.Device.DeleteDevice)
		api.GET("/device/:id/sensors", h.Device.ListSensors)
		api.GET("/device/:id/cameras", h.Device.ListCameras)
		api.GET("/device/:id/camera/:index/image", h.Device.GetCameraImage)

		api.GET("/parking/status", h.Parking.Status)
		api.GET("/parking/nearby", h.Parking.Nearby)
	}

	return router
}
