package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"smart-parking-backend/internal/logger"
	"smart-parking-backend/internal/occupancy"
	"smart-parking-backend/pkg/utils"
)

const defaultNearbyRadiusKM = 5.0

// ParkingHandler serves the derived occupancy views.
type ParkingHandler struct {
	aggregator *occupancy.Aggregator
}

func NewParkingHandler(aggregator *occupancy.Aggregator) *ParkingHandler {
	return &ParkingHandler{aggregator: aggregator}
}

// Status handles GET /api/parking/status: the same snapshot the
// websocket fan-out pushes, plus overall totals.
func (h *ParkingHandler) Status(c *gin.Context) {
	snapshot, err := h.aggregator.ComputeSnapshot(c.Request.Context())
	if err != nil {
		logger.Error("Failed to compute parking snapshot", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to compute parking status")
		return
	}

	totalSpots := 0
	availableSpots := 0
	for _, device := range snapshot {
		totalSpots += device.TotalSpots
		availableSpots += device.AvailableSpots
	}

	utils.SuccessResponse(c, http.StatusOK, "Parking status retrieved", gin.H{
		"devices": snapshot,
		"summary": gin.H{
			"total_devices":   len(snapshot),
			"total_spots":     totalSpots,
			"available_spots": availableSpots,
			"occupancy_rate":  occupancy.Rate(totalSpots, availableSpots),
		},
	})
}

// Nearby handles GET /api/parking/nearby?lat=&lon=&radius=. Coordinates
// and radius are validated and echoed back; the result set is every
// visible device that carries a position. Distance filtering happens in
// the map client.
func (h *ParkingHandler) Nearby(c *gin.Context) {
	if _, err := parseFloatQuery(c, "lat", 0); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid coordinates")
		return
	}
	if _, err := parseFloatQuery(c, "lon", 0); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid coordinates")
		return
	}
	radius, err := parseFloatQuery(c, "radius", defaultNearbyRadiusKM)
	if err != nil || radius <= 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid radius")
		return
	}

	nearby, err := h.aggregator.Nearby(c.Request.Context())
	if err != nil {
		logger.Error("Failed to compute nearby devices", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to find nearby parking")
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Nearby parking retrieved", gin.H{
		"devices":   nearby,
		"count":     len(nearby),
		"radius_km": radius,
	})
}

func parseFloatQuery(c *gin.Context, name string, fallback float64) (float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(raw, 64)
}
