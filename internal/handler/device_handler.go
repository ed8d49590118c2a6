package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"smart-parking-backend/internal/ingestion"
	"smart-parking-backend/internal/logger"
	"smart-parking-backend/internal/occupancy"
	"smart-parking-backend/internal/registry"
	apperrors "smart-parking-backend/pkg/errors"
	"smart-parking-backend/pkg/utils"
)

// DeviceHandler serves the device registry API. Registration through HTTP
// and through the messaging channel share the same repository path, so
// both are idempotent on MAC address.
type DeviceHandler struct {
	repo       *registry.Repository
	aggregator *occupancy.Aggregator
	brokerHost string
	brokerPort int
}

func NewDeviceHandler(repo *registry.Repository, aggregator *occupancy.Aggregator, brokerHost string, brokerPort int) *DeviceHandler {
	return &DeviceHandler{
		repo:       repo,
		aggregator: aggregator,
		brokerHost: brokerHost,
		brokerPort: brokerPort,
	}
}

type registerDeviceRequest struct {
	MACAddress string  `json:"mac_address"`
	Name       string  `json:"name"`
	Location   string  `json:"location"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// RegisterDevice handles POST /api/device/register. The response carries
// the same credential payload a device receives over the messaging
// channel.
func (h *DeviceHandler) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg := &ingestion.RegisterRequestMessage{
		MACAddress: req.MACAddress,
		Name:       req.Name,
		Location:   req.Location,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
	}
	if err := ingestion.ValidateRegisterRequest(msg); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	device, isNew, err := h.repo.RegisterDevice(c.Request.Context(), registry.RegisterDeviceInput{
		MACAddress: req.MACAddress,
		Name:       utils.SanitizeString(req.Name),
		Location:   utils.SanitizeString(req.Location),
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
	})
	if err != nil {
		logger.Error("Failed to register device", zap.String("mac", req.MACAddress), zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to register device")
		return
	}

	macClean := utils.NormalizeMAC(device.MACAddress)
	message := "Device already registered"
	status := http.StatusOK
	if isNew {
		message = "Device registered successfully"
		status = http.StatusCreated
	}

	utils.SuccessResponse(c, status, message, ingestion.RegisterResponseMessage{
		DeviceID:     device.ID,
		MQTTUsername: "esp32_" + macClean,
		MQTTPassword: "esp32_pass_" + macClean,
		MQTTBroker:   h.brokerHost,
		MQTTPort:     h.brokerPort,
		SensorTopic:  ingestion.SensorTopicForDevice(device.ID),
		Status:       string(device.Status),
		Message:      message,
	})
}

// GetDevice handles GET /api/device/:id with the full occupancy view plus
// the camera inventory.
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	deviceID, ok := parseDeviceID(c)
	if !ok {
		return
	}

	snapshot, err := h.aggregator.DeviceSnapshot(c.Request.Context(), deviceID)
	if err != nil {
		respondRepoError(c, err, "Failed to get device")
		return
	}

	cameras, err := h.repo.ListCameras(c.Request.Context(), deviceID)
	if err != nil {
		respondRepoError(c, err, "Failed to list cameras")
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device retrieved", gin.H{
		"device":  snapshot,
		"cameras": cameras,
	})
}

type deviceListItem struct {
	registry.Device
	SensorsCount int64 `json:"sensors_count"`
	CamerasCount int64 `json:"cameras_count"`
}

// ListDevices handles GET /api/devices: every device regardless of
// status, with inventory counts.
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices, err := h.repo.ListDevices(c.Request.Context())
	if err != nil {
		respondRepoError(c, err, "Failed to list devices")
		return
	}

	items := make([]deviceListItem, 0, len(devices))
	for _, device := range devices {
		sensors, err := h.repo.CountSensors(c.Request.Context(), device.ID)
		if err != nil {
			respondRepoError(c, err, "Failed to count sensors")
			return
		}
		cameras, err := h.repo.CountCameras(c.Request.Context(), device.ID)
		if err != nil {
			respondRepoError(c, err, "Failed to count cameras")
			return
		}
		items = append(items, deviceListItem{
			Device:       device,
			SensorsCount: sensors,
			CamerasCount: cameras,
		})
	}

	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved", gin.H{
		"devices": items,
		"count":   len(items),
	})
}

// ListSensors handles GET /api/device/:id/sensors.
func (h *DeviceHandler) ListSensors(c *gin.Context) {
	deviceID, ok := parseDeviceID(c)
	if !ok {
		return
	}

	if _, err := h.repo.GetDevice(c.Request.Context(), deviceID); err != nil {
		respondRepoError(c, err, "Failed to get device")
		return
	}

	sensors, err := h.repo.ListSensors(c.Request.Context(), deviceID)
	if err != nil {
		respondRepoError(c, err, "Failed to list sensors")
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Sensors retrieved", gin.H{
		"sensors": sensors,
		"count":   len(sensors),
	})
}

// ListCameras handles GET /api/device/:id/cameras.
func (h *DeviceHandler) ListCameras(c *gin.Context) {
	deviceID, ok := parseDeviceID(c)
	if !ok {
		return
	}

	if _, err := h.repo.GetDevice(c.Request.Context(), deviceID); err != nil {
		respondRepoError(c, err, "Failed to get device")
		return
	}

	cameras, err := h.repo.ListCameras(c.Request.Context(), deviceID)
	if err != nil {
		respondRepoError(c, err, "Failed to list cameras")
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Cameras retrieved", gin.H{
		"cameras": cameras,
		"count":   len(cameras),
	})
}

// GetCameraImage handles GET /api/device/:id/camera/:index/image,
// returning the latest stored frame.
func (h *DeviceHandler) GetCameraImage(c *gin.Context) {
	deviceID, ok := parseDeviceID(c)
	if !ok {
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid camera index")
		return
	}

	camera, err := h.repo.GetCamera(c.Request.Context(), deviceID, index)
	if err != nil {
		respondRepoError(c, err, "Failed to get camera")
		return
	}

	if camera.ImageBase64 == "" {
		c.Error(apperrors.NewAppError("NO_IMAGE", "no image available for this camera", apperrors.ErrNoImageAvailable))
		utils.ErrorResponse(c, http.StatusNotFound, "No image available for this camera")
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Image retrieved", gin.H{
		"device_id":    camera.DeviceID,
		"camera_index": camera.Index,
		"image_base64": camera.ImageBase64,
		"image_size":   camera.ImageSize,
		"last_updated": camera.LastUpdated,
	})
}

// DeleteDevice handles DELETE /api/device/:id. Sensors and cameras are
// removed in the same transaction.
func (h *DeviceHandler) DeleteDevice(c *gin.Context) {
	deviceID, ok := parseDeviceID(c)
	if !ok {
		return
	}

	if err := h.repo.DeleteDevice(c.Request.Context(), deviceID); err != nil {
		respondRepoError(c, err, "Failed to delete device")
		return
	}

	logger.Info("Device deleted", zap.Uint("device_id", deviceID))
	utils.SuccessResponse(c, http.StatusOK, "Device deleted", gin.H{
		"device_id": deviceID,
	})
}

func parseDeviceID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid device ID")
		return 0, false
	}
	return uint(id), true
}

func respondRepoError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		utils.ErrorResponse(c, http.StatusNotFound, "Device not found")
	case errors.Is(err, registry.ErrSensorNotFound):
		utils.ErrorResponse(c, http.StatusNotFound, "Sensor not found")
	case errors.Is(err, registry.ErrCameraNotFound):
		utils.ErrorResponse(c, http.StatusNotFound, "Camera not found")
	default:
		logger.Error(fallback, zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, fallback)
	}
}
