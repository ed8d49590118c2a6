package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"smart-parking-backend/internal/occupancy"
	"smart-parking-backend/internal/registry"
)

func newTestRouter(t *testing.T) (*gin.Engine, *registry.Repository) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&registry.Device{}, &registry.DistanceSensor{}, &registry.Camera{}); err != nil {
		t.Fatalf("failed to migrate test schema: %v", err)
	}

	repo := registry.NewRepository(db)
	aggregator := occupancy.NewAggregator(repo, 60*time.Second)
	deviceHandler := NewDeviceHandler(repo, aggregator, "broker.local", 1883)
	parkingHandler := NewParkingHandler(aggregator)

	router := gin.New()
	api := router.Group("/api")
	api.POST("/device/register", deviceHandler.RegisterDevice)
	api.GET("/devices", deviceHandler.ListDevices)
	api.GET("/device/:id", deviceHandler.GetDevice)
	api.DELETE("/device/:id", deviceHandler.DeleteDevice)
	api.GET("/device/:id/sensors", deviceHandler.ListSensors)
	api.GET("/device/:id/camera/:index/image", deviceHandler.GetCameraImage)
	api.GET("/parking/status", parkingHandler.Status)
	api.GET("/parking/nearby", parkingHandler.Nearby)

	return router, repo
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func decodeEnvelope(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var envelope map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("invalid response body %q: %v", recorder.Body.String(), err)
	}
	return envelope
}

func TestRegisterDeviceEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	body := map[string]interface{}{
		"mac_address": "AA:BB:CC:DD:EE:FF",
		"name":        "lot-a",
		"location":    "north entrance",
		"latitude":    21.03,
		"longitude":   105.85,
	}

	recorder := doRequest(t, router, http.MethodPost, "/api/device/register", body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", recorder.Code, recorder.Body.String())
	}

	envelope := decodeEnvelope(t, recorder)
	data, _ := envelope["data"].(map[string]interface{})
	if data["mqtt_username"] != "esp32_AABBCCDDEEFF" {
		t.Errorf("mqtt_username = %v", data["mqtt_username"])
	}
	if data["mqtt_broker"] != "broker.local" {
		t.Errorf("mqtt_broker = %v", data["mqtt_broker"])
	}

	// Same MAC again answers 200 with the same device id.
	second := doRequest(t, router, http.MethodPost, "/api/device/register", body)
	if second.Code != http.StatusOK {
		t.Fatalf("re-register status = %d, want 200", second.Code)
	}
	secondData, _ := decodeEnvelope(t, second)["data"].(map[string]interface{})
	if secondData["device_id"] != data["device_id"] {
		t.Errorf("device id changed: %v -> %v", data["device_id"], secondData["device_id"])
	}
}

func TestRegisterDeviceEndpointRejectsInvalid(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder := doRequest(t, router, http.MethodPost, "/api/device/register", map[string]interface{}{
		"mac_address": "not-a-mac",
		"name":        "lot-a",
		"location":    "x",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", recorder.Code)
	}
}

func TestGetDeviceEndpoint(t *testing.T) {
	router, repo := newTestRouter(t)
	ctx := context.Background()

	device, _, err := repo.RegisterDevice(ctx, registry.RegisterDeviceInput{
		MACAddress: "AA:BB:CC:DD:EE:01",
		Name:       "lot-a",
		Location:   "north",
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	occupied := true
	distance := int64(8)
	if _, _, err := repo.UpsertSensor(ctx, device.ID, 0, registry.SensorFields{
		CurrentDistance: &distance,
		IsOccupied:      &occupied,
	}); err != nil {
		t.Fatalf("seed sensor failed: %v", err)
	}

	recorder := doRequest(t, router, http.MethodGet, "/api/device/1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", recorder.Code, recorder.Body.String())
	}

	data, _ := decodeEnvelope(t, recorder)["data"].(map[string]interface{})
	view, _ := data["device"].(map[string]interface{})
	if view["total_spots"] != float64(1) || view["available_spots"] != float64(0) {
		t.Errorf("unexpected occupancy view: %v", view)
	}

	missing := doRequest(t, router, http.MethodGet, "/api/device/999", nil)
	if missing.Code != http.StatusNotFound {
		t.Errorf("missing device status = %d, want 404", missing.Code)
	}

	bad := doRequest(t, router, http.MethodGet, "/api/device/abc", nil)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", bad.Code)
	}
}

func TestDeleteDeviceEndpoint(t *testing.T) {
	router, repo := newTestRouter(t)

	_, _, err := repo.RegisterDevice(context.Background(), registry.RegisterDeviceInput{
		MACAddress: "AA:BB:CC:DD:EE:02",
		Name:       "lot-a",
		Location:   "north",
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	recorder := doRequest(t, router, http.MethodDelete, "/api/device/1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}

	again := doRequest(t, router, http.MethodDelete, "/api/device/1", nil)
	if again.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", again.Code)
	}
}

func TestGetCameraImageEndpoint(t *testing.T) {
	router, repo := newTestRouter(t)
	ctx := context.Background()

	device, _, err := repo.RegisterDevice(ctx, registry.RegisterDeviceInput{
		MACAddress: "AA:BB:CC:DD:EE:03",
		Name:       "lot-a",
		Location:   "north",
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, _, err := repo.UpsertCamera(ctx, device.ID, 0, registry.CameraFields{}); err != nil {
		t.Fatalf("seed camera failed: %v", err)
	}

	// Camera exists but no frame has arrived yet.
	empty := doRequest(t, router, http.MethodGet, "/api/device/1/camera/0/image", nil)
	if empty.Code != http.StatusNotFound {
		t.Errorf("no-image status = %d, want 404", empty.Code)
	}

	if err := repo.UpdateCameraImage(ctx, device.ID, 0, "Zm9v", 3); err != nil {
		t.Fatalf("image update failed: %v", err)
	}

	recorder := doRequest(t, router, http.MethodGet, "/api/device/1/camera/0/image", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	data, _ := decodeEnvelope(t, recorder)["data"].(map[string]interface{})
	if data["image_base64"] != "Zm9v" {
		t.Errorf("image_base64 = %v", data["image_base64"])
	}

	missingSlot := doRequest(t, router, http.MethodGet, "/api/device/1/camera/5/image", nil)
	if missingSlot.Code != http.StatusNotFound {
		t.Errorf("missing slot status = %d, want 404", missingSlot.Code)
	}
}

func TestParkingStatusEndpoint(t *testing.T) {
	router, repo := newTestRouter(t)
	ctx := context.Background()

	device, _, err := repo.RegisterDevice(ctx, registry.RegisterDeviceInput{
		MACAddress: "AA:BB:CC:DD:EE:04",
		Name:       "lot-a",
		Location:   "north",
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	for index, occupied := range []bool{true, true, false, false} {
		occ := occupied
		distance := int64(100)
		if _, _, err := repo.UpsertSensor(ctx, device.ID, index, registry.SensorFields{
			CurrentDistance: &distance,
			IsOccupied:      &occ,
		}); err != nil {
			t.Fatalf("seed sensor failed: %v", err)
		}
	}

	recorder := doRequest(t, router, http.MethodGet, "/api/parking/status", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}

	data, _ := decodeEnvelope(t, recorder)["data"].(map[string]interface{})
	summary, _ := data["summary"].(map[string]interface{})
	if summary["total_spots"] != float64(4) || summary["available_spots"] != float64(2) {
		t.Errorf("unexpected summary: %v", summary)
	}
	if summary["occupancy_rate"] != float64(50) {
		t.Errorf("occupancy_rate = %v, want 50", summary["occupancy_rate"])
	}
}

func TestNearbyEndpointValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	badCoords := doRequest(t, router, http.MethodGet, "/api/parking/nearby?lat=abc&lon=105", nil)
	if badCoords.Code != http.StatusBadRequest {
		t.Errorf("bad coords status = %d, want 400", badCoords.Code)
	}

	badRadius := doRequest(t, router, http.MethodGet, "/api/parking/nearby?lat=21&lon=105&radius=-1", nil)
	if badRadius.Code != http.StatusBadRequest {
		t.Errorf("bad radius status = %d, want 400", badRadius.Code)
	}

	// Coordinates are optional; defaults apply.
	ok := doRequest(t, router, http.MethodGet, "/api/parking/nearby", nil)
	if ok.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", ok.Code)
	}
}
