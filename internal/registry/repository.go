package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Repository is the identity store for devices and their sensors/cameras.
// All mutations are transactional; uniqueness invariants (device MAC,
// (device_id, index) per sensor kind) are enforced by the schema and
// resolved with upsert-or-retry, never blind inserts.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// RegisterDeviceInput carries the registration profile a device publishes.
type RegisterDeviceInput struct {
	MACAddress string
	Name       string
	Location   string
	Latitude   float64
	Longitude  float64
}

// RegisterDevice upserts a device keyed by MAC address. Re-registration
// with a known MAC updates the mutable profile fields and reports
// isNew=false; concurrent first-registrations of the same MAC are resolved
// through the unique constraint plus one retry.
func (r *Repository) RegisterDevice(ctx context.Context, in RegisterDeviceInput) (*Device, bool, error) {
	device, isNew, err := r.registerDeviceOnce(ctx, in)
	if err != nil && isUniqueViolation(err) {
		// Lost the insert race; the row exists now, retry as an update.
		device, isNew, err = r.registerDeviceOnce(ctx, in)
	}
	if err != nil && isUniqueViolation(err) {
		return nil, false, fmt.Errorf("%w: device %s", ErrConflict, in.MACAddress)
	}
	return device, isNew, err
}

func (r *Repository) registerDeviceOnce(ctx context.Context, in RegisterDeviceInput) (*Device, bool, error) {
	var device Device
	err := r.db.WithContext(ctx).
		Where("mac_address = ?", in.MACAddress).
		First(&device).Error

	if err == nil {
		updates := map[string]interface{}{
			"name":      in.Name,
			"location":  in.Location,
			"latitude":  in.Latitude,
			"longitude": in.Longitude,
		}
		if err := r.db.WithContext(ctx).Model(&device).Updates(updates).Error; err != nil {
			return nil, false, fmt.Errorf("failed to update device %s: %w", in.MACAddress, err)
		}
		return &device, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("failed to look up device by MAC: %w", err)
	}

	now := time.Now().UTC()
	device = Device{
		Name:         in.Name,
		Location:     in.Location,
		Latitude:     in.Latitude,
		Longitude:    in.Longitude,
		MACAddress:   in.MACAddress,
		Status:       StatusRegistered,
		CreatedAt:    now,
		RegisteredAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&device).Error; err != nil {
		return nil, false, err
	}
	return &device, true, nil
}

// SensorFields are the optional fields a telemetry message may carry for a
// sensor. Nil fields are preserved on update and defaulted on insert.
type SensorFields struct {
	Name            *string
	Type            *string
	Technology      *string
	TriggerPin      *int
	EchoPin         *int
	CurrentDistance *int64
	IsOccupied      *bool
}

// UpsertSensor merges fields into the sensor at (deviceID, index),
// auto-registering the row if the slot was never seen. Returns
// created=true when a new row was inserted.
func (r *Repository) UpsertSensor(ctx context.Context, deviceID uint, index int, fields SensorFields) (*DistanceSensor, bool, error) {
	if _, err := r.GetDevice(ctx, deviceID); err != nil {
		return nil, false, err
	}

	sensor, created, err := r.upsertSensorOnce(ctx, deviceID, index, fields)
	if err != nil && isUniqueViolation(err) {
		// Duplicate delivery raced us into the same slot; the row exists,
		// retry resolves to an update.
		sensor, created, err = r.upsertSensorOnce(ctx, deviceID, index, fields)
	}
	if err != nil && isUniqueViolation(err) {
		return nil, false, fmt.Errorf("%w: sensor slot (%d,%d)", ErrConflict, deviceID, index)
	}
	return sensor, created, err
}

func (r *Repository) upsertSensorOnce(ctx context.Context, deviceID uint, index int, fields SensorFields) (*DistanceSensor, bool, error) {
	var sensor DistanceSensor
	err := r.db.WithContext(ctx).
		Where(map[string]interface{}{"device_id": deviceID, "index": index}).
		First(&sensor).Error

	now := time.Now().UTC()

	if errors.Is(err, gorm.ErrRecordNotFound) {
		sensor = DistanceSensor{
			DeviceID:    deviceID,
			Index:       index,
			Name:        fmt.Sprintf("sensor_%d", index),
			Type:        "distance",
			Technology:  "ultrasonic",
			LastUpdated: now,
			CreatedAt:   now,
		}
		applySensorFields(&sensor, fields)
		if err := r.db.WithContext(ctx).Create(&sensor).Error; err != nil {
			return nil, false, err
		}
		return &sensor, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up sensor: %w", err)
	}

	applySensorFields(&sensor, fields)
	sensor.LastUpdated = now
	if err := r.db.WithContext(ctx).Save(&sensor).Error; err != nil {
		return nil, false, fmt.Errorf("failed to update sensor: %w", err)
	}
	return &sensor, false, nil
}

func applySensorFields(sensor *DistanceSensor, fields SensorFields) {
	if fields.Name != nil {
		sensor.Name = *fields.Name
	}
	if fields.Type != nil {
		sensor.Type = *fields.Type
	}
	if fields.Technology != nil {
		sensor.Technology = *fields.Technology
	}
	if fields.TriggerPin != nil {
		sensor.TriggerPin = *fields.TriggerPin
	}
	if fields.EchoPin != nil {
		sensor.EchoPin = *fields.EchoPin
	}
	if fields.CurrentDistance != nil {
		sensor.CurrentDistance = *fields.CurrentDistance
	}
	if fields.IsOccupied != nil {
		sensor.IsOccupied = *fields.IsOccupied
	}
}

// SensorSpec describes one sensor slot in a bulk-registration handshake.
type SensorSpec struct {
	Index      int
	Name       string
	Type       string
	Technology string
	TriggerPin int
	EchoPin    int
}

// CameraSpec describes one camera slot in a bulk-registration handshake.
type CameraSpec struct {
	Index       int
	Name        string
	Type        string
	Technology  string
	Resolution  string
	JPEGQuality int
}

// ReplaceSensors swaps the full sensor set of a device inside one
// transaction; on failure the prior set is untouched.
func (r *Repository) ReplaceSensors(ctx context.Context, deviceID uint, specs []SensorSpec) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deviceExistsTx(tx, deviceID); err != nil {
			return err
		}
		return replaceSensorsTx(tx, deviceID, specs)
	})
}

// ReplaceCameras swaps the full camera set of a device inside one
// transaction.
func (r *Repository) ReplaceCameras(ctx context.Context, deviceID uint, specs []CameraSpec) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deviceExistsTx(tx, deviceID); err != nil {
			return err
		}
		return replaceCamerasTx(tx, deviceID, specs)
	})
}

// ReplaceInventory performs the explicit registration handshake: the
// device's sensor and camera sets are both replaced in one transaction.
func (r *Repository) ReplaceInventory(ctx context.Context, deviceID uint, sensors []SensorSpec, cameras []CameraSpec) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deviceExistsTx(tx, deviceID); err != nil {
			return err
		}
		if err := replaceSensorsTx(tx, deviceID, sensors); err != nil {
			return err
		}
		return replaceCamerasTx(tx, deviceID, cameras)
	})
}

func deviceExistsTx(tx *gorm.DB, deviceID uint) error {
	var count int64
	if err := tx.Model(&Device{}).Where("id = ?", deviceID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check device: %w", err)
	}
	if count == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func replaceSensorsTx(tx *gorm.DB, deviceID uint, specs []SensorSpec) error {
	if err := tx.Where("device_id = ?", deviceID).Delete(&DistanceSensor{}).Error; err != nil {
		return fmt.Errorf("failed to clear sensors: %w", err)
	}

	now := time.Now().UTC()
	for _, spec := range specs {
		sensor := DistanceSensor{
			DeviceID:    deviceID,
			Index:       spec.Index,
			Name:        spec.Name,
			Type:        spec.Type,
			Technology:  spec.Technology,
			TriggerPin:  spec.TriggerPin,
			EchoPin:     spec.EchoPin,
			LastUpdated: now,
			CreatedAt:   now,
		}
		if sensor.Name == "" {
			sensor.Name = fmt.Sprintf("sensor_%d", spec.Index)
		}
		if sensor.Type == "" {
			sensor.Type = "distance"
		}
		if sensor.Technology == "" {
			sensor.Technology = "ultrasonic"
		}
		if err := tx.Create(&sensor).Error; err != nil {
			return fmt.Errorf("failed to insert sensor %d: %w", spec.Index, err)
		}
	}
	return nil
}

func replaceCamerasTx(tx *gorm.DB, deviceID uint, specs []CameraSpec) error {
	if err := tx.Where("device_id = ?", deviceID).Delete(&Camera{}).Error; err != nil {
		return fmt.Errorf("failed to clear cameras: %w", err)
	}

	now := time.Now().UTC()
	for _, spec := range specs {
		camera := Camera{
			DeviceID:    deviceID,
			Index:       spec.Index,
			Name:        spec.Name,
			Type:        spec.Type,
			Technology:  spec.Technology,
			Resolution:  spec.Resolution,
			JPEGQuality: spec.JPEGQuality,
			CreatedAt:   now,
		}
		if camera.Name == "" {
			camera.Name = fmt.Sprintf("camera_%d", spec.Index)
		}
		if camera.Type == "" {
			camera.Type = "camera"
		}
		if camera.Technology == "" {
			camera.Technology = "OV2640"
		}
		if err := tx.Create(&camera).Error; err != nil {
			return fmt.Errorf("failed to insert camera %d: %w", spec.Index, err)
		}
	}
	return nil
}

func (r *Repository) GetDevice(ctx context.Context, id uint) (*Device, error) {
	var device Device
	err := r.db.WithContext(ctx).First(&device, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

func (r *Repository) GetDeviceByMAC(ctx context.Context, mac string) (*Device, error) {
	var device Device
	err := r.db.WithContext(ctx).Where("mac_address = ?", mac).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device by MAC: %w", err)
	}
	return &device, nil
}

func (r *Repository) ListDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := r.db.WithContext(ctx).Order("id").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// ListDevicesByStatus returns devices in any of the given statuses,
// ordered by id.
func (r *Repository) ListDevicesByStatus(ctx context.Context, statuses ...DeviceStatus) ([]Device, error) {
	var devices []Device
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("id").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list devices by status: %w", err)
	}
	return devices, nil
}

func (r *Repository) ListSensors(ctx context.Context, deviceID uint) ([]DistanceSensor, error) {
	var sensors []DistanceSensor
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order(clauseQuotedIndex).
		Find(&sensors).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sensors: %w", err)
	}
	return sensors, nil
}

func (r *Repository) ListCameras(ctx context.Context, deviceID uint) ([]Camera, error) {
	var cameras []Camera
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order(clauseQuotedIndex).
		Find(&cameras).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	return cameras, nil
}

// CameraFields are the optional fields a camera frame message may carry.
type CameraFields struct {
	Name        *string
	Type        *string
	Technology  *string
	Resolution  *string
	JPEGQuality *int
	ImageBase64 *string
	ImageSize   *int
}

// UpsertCamera merges fields into the camera at (deviceID, index),
// auto-registering the slot on first sight, same contract as
// UpsertSensor.
func (r *Repository) UpsertCamera(ctx context.Context, deviceID uint, index int, fields CameraFields) (*Camera, bool, error) {
	if _, err := r.GetDevice(ctx, deviceID); err != nil {
		return nil, false, err
	}

	camera, created, err := r.upsertCameraOnce(ctx, deviceID, index, fields)
	if err != nil && isUniqueViolation(err) {
		camera, created, err = r.upsertCameraOnce(ctx, deviceID, index, fields)
	}
	if err != nil && isUniqueViolation(err) {
		return nil, false, fmt.Errorf("%w: camera slot (%d,%d)", ErrConflict, deviceID, index)
	}
	return camera, created, err
}

func (r *Repository) upsertCameraOnce(ctx context.Context, deviceID uint, index int, fields CameraFields) (*Camera, bool, error) {
	var camera Camera
	err := r.db.WithContext(ctx).
		Where(map[string]interface{}{"device_id": deviceID, "index": index}).
		First(&camera).Error

	now := time.Now().UTC()

	if errors.Is(err, gorm.ErrRecordNotFound) {
		camera = Camera{
			DeviceID:    deviceID,
			Index:       index,
			Name:        fmt.Sprintf("camera_%d", index),
			Type:        "camera",
			Technology:  "OV2640",
			LastUpdated: &now,
			CreatedAt:   now,
		}
		applyCameraFields(&camera, fields)
		if err := r.db.WithContext(ctx).Create(&camera).Error; err != nil {
			return nil, false, err
		}
		return &camera, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up camera: %w", err)
	}

	applyCameraFields(&camera, fields)
	camera.LastUpdated = &now
	if err := r.db.WithContext(ctx).Save(&camera).Error; err != nil {
		return nil, false, fmt.Errorf("failed to update camera: %w", err)
	}
	return &camera, false, nil
}

func applyCameraFields(camera *Camera, fields CameraFields) {
	if fields.Name != nil {
		camera.Name = *fields.Name
	}
	if fields.Type != nil {
		camera.Type = *fields.Type
	}
	if fields.Technology != nil {
		camera.Technology = *fields.Technology
	}
	if fields.Resolution != nil {
		camera.Resolution = *fields.Resolution
	}
	if fields.JPEGQuality != nil {
		camera.JPEGQuality = *fields.JPEGQuality
	}
	if fields.ImageBase64 != nil {
		camera.ImageBase64 = *fields.ImageBase64
	}
	if fields.ImageSize != nil {
		camera.ImageSize = *fields.ImageSize
	}
}

func (r *Repository) GetCamera(ctx context.Context, deviceID uint, index int) (*Camera, error) {
	var camera Camera
	err := r.db.WithContext(ctx).
		Where(map[string]interface{}{"device_id": deviceID, "index": index}).
		First(&camera).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCameraNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}
	return &camera, nil
}

// UpdateCameraImage stores the latest frame for a camera slot.
func (r *Repository) UpdateCameraImage(ctx context.Context, deviceID uint, index int, imageBase64 string, imageSize int) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&Camera{}).
		Where(map[string]interface{}{"device_id": deviceID, "index": index}).
		Updates(map[string]interface{}{
			"image_base64": imageBase64,
			"image_size":   imageSize,
			"last_updated": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update camera image: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCameraNotFound
	}
	return nil
}

func (r *Repository) CountSensors(ctx context.Context, deviceID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&DistanceSensor{}).
		Where("device_id = ?", deviceID).
		Count(&count).Error
	return count, err
}

func (r *Repository) CountCameras(ctx context.Context, deviceID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Camera{}).
		Where("device_id = ?", deviceID).
		Count(&count).Error
	return count, err
}

// MarkSeen stamps last_seen and promotes the device to online, unless it
// is in the error state (which only an explicit status message clears).
func (r *Repository) MarkSeen(ctx context.Context, deviceID uint) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Device{}).
			Where("id = ?", deviceID).
			Update("last_seen", now)
		if result.Error != nil {
			return fmt.Errorf("failed to mark device seen: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrDeviceNotFound
		}
		return tx.Model(&Device{}).
			Where("id = ? AND status <> ?", deviceID, StatusError).
			Update("status", StatusOnline).Error
	})
}

// SetStatus applies an explicit status message: status and last_seen are
// set directly, bypassing the staleness heuristic.
func (r *Repository) SetStatus(ctx context.Context, deviceID uint, status DeviceStatus) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ?", deviceID).
		Updates(map[string]interface{}{
			"status":    status,
			"last_seen": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set device status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// MarkOffline demotes the given devices to offline without touching
// last_seen. Only devices still online are affected, so a device that
// reported in between listing and updating keeps its status.
func (r *Repository) MarkOffline(ctx context.Context, deviceIDs []uint) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&Device{}).
		Where("id IN ? AND status = ?", deviceIDs, StatusOnline).
		Update("status", StatusOffline).Error
}

// DeleteDevice purges a device and all owned sensors/cameras in one
// transaction. The cascade is explicit rather than schema-driven.
func (r *Repository) DeleteDevice(ctx context.Context, deviceID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deviceExistsTx(tx, deviceID); err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", deviceID).Delete(&DistanceSensor{}).Error; err != nil {
			return fmt.Errorf("failed to delete sensors: %w", err)
		}
		if err := tx.Where("device_id = ?", deviceID).Delete(&Camera{}).Error; err != nil {
			return fmt.Errorf("failed to delete cameras: %w", err)
		}
		if err := tx.Delete(&Device{}, deviceID).Error; err != nil {
			return fmt.Errorf("failed to delete device: %w", err)
		}
		return nil
	})
}

// clauseQuotedIndex orders by the reserved-word column in a way both
// postgres and sqlite accept.
const clauseQuotedIndex = `"index"`

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
