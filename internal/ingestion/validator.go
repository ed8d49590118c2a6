package ingestion

import (
	"fmt"
	"regexp"

	"smart-parking-backend/internal/registry"
	apperrors "smart-parking-backend/pkg/errors"
)

// ValidationError marks a message that must be dropped without touching
// any stored row.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error [%s]: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrInvalidInput
}

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// ValidateRegisterRequest validates a device registration profile.
func ValidateRegisterRequest(msg *RegisterRequestMessage) error {
	if msg.MACAddress == "" {
		return &ValidationError{Field: "mac_address", Message: "mac_address is required"}
	}
	if !macPattern.MatchString(msg.MACAddress) {
		return &ValidationError{Field: "mac_address", Message: "mac_address must be colon-separated hex"}
	}
	if msg.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if msg.Location == "" {
		return &ValidationError{Field: "location", Message: "location is required"}
	}
	if msg.Latitude < -90 || msg.Latitude > 90 {
		return &ValidationError{Field: "latitude", Message: "latitude must be between -90 and 90"}
	}
	if msg.Longitude < -180 || msg.Longitude > 180 {
		return &ValidationError{Field: "longitude", Message: "longitude must be between -180 and 180"}
	}
	return nil
}

// ValidateSensorReading checks the fields a reading may carry. A missing
// distance is not an error here; the reconciler still counts the message
// as proof of liveness.
func ValidateSensorReading(msg *SensorReadingMessage) error {
	if distance := msg.Distance(); distance != nil && *distance < 0 {
		return &ValidationError{Field: "current_distance", Message: "distance must be non-negative"}
	}
	if msg.SensorIndex != nil && *msg.SensorIndex < 0 {
		return &ValidationError{Field: "sensor_index", Message: "sensor_index must be non-negative"}
	}
	if msg.TriggerPin != nil && *msg.TriggerPin < 0 {
		return &ValidationError{Field: "trigger_pin", Message: "trigger_pin must be non-negative"}
	}
	if msg.EchoPin != nil && *msg.EchoPin < 0 {
		return &ValidationError{Field: "echo_pin", Message: "echo_pin must be non-negative"}
	}
	return nil
}

// ValidateStatus checks the explicit status enum.
func ValidateStatus(msg *StatusMessage) error {
	if msg.Status == "" {
		return &ValidationError{Field: "status", Message: "status is required"}
	}
	if !registry.ValidStatus(msg.Status) {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", msg.Status)}
	}
	return nil
}

// ValidateBulkRegistration checks a sensor/camera handshake for duplicate
// or negative slot indexes.
func ValidateBulkRegistration(msg *BulkRegistrationMessage) error {
	if len(msg.Sensors) == 0 && len(msg.Cameras) == 0 {
		return &ValidationError{Field: "sensors", Message: "at least one sensor or camera is required"}
	}

	seen := make(map[int]bool, len(msg.Sensors))
	for _, s := range msg.Sensors {
		if s.Index < 0 {
			return &ValidationError{Field: "sensors", Message: "sensor index must be non-negative"}
		}
		if seen[s.Index] {
			return &ValidationError{Field: "sensors", Message: fmt.Sprintf("duplicate sensor index %d", s.Index)}
		}
		seen[s.Index] = true
	}

	seen = make(map[int]bool, len(msg.Cameras))
	for _, c := range msg.Cameras {
		if c.Index < 0 {
			return &ValidationError{Field: "cameras", Message: "camera index must be non-negative"}
		}
		if seen[c.Index] {
			return &ValidationError{Field: "cameras", Message: fmt.Sprintf("duplicate camera index %d", c.Index)}
		}
		seen[c.Index] = true
	}
	return nil
}

// ValidateCameraFrame checks a camera frame payload.
func ValidateCameraFrame(msg *CameraFrameMessage) error {
	if msg.ImageBase64 == "" {
		return &ValidationError{Field: "image_base64", Message: "image_base64 is required"}
	}
	if msg.ImageSize < 0 {
		return &ValidationError{Field: "image_size", Message: "image_size must be non-negative"}
	}
	return nil
}
