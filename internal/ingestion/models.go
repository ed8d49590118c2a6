package ingestion

import (
	"encoding/json"
	"math"
)

// SensorReadingMessage is one telemetry sample from a distance sensor.
// The canonical schema uses current_distance/is_occupied; distance_cm and
// occupied are accepted as aliases published by older firmware.
type SensorReadingMessage struct {
	DeviceID        uint     `json:"device_id"`
	SensorIndex     *int     `json:"sensor_index"`
	Name            *string  `json:"name"`
	Type            *string  `json:"type"`
	Technology      *string  `json:"technology"`
	TriggerPin      *int     `json:"trigger_pin"`
	EchoPin         *int     `json:"echo_pin"`
	CurrentDistance *int64   `json:"current_distance"`
	DistanceCM      *float64 `json:"distance_cm"`
	IsOccupied      *bool    `json:"is_occupied"`
	Occupied        *bool    `json:"occupied"`
	Timestamp       int64    `json:"timestamp"`
}

// Distance resolves the distance across schema variants; nil when the
// message carries none.
func (m *SensorReadingMessage) Distance() *int64 {
	if m.CurrentDistance != nil {
		return m.CurrentDistance
	}
	if m.DistanceCM != nil {
		cm := int64(math.Round(*m.DistanceCM))
		return &cm
	}
	return nil
}

// OccupiedFlag resolves the occupancy flag across schema variants.
func (m *SensorReadingMessage) OccupiedFlag() *bool {
	if m.IsOccupied != nil {
		return m.IsOccupied
	}
	return m.Occupied
}

// RegisterRequestMessage is the registration profile a device publishes on
// first boot (or re-publishes after reset; registration is idempotent).
type RegisterRequestMessage struct {
	MACAddress string  `json:"mac_address"`
	Name       string  `json:"name"`
	Location   string  `json:"location"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// RegisterResponseMessage is the correlated reply published for the
// registering device, carrying the assigned id and broker credentials.
type RegisterResponseMessage struct {
	DeviceID     uint   `json:"device_id"`
	MQTTUsername string `json:"mqtt_username"`
	MQTTPassword string `json:"mqtt_password"`
	MQTTBroker   string `json:"mqtt_broker"`
	MQTTPort     int    `json:"mqtt_port"`
	SensorTopic  string `json:"sensor_topic"`
	Status       string `json:"status"`
	Message      string `json:"message"`
}

// SensorSpecMessage is one sensor slot in a bulk-registration handshake.
type SensorSpecMessage struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Technology string `json:"technology"`
	TriggerPin int    `json:"trigger_pin"`
	EchoPin    int    `json:"echo_pin"`
}

// CameraSpecMessage is one camera slot in a bulk-registration handshake.
type CameraSpecMessage struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Technology  string `json:"technology"`
	Resolution  string `json:"resolution"`
	JPEGQuality int    `json:"jpeg_quality"`
}

// BulkRegistrationMessage replaces the device's full sensor/camera set.
type BulkRegistrationMessage struct {
	Sensors []SensorSpecMessage `json:"sensors"`
	Cameras []CameraSpecMessage `json:"cameras"`
}

// StatusMessage is an explicit device status update.
type StatusMessage struct {
	Status string `json:"status"`
}

// CameraFrameMessage carries the latest captured frame for a camera slot.
type CameraFrameMessage struct {
	Name        *string `json:"name"`
	Resolution  *string `json:"resolution"`
	JPEGQuality *int    `json:"jpeg_quality"`
	ImageBase64 string  `json:"image_base64"`
	ImageSize   int     `json:"image_size"`
}

func ParseSensorReading(payload []byte) (*SensorReadingMessage, error) {
	var msg SensorReadingMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func ParseRegisterRequest(payload []byte) (*RegisterRequestMessage, error) {
	var msg RegisterRequestMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func ParseBulkRegistration(payload []byte) (*BulkRegistrationMessage, error) {
	var msg BulkRegistrationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func ParseStatus(payload []byte) (*StatusMessage, error) {
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func ParseCameraFrame(payload []byte) (*CameraFrameMessage, error) {
	var msg CameraFrameMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
