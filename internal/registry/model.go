package registry

import (
	"time"
)

// DeviceStatus is the lifecycle state of a device. The registered→online→
// offline transitions are driven by telemetry and the liveness sweeper;
// error is only ever set by an explicit status message.
type DeviceStatus string

const (
	StatusRegistered DeviceStatus = "registered"
	StatusOnline     DeviceStatus = "online"
	StatusOffline    DeviceStatus = "offline"
	StatusError      DeviceStatus = "error"
)

// ValidStatus reports whether s is one of the known device statuses.
func ValidStatus(s string) bool {
	switch DeviceStatus(s) {
	case StatusRegistered, StatusOnline, StatusOffline, StatusError:
		return true
	}
	return false
}

// Device represents an ESP32 (or simulated) sensing unit. Identity is the
// MAC address; the numeric ID is assigned on first registration and stays
// stable for the device lifetime.
type Device struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	Name         string       `gorm:"size:100;not null" json:"name"`
	Location     string       `gorm:"size:150" json:"location"`
	Latitude     float64      `gorm:"type:numeric(14,7)" json:"latitude"`
	Longitude    float64      `gorm:"type:numeric(14,7)" json:"longitude"`
	MACAddress   string       `gorm:"column:mac_address;size:17;uniqueIndex;not null" json:"mac_address"`
	Status       DeviceStatus `gorm:"size:50;default:registered" json:"status"`
	LastSeen     *time.Time   `json:"last_seen"`
	CreatedAt    time.Time    `json:"created_at"`
	RegisteredAt time.Time    `json:"registered_at"`
}

func (Device) TableName() string {
	return "devices"
}

// SeenWithin reports whether the device published anything within the
// given staleness window.
func (d *Device) SeenWithin(timeout time.Duration) bool {
	if d.LastSeen == nil {
		return false
	}
	return time.Since(*d.LastSeen) <= timeout
}

// DistanceSensor is one occupancy sensor slot on a device. At most one
// sensor may exist per (device_id, index).
type DistanceSensor struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	DeviceID        uint      `gorm:"not null;uniqueIndex:uq_sensor_device_index" json:"device_id"`
	Index           int       `gorm:"column:index;not null;uniqueIndex:uq_sensor_device_index" json:"index"`
	Name            string    `gorm:"size:100;not null" json:"name"`
	Type            string    `gorm:"size:50;default:distance" json:"type"`
	Technology      string    `gorm:"size:50;default:ultrasonic" json:"technology"`
	TriggerPin      int       `json:"trigger_pin"`
	EchoPin         int       `json:"echo_pin"`
	CurrentDistance int64     `json:"current_distance"`
	IsOccupied      bool      `gorm:"default:false" json:"is_occupied"`
	LastUpdated     time.Time `json:"last_updated"`
	CreatedAt       time.Time `json:"created_at"`
}

func (DistanceSensor) TableName() string {
	return "distance_sensors"
}

// Camera mirrors DistanceSensor identity-wise; image fields are updated
// independently of registration.
type Camera struct {
	ID              uint       `gorm:"primaryKey" json:"-"`
	DeviceID        uint       `gorm:"not null;uniqueIndex:uq_camera_device_index" json:"device_id"`
	Index           int        `gorm:"column:index;not null;uniqueIndex:uq_camera_device_index" json:"index"`
	Name            string     `gorm:"size:100;not null" json:"name"`
	Type            string     `gorm:"size:50;default:camera" json:"type"`
	Technology      string     `gorm:"size:50;default:OV2640" json:"technology"`
	Resolution      string     `gorm:"size:50" json:"resolution"`
	JPEGQuality     int        `gorm:"column:jpeg_quality" json:"jpeg_quality"`
	ImageSize       int        `json:"image_size"`
	ImageBase64     string     `gorm:"type:text" json:"-"`
	PlateRegistered bool       `gorm:"default:false" json:"plate_registered"`
	PlateNumber     string     `gorm:"size:10" json:"plate_number"`
	LastUpdated     *time.Time `json:"last_updated"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (Camera) TableName() string {
	return "cameras"
}
