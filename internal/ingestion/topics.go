package ingestion

import (
	"fmt"
	"strconv"
	"strings"

	"smart-parking-backend/pkg/utils"
)

// Topic layout (devices address themselves by assigned numeric id):
//
//	device/register                      registration request
//	device/register/response/{MAC}       registration reply (published by us)
//	device/{id}/register                 bulk sensor/camera registration
//	device/{id}/status                   explicit status
//	device/{id}/sensors/{index}          distance sensor reading
//	device/{id}/cameras/{index}          camera frame
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindRegisterRequest
	KindBulkRegister
	KindDeviceStatus
	KindSensorReading
	KindCameraFrame
)

const (
	TopicRegisterRequest = "device/register"

	// Subscription filters for the broker side.
	FilterRegisterRequest = "device/register"
	FilterBulkRegister    = "device/+/register"
	FilterDeviceStatus    = "device/+/status"
	FilterSensorReadings  = "device/+/sensors/+"
	FilterCameraFrames    = "device/+/cameras/+"
)

// TopicInfo is the decoded address of an inbound message.
type TopicInfo struct {
	Kind        MessageKind
	DeviceID    uint
	SensorIndex int
}

// ParseTopic decodes an inbound topic into its kind and addressing.
func ParseTopic(topic string) (TopicInfo, error) {
	if topic == TopicRegisterRequest {
		return TopicInfo{Kind: KindRegisterRequest}, nil
	}

	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "device" {
		return TopicInfo{}, fmt.Errorf("unrecognized topic %q", topic)
	}

	deviceID, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return TopicInfo{}, fmt.Errorf("invalid device id in topic %q: %w", topic, err)
	}
	info := TopicInfo{DeviceID: uint(deviceID)}

	switch {
	case len(parts) == 3 && parts[2] == "status":
		info.Kind = KindDeviceStatus
	case len(parts) == 3 && parts[2] == "register":
		info.Kind = KindBulkRegister
	case len(parts) == 4 && (parts[2] == "sensors" || parts[2] == "cameras"):
		index, err := strconv.Atoi(parts[3])
		if err != nil || index < 0 {
			return TopicInfo{}, fmt.Errorf("invalid slot index in topic %q", topic)
		}
		info.SensorIndex = index
		if parts[2] == "sensors" {
			info.Kind = KindSensorReading
		} else {
			info.Kind = KindCameraFrame
		}
	default:
		return TopicInfo{}, fmt.Errorf("unrecognized topic %q", topic)
	}

	return info, nil
}

// SensorTopicForDevice is the base topic a device publishes readings on.
func SensorTopicForDevice(deviceID uint) string {
	return fmt.Sprintf("device/%d/sensors", deviceID)
}

// RegisterResponseTopic is the per-device reply address, keyed by the
// normalized MAC so the device can subscribe before it knows its id.
func RegisterResponseTopic(mac string) string {
	return "device/register/response/" + utils.NormalizeMAC(mac)
}
