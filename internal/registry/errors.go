package registry

import "errors"

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrSensorNotFound = errors.New("sensor not found")
	ErrCameraNotFound = errors.New("camera not found")
	ErrConflict       = errors.New("uniqueness conflict")
)
