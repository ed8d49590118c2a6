package occupancy

import (
	"context"
	"math"
	"time"

	"smart-parking-backend/internal/registry"
)

// SensorSnapshot is the per-spot slice of a device snapshot.
type SensorSnapshot struct {
	Name            string    `json:"name"`
	Index           int       `json:"index"`
	IsOccupied      bool      `json:"is_occupied"`
	CurrentDistance int64     `json:"current_distance"`
	LastUpdated     time.Time `json:"last_updated"`
}

// DeviceSnapshot is the derived occupancy summary for one device. It is
// computed on demand and never persisted.
type DeviceSnapshot struct {
	ID             uint             `json:"id"`
	Name           string           `json:"name"`
	Location       string           `json:"location"`
	Latitude       float64          `json:"latitude"`
	Longitude      float64          `json:"longitude"`
	Status         string           `json:"status"`
	LastSeen       *time.Time       `json:"last_seen"`
	TotalSpots     int              `json:"total_spots"`
	AvailableSpots int              `json:"available_spots"`
	OccupancyRate  float64          `json:"occupancy_rate"`
	Sensors        []SensorSnapshot `json:"sensors"`
}

// Aggregator computes occupancy summaries from the identity store. It only
// reads; status transitions are the sweeper's job.
type Aggregator struct {
	repo    *registry.Repository
	timeout time.Duration
}

func NewAggregator(repo *registry.Repository, timeout time.Duration) *Aggregator {
	return &Aggregator{repo: repo, timeout: timeout}
}

// ComputeSnapshot returns the public parking view: every device whose
// stored status is registered or online, with its displayed status derived
// from staleness. Devices in offline or error state are excluded.
func (a *Aggregator) ComputeSnapshot(ctx context.Context) ([]DeviceSnapshot, error) {
	devices, err := a.repo.ListDevicesByStatus(ctx, registry.StatusRegistered, registry.StatusOnline)
	if err != nil {
		return nil, err
	}

	snapshots := make([]DeviceSnapshot, 0, len(devices))
	for i := range devices {
		snapshot, err := a.snapshotDevice(ctx, &devices[i])
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snapshot)
	}
	return snapshots, nil
}

// DeviceSnapshot computes the summary for a single device regardless of
// its stored status (the raw listing path).
func (a *Aggregator) DeviceSnapshot(ctx context.Context, deviceID uint) (*DeviceSnapshot, error) {
	device, err := a.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return a.snapshotDevice(ctx, device)
}

func (a *Aggregator) snapshotDevice(ctx context.Context, device *registry.Device) (*DeviceSnapshot, error) {
	sensors, err := a.repo.ListSensors(ctx, device.ID)
	if err != nil {
		return nil, err
	}

	total := len(sensors)
	available := 0
	sensorViews := make([]SensorSnapshot, 0, total)
	for _, s := range sensors {
		if !s.IsOccupied {
			available++
		}
		sensorViews = append(sensorViews, SensorSnapshot{
			Name:            s.Name,
			Index:           s.Index,
			IsOccupied:      s.IsOccupied,
			CurrentDistance: s.CurrentDistance,
			LastUpdated:     s.LastUpdated,
		})
	}

	return &DeviceSnapshot{
		ID:             device.ID,
		Name:           device.Name,
		Location:       device.Location,
		Latitude:       device.Latitude,
		Longitude:      device.Longitude,
		Status:         a.effectiveStatus(device),
		LastSeen:       device.LastSeen,
		TotalSpots:     total,
		AvailableSpots: available,
		OccupancyRate:  Rate(total, available),
		Sensors:        sensorViews,
	}, nil
}

// effectiveStatus derives the displayed status from staleness. Error state
// is sticky and reported as-is.
func (a *Aggregator) effectiveStatus(device *registry.Device) string {
	if device.Status == registry.StatusError {
		return string(registry.StatusError)
	}
	if device.SeenWithin(a.timeout) {
		return string(registry.StatusOnline)
	}
	return string(registry.StatusOffline)
}

// Rate computes the occupancy percentage rounded to one decimal. A device
// with no sensors reports 0.
func Rate(total, available int) float64 {
	if total == 0 {
		return 0
	}
	rate := float64(total-available) / float64(total) * 100
	return math.Round(rate*10) / 10
}
