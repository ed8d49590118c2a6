package liveness

import (
	"context"
	"fmt"
	"time"

	"smart-parking-backend/internal/registry"
	apperrors "smart-parking-backend/pkg/errors"
)

// Tracker derives online/offline state from last-seen timestamps. It owns
// the status and last_seen fields of the device table and nothing else.
type Tracker struct {
	repo    *registry.Repository
	timeout time.Duration
}

func NewTracker(repo *registry.Repository, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Tracker{repo: repo, timeout: timeout}
}

func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// MarkSeen records telemetry-proven liveness: last_seen=now and
// status=online unless the device is in the error state.
func (t *Tracker) MarkSeen(ctx context.Context, deviceID uint) error {
	return t.repo.MarkSeen(ctx, deviceID)
}

// SetStatus applies an explicit status message, bypassing the staleness
// heuristic.
func (t *Tracker) SetStatus(ctx context.Context, deviceID uint, status registry.DeviceStatus) error {
	if !registry.ValidStatus(string(status)) {
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidStatus, status)
	}
	return t.repo.SetStatus(ctx, deviceID, status)
}

// IsOnline reports whether the device has been seen within the timeout.
func (t *Tracker) IsOnline(device *registry.Device) bool {
	return device.SeenWithin(t.timeout)
}

// Sweep demotes every stale online device to offline and returns the ids
// that transitioned. This is the only path that notices a device which
// silently stopped publishing.
func (t *Tracker) Sweep(ctx context.Context) ([]uint, error) {
	devices, err := t.repo.ListDevicesByStatus(ctx, registry.StatusOnline)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}

	var stale []uint
	for i := range devices {
		if !t.IsOnline(&devices[i]) {
			stale = append(stale, devices[i].ID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	if err := t.repo.MarkOffline(ctx, stale); err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}
	return stale, nil
}
