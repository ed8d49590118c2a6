package occupancy

import "context"

// Nearby returns the snapshot devices that carry coordinates. Distance
// filtering is left to the caller; devices without a position cannot be
// placed on a map and are skipped.
func (a *Aggregator) Nearby(ctx context.Context) ([]DeviceSnapshot, error) {
	snapshots, err := a.ComputeSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	nearby := make([]DeviceSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if s.Latitude == 0 && s.Longitude == 0 {
			continue
		}
		nearby = append(nearby, s)
	}
	return nearby, nil
}
