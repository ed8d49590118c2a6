package liveness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smart-parking-backend/internal/logger"
	"smart-parking-backend/internal/occupancy"
)

// Publisher is the fan-out side the sweeper notifies after transitions.
type Publisher interface {
	Broadcast(event string, data interface{})
}

// Sweeper runs periodic staleness checks independent of message traffic,
// so offline devices surface even when nothing is publishing.
type Sweeper struct {
	tracker    *Tracker
	aggregator *occupancy.Aggregator
	publisher  Publisher
	interval   time.Duration
}

// NewSweeper builds a sweeper ticking at half the device timeout.
func NewSweeper(tracker *Tracker, aggregator *occupancy.Aggregator, publisher Publisher) *Sweeper {
	return &Sweeper{
		tracker:    tracker,
		aggregator: aggregator,
		publisher:  publisher,
		interval:   tracker.Timeout() / 2,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info("Device timeout sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("timeout", s.tracker.Timeout()),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Device timeout sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	transitioned, err := s.tracker.Sweep(ctx)
	if err != nil {
		logger.Error("Liveness sweep failed", zap.Error(err))
		return
	}
	if len(transitioned) == 0 {
		return
	}

	logger.Info("Devices went offline", zap.Uints("device_ids", transitioned))

	snapshot, err := s.aggregator.ComputeSnapshot(ctx)
	if err != nil {
		logger.Error("Failed to compute snapshot after sweep", zap.Error(err))
		return
	}
	s.publisher.Broadcast("parking_update", snapshot)
}
