package ingestion

import (
	"sync"
	"time"
)

// IngestMetrics tracks reconciler throughput.
type IngestMetrics struct {
	MessagesReceived      int64         `json:"messages_received"`
	MessagesProcessed     int64         `json:"messages_processed"`
	MessagesFailed        int64         `json:"messages_failed"`
	MessagesDropped       int64         `json:"messages_dropped"`
	EventsPublished       int64         `json:"events_published"`
	LastProcessedAt       time.Time     `json:"last_processed_at"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	QueueDepth            int           `json:"queue_depth"`
}

// MetricsTracker provides a goroutine-safe wrapper around IngestMetrics.
type MetricsTracker struct {
	mu      sync.RWMutex
	metrics IngestMetrics
}

func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{}
}

// Update applies a mutation in a thread-safe way.
func (t *MetricsTracker) Update(fn func(*IngestMetrics)) {
	if fn == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.metrics)
}

// Snapshot returns a copy of the current metrics.
func (t *MetricsTracker) Snapshot() IngestMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.metrics
}

// Reset clears accumulated metrics.
func (t *MetricsTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = IngestMetrics{}
}
