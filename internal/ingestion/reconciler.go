package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"smart-parking-backend/internal/liveness"
	"smart-parking-backend/internal/logger"
	"smart-parking-backend/internal/occupancy"
	"smart-parking-backend/internal/registry"
	"smart-parking-backend/pkg/utils"
)

// Publisher is the fan-out side the reconciler emits events through.
type Publisher interface {
	Broadcast(event string, data interface{})
}

// Responder publishes the correlated registration reply back to the
// messaging channel. Nil is allowed (HTTP-only registration).
type Responder interface {
	PublishRegisterResponse(mac string, resp *RegisterResponseMessage) error
}

// Options configure the reconciler's queue and the broker coordinates
// handed out in registration replies.
type Options struct {
	Workers    int
	BufferSize int
	Responder  Responder
	BrokerHost string
	BrokerPort int
}

type inbound struct {
	topic   string
	payload []byte
}

// Reconciler consumes inbound telemetry and reconciles it into the
// identity store. Delivery is at-least-once and unordered, so every
// operation is an upsert; redelivery converges to the same end state.
// Messages flow through a bounded queue decoupling the transport callback
// from processing, and per-device locks serialize mutations to one
// device's sensor set.
type Reconciler struct {
	repo       *registry.Repository
	tracker    *liveness.Tracker
	aggregator *occupancy.Aggregator
	publisher  Publisher
	opts       Options

	queue   chan inbound
	locks   keyedLocks
	metrics *MetricsTracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReconciler(repo *registry.Repository, tracker *liveness.Tracker, aggregator *occupancy.Aggregator, publisher Publisher, opts Options) *Reconciler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		repo:       repo,
		tracker:    tracker,
		aggregator: aggregator,
		publisher:  publisher,
		opts:       opts,
		queue:      make(chan inbound, opts.BufferSize),
		locks:      keyedLocks{locks: make(map[string]*sync.Mutex)},
		metrics:    NewMetricsTracker(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetResponder installs the registration reply channel. The transport
// client is built after the reconciler, so the responder is attached
// before Start rather than passed in Options.
func (r *Reconciler) SetResponder(responder Responder) {
	r.opts.Responder = responder
}

// Start launches the worker pool.
func (r *Reconciler) Start() {
	logger.Info("Starting telemetry reconciler",
		zap.Int("workers", r.opts.Workers),
		zap.Int("buffer_size", r.opts.BufferSize),
	)

	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
}

// Stop drains the queue and returns once processing has ceased. The
// transport must be stopped first so no new deliveries arrive.
func (r *Reconciler) Stop() {
	close(r.queue)
	r.wg.Wait()
	r.cancel()
	logger.Info("Telemetry reconciler stopped")
}

// HandleMessage is the transport delivery callback. It never blocks: when
// the queue is full the message is dropped and counted, relying on the
// device's next publish to converge.
func (r *Reconciler) HandleMessage(topic string, payload []byte) {
	select {
	case r.queue <- inbound{topic: topic, payload: payload}:
		r.metrics.Update(func(m *IngestMetrics) {
			m.MessagesReceived++
			m.QueueDepth = len(r.queue)
		})
	case <-r.ctx.Done():
	default:
		logger.Warn("Ingest queue full, dropping message", zap.String("topic", topic))
		r.metrics.Update(func(m *IngestMetrics) {
			m.MessagesDropped++
		})
	}
}

// Metrics returns current ingest counters.
func (r *Reconciler) Metrics() IngestMetrics {
	return r.metrics.Snapshot()
}

func (r *Reconciler) worker(id int) {
	defer r.wg.Done()

	for msg := range r.queue {
		start := time.Now()
		if err := r.process(msg); err != nil {
			// Errors never propagate past the reconciler; one bad message
			// must not interrupt delivery.
			logger.Warn("Message dropped",
				zap.Int("worker", id),
				zap.String("topic", msg.topic),
				zap.Error(err),
			)
			r.metrics.Update(func(m *IngestMetrics) {
				m.MessagesFailed++
			})
			continue
		}

		elapsed := time.Since(start)
		r.metrics.Update(func(m *IngestMetrics) {
			m.MessagesProcessed++
			m.LastProcessedAt = time.Now()
			if m.AverageProcessingTime == 0 {
				m.AverageProcessingTime = elapsed
			} else {
				m.AverageProcessingTime = (m.AverageProcessingTime + elapsed) / 2
			}
		})
	}
}

func (r *Reconciler) process(msg inbound) error {
	info, err := ParseTopic(msg.topic)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
	defer cancel()

	switch info.Kind {
	case KindRegisterRequest:
		return r.handleRegisterRequest(ctx, msg.payload)
	case KindBulkRegister:
		return r.handleBulkRegistration(ctx, info.DeviceID, msg.payload)
	case KindDeviceStatus:
		return r.handleStatus(ctx, info.DeviceID, msg.payload)
	case KindSensorReading:
		return r.handleSensorReading(ctx, info.DeviceID, info.SensorIndex, msg.payload)
	case KindCameraFrame:
		return r.handleCameraFrame(ctx, info.DeviceID, info.SensorIndex, msg.payload)
	default:
		return fmt.Errorf("unhandled message kind on topic %q", msg.topic)
	}
}

func (r *Reconciler) handleSensorReading(ctx context.Context, deviceID uint, index int, payload []byte) error {
	msg, err := ParseSensorReading(payload)
	if err != nil {
		return fmt.Errorf("invalid sensor payload: %w", err)
	}
	if err := ValidateSensorReading(msg); err != nil {
		return err
	}

	unlock := r.locks.lock(deviceKey(deviceID))
	defer unlock()

	if _, err := r.repo.GetDevice(ctx, deviceID); err != nil {
		return err
	}

	// A reading with a missing distance still proves the device is alive.
	if err := r.tracker.MarkSeen(ctx, deviceID); err != nil {
		return err
	}

	distance := msg.Distance()
	if distance == nil {
		return nil
	}

	fields := registry.SensorFields{
		Name:            msg.Name,
		Type:            msg.Type,
		Technology:      msg.Technology,
		TriggerPin:      msg.TriggerPin,
		EchoPin:         msg.EchoPin,
		CurrentDistance: distance,
		IsOccupied:      msg.OccupiedFlag(),
	}
	sensor, created, err := r.repo.UpsertSensor(ctx, deviceID, index, fields)
	if err != nil {
		return err
	}

	if created {
		r.emit("sensor_registered", map[string]interface{}{
			"device_id":    deviceID,
			"sensor_name":  sensor.Name,
			"sensor_index": sensor.Index,
		})
	}
	r.emit("sensor_update", map[string]interface{}{
		"device_id":    deviceID,
		"sensor_index": sensor.Index,
		"sensor_name":  sensor.Name,
		"distance":     sensor.CurrentDistance,
		"occupied":     sensor.IsOccupied,
		"timestamp":    sensor.LastUpdated,
	})
	r.emitDeviceUpdate(ctx, deviceID)
	r.rebroadcast(ctx)
	return nil
}

func (r *Reconciler) handleRegisterRequest(ctx context.Context, payload []byte) error {
	msg, err := ParseRegisterRequest(payload)
	if err != nil {
		return fmt.Errorf("invalid registration payload: %w", err)
	}
	if err := ValidateRegisterRequest(msg); err != nil {
		return err
	}

	unlock := r.locks.lock(macKey(msg.MACAddress))
	defer unlock()

	device, isNew, err := r.repo.RegisterDevice(ctx, registry.RegisterDeviceInput{
		MACAddress: msg.MACAddress,
		Name:       utils.SanitizeString(msg.Name),
		Location:   utils.SanitizeString(msg.Location),
		Latitude:   msg.Latitude,
		Longitude:  msg.Longitude,
	})
	if err != nil {
		return err
	}

	if isNew {
		r.emit("device_registered", map[string]interface{}{
			"device_id": device.ID,
			"name":      device.Name,
			"location":  device.Location,
			"latitude":  device.Latitude,
			"longitude": device.Longitude,
			"status":    device.Status,
		})
		r.rebroadcast(ctx)
	}

	r.publishRegisterResponse(device, isNew)
	return nil
}

func (r *Reconciler) publishRegisterResponse(device *registry.Device, isNew bool) {
	if r.opts.Responder == nil {
		return
	}

	macClean := utils.NormalizeMAC(device.MACAddress)
	message := "Device already registered"
	if isNew {
		message = "Device registered successfully"
	}
	resp := &RegisterResponseMessage{
		DeviceID:     device.ID,
		MQTTUsername: "esp32_" + macClean,
		MQTTPassword: "esp32_pass_" + macClean,
		MQTTBroker:   r.opts.BrokerHost,
		MQTTPort:     r.opts.BrokerPort,
		SensorTopic:  SensorTopicForDevice(device.ID),
		Status:       string(device.Status),
		Message:      message,
	}
	if err := r.opts.Responder.PublishRegisterResponse(device.MACAddress, resp); err != nil {
		logger.Error("Failed to publish registration response",
			zap.String("mac", device.MACAddress), zap.Error(err))
	}
}

func (r *Reconciler) handleBulkRegistration(ctx context.Context, deviceID uint, payload []byte) error {
	msg, err := ParseBulkRegistration(payload)
	if err != nil {
		return fmt.Errorf("invalid bulk registration payload: %w", err)
	}
	if err := ValidateBulkRegistration(msg); err != nil {
		return err
	}

	unlock := r.locks.lock(deviceKey(deviceID))
	defer unlock()

	sensors := make([]registry.SensorSpec, len(msg.Sensors))
	for i, s := range msg.Sensors {
		sensors[i] = registry.SensorSpec{
			Index:      s.Index,
			Name:       utils.SanitizeString(s.Name),
			Type:       s.Type,
			Technology: s.Technology,
			TriggerPin: s.TriggerPin,
			EchoPin:    s.EchoPin,
		}
	}
	cameras := make([]registry.CameraSpec, len(msg.Cameras))
	for i, c := range msg.Cameras {
		cameras[i] = registry.CameraSpec{
			Index:       c.Index,
			Name:        utils.SanitizeString(c.Name),
			Type:        c.Type,
			Technology:  c.Technology,
			Resolution:  c.Resolution,
			JPEGQuality: c.JPEGQuality,
		}
	}

	if err := r.repo.ReplaceInventory(ctx, deviceID, sensors, cameras); err != nil {
		return err
	}
	if err := r.tracker.MarkSeen(ctx, deviceID); err != nil {
		return err
	}

	r.emit("sensors_registered", map[string]interface{}{
		"device_id":     deviceID,
		"sensors_count": len(sensors),
		"cameras_count": len(cameras),
	})
	r.rebroadcast(ctx)
	return nil
}

func (r *Reconciler) handleStatus(ctx context.Context, deviceID uint, payload []byte) error {
	msg, err := ParseStatus(payload)
	if err != nil {
		return fmt.Errorf("invalid status payload: %w", err)
	}
	if err := ValidateStatus(msg); err != nil {
		return err
	}

	unlock := r.locks.lock(deviceKey(deviceID))
	defer unlock()

	if err := r.tracker.SetStatus(ctx, deviceID, registry.DeviceStatus(msg.Status)); err != nil {
		return err
	}

	r.emitDeviceUpdate(ctx, deviceID)
	r.rebroadcast(ctx)
	return nil
}

func (r *Reconciler) handleCameraFrame(ctx context.Context, deviceID uint, index int, payload []byte) error {
	msg, err := ParseCameraFrame(payload)
	if err != nil {
		return fmt.Errorf("invalid camera payload: %w", err)
	}
	if err := ValidateCameraFrame(msg); err != nil {
		return err
	}

	unlock := r.locks.lock(deviceKey(deviceID))
	defer unlock()

	if err := r.tracker.MarkSeen(ctx, deviceID); err != nil {
		return err
	}

	fields := registry.CameraFields{
		Name:        msg.Name,
		Resolution:  msg.Resolution,
		JPEGQuality: msg.JPEGQuality,
		ImageBase64: &msg.ImageBase64,
		ImageSize:   &msg.ImageSize,
	}
	camera, _, err := r.repo.UpsertCamera(ctx, deviceID, index, fields)
	if err != nil {
		return err
	}

	r.emit("camera_update", map[string]interface{}{
		"device_id":    deviceID,
		"camera_index": camera.Index,
		"camera_name":  camera.Name,
		"image_size":   camera.ImageSize,
		"timestamp":    camera.LastUpdated,
	})
	r.emitDeviceUpdate(ctx, deviceID)
	return nil
}

func (r *Reconciler) emitDeviceUpdate(ctx context.Context, deviceID uint) {
	device, err := r.repo.GetDevice(ctx, deviceID)
	if err != nil {
		logger.Error("Failed to load device for update event",
			zap.Uint("device_id", deviceID), zap.Error(err))
		return
	}
	r.emit("device_update", map[string]interface{}{
		"device_id": device.ID,
		"status":    device.Status,
		"last_seen": device.LastSeen,
	})
}

// rebroadcast pushes the full snapshot after any state change. The
// snapshot is idempotent, so subscribers that miss discrete events still
// converge.
func (r *Reconciler) rebroadcast(ctx context.Context) {
	snapshot, err := r.aggregator.ComputeSnapshot(ctx)
	if err != nil {
		logger.Error("Failed to compute snapshot for broadcast", zap.Error(err))
		return
	}
	r.emit("parking_update", snapshot)
}

func (r *Reconciler) emit(event string, data interface{}) {
	r.publisher.Broadcast(event, data)
	r.metrics.Update(func(m *IngestMetrics) {
		m.EventsPublished++
	})
}

func deviceKey(id uint) string {
	return fmt.Sprintf("device:%d", id)
}

func macKey(mac string) string {
	return "mac:" + utils.NormalizeMAC(mac)
}

// keyedLocks serializes work per device (or per MAC during registration)
// so duplicate deliveries for one device cannot interleave.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
