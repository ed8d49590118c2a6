package ingestion

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"smart-parking-backend/internal/liveness"
	"smart-parking-backend/internal/occupancy"
	"smart-parking-backend/internal/registry"
)

type capturedEvent struct {
	name string
	data interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *fakePublisher) Broadcast(event string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{name: event, data: data})
}

func (p *fakePublisher) has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.name == name {
			return true
		}
	}
	return false
}

func (p *fakePublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type responderCall struct {
	mac  string
	resp *RegisterResponseMessage
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []responderCall
}

func (r *fakeResponder) PublishRegisterResponse(mac string, resp *RegisterResponseMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, responderCall{mac: mac, resp: resp})
	return nil
}

func newTestReconciler(t *testing.T, opts Options) (*Reconciler, *registry.Repository, *occupancy.Aggregator, *fakePublisher) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&registry.Device{}, &registry.DistanceSensor{}, &registry.Camera{}); err != nil {
		t.Fatalf("failed to migrate test schema: %v", err)
	}

	repo := registry.NewRepository(db)
	tracker := liveness.NewTracker(repo, 60*time.Second)
	aggregator := occupancy.NewAggregator(repo, 60*time.Second)
	publisher := &fakePublisher{}

	return NewReconciler(repo, tracker, aggregator, publisher, opts), repo, aggregator, publisher
}

func registerViaMessage(t *testing.T, r *Reconciler, repo *registry.Repository, mac string) *registry.Device {
	t.Helper()

	payload := []byte(`{"mac_address":"` + mac + `","name":"lot-a","location":"north entrance","latitude":21.03,"longitude":105.85}`)
	if err := r.process(inbound{topic: TopicRegisterRequest, payload: payload}); err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	device, err := repo.GetDeviceByMAC(context.Background(), mac)
	if err != nil {
		t.Fatalf("registered device not found: %v", err)
	}
	return device
}

func TestRegistrationFlow(t *testing.T) {
	responder := &fakeResponder{}
	r, repo, _, publisher := newTestReconciler(t, Options{
		Responder:  responder,
		BrokerHost: "broker.local",
		BrokerPort: 1883,
	})

	device := registerViaMessage(t, r, repo, "AA:BB:CC:DD:EE:FF")

	if device.Status != registry.StatusRegistered {
		t.Errorf("status = %s, want registered", device.Status)
	}
	if !publisher.has("device_registered") || !publisher.has("parking_update") {
		t.Error("expected device_registered and parking_update events")
	}

	if len(responder.calls) != 1 {
		t.Fatalf("expected one registration reply, got %d", len(responder.calls))
	}
	reply := responder.calls[0]
	if reply.mac != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("reply addressed to %q", reply.mac)
	}
	if reply.resp.DeviceID != device.ID {
		t.Errorf("reply device id = %d, want %d", reply.resp.DeviceID, device.ID)
	}
	if reply.resp.MQTTUsername != "esp32_AABBCCDDEEFF" || reply.resp.MQTTPassword != "esp32_pass_AABBCCDDEEFF" {
		t.Errorf("unexpected credentials: %s / %s", reply.resp.MQTTUsername, reply.resp.MQTTPassword)
	}
	if reply.resp.MQTTBroker != "broker.local" || reply.resp.MQTTPort != 1883 {
		t.Errorf("unexpected broker coordinates: %s:%d", reply.resp.MQTTBroker, reply.resp.MQTTPort)
	}
	if reply.resp.SensorTopic != SensorTopicForDevice(device.ID) {
		t.Errorf("unexpected sensor topic %q", reply.resp.SensorTopic)
	}

	// Re-registration keeps the id and replies again without re-announcing.
	publisher.reset()
	again := registerViaMessage(t, r, repo, "AA:BB:CC:DD:EE:FF")
	if again.ID != device.ID {
		t.Errorf("device id changed on re-registration: %d -> %d", device.ID, again.ID)
	}
	if publisher.has("device_registered") {
		t.Error("re-registration must not re-announce the device")
	}
	if len(responder.calls) != 2 {
		t.Fatalf("expected a reply per registration, got %d", len(responder.calls))
	}
	if responder.calls[1].resp.Message != "Device already registered" {
		t.Errorf("unexpected reply message %q", responder.calls[1].resp.Message)
	}
}

func TestSensorReadingLifecycle(t *testing.T) {
	r, repo, aggregator, publisher := newTestReconciler(t, Options{})
	ctx := context.Background()

	device := registerViaMessage(t, r, repo, "AA:BB:CC:DD:EE:01")
	publisher.reset()

	topic := SensorTopicForDevice(device.ID) + "/0"
	payload := []byte(`{"current_distance":8,"is_occupied":true,"trigger_pin":5,"echo_pin":18}`)
	if err := r.process(inbound{topic: topic, payload: payload}); err != nil {
		t.Fatalf("reading failed: %v", err)
	}

	if !publisher.has("sensor_registered") {
		t.Error("first reading must announce the auto-registered sensor")
	}
	if !publisher.has("sensor_update") || !publisher.has("parking_update") {
		t.Error("expected sensor_update and parking_update events")
	}

	stored, err := repo.GetDevice(ctx, device.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if stored.Status != registry.StatusOnline {
		t.Errorf("status = %s, want online after telemetry", stored.Status)
	}

	snapshot, err := aggregator.DeviceSnapshot(ctx, device.ID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snapshot.TotalSpots != 1 || snapshot.AvailableSpots != 0 || snapshot.OccupancyRate != 100 {
		t.Errorf("snapshot = %d/%d spots, rate %v; want 0/1 available, rate 100",
			snapshot.AvailableSpots, snapshot.TotalSpots, snapshot.OccupancyRate)
	}

	// The spot frees up; same row is updated in place.
	publisher.reset()
	payload = []byte(`{"current_distance":30,"is_occupied":false}`)
	if err := r.process(inbound{topic: topic, payload: payload}); err != nil {
		t.Fatalf("second reading failed: %v", err)
	}
	if publisher.has("sensor_registered") {
		t.Error("second reading must not re-announce the sensor")
	}

	sensors, err := repo.ListSensors(ctx, device.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sensors) != 1 {
		t.Fatalf("expected one sensor row, got %d", len(sensors))
	}
	if sensors[0].CurrentDistance != 30 || sensors[0].IsOccupied {
		t.Errorf("sensor not updated: %+v", sensors[0])
	}

	snapshot, err = aggregator.DeviceSnapshot(ctx, device.ID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snapshot.AvailableSpots != 1 || snapshot.OccupancyRate != 0 {
		t.Errorf("snapshot after free = %d available, rate %v; want 1, 0",
			snapshot.AvailableSpots, snapshot.OccupancyRate)
	}
}

func TestSensorReadingWithoutDistanceOnlyProvesLiveness(t *testing.T) {
	r, repo, _, _ := newTestReconciler(t, Options{})
	ctx := context.Background()

	device := registerViaMessage(t, r, repo, "AA:BB:CC:DD:EE:02")

	topic := SensorTopicForDevice(device.ID) + "/0"
	if err := r.process(inbound{topic: topic, payload: []byte(`{}`)}); err != nil {
		t.Fatalf("empty reading failed: %v", err)
	}

	stored, _ := repo.GetDevice(ctx, device.ID)
	if stored.Status != registry.StatusOnline {
		t.Errorf("status = %s, want online", stored.Status)
	}
	count, _ := repo.CountSensors(ctx, device.ID)
	if count != 0 {
		t.Errorf("reading without distance must not create a sensor row, got %d", count)
	}
}

func TestSensorReadingUnknownDevice(t *testing.T) {
	r, repo, _, _ := newTestReconciler(t, Options{})

	err := r.process(inbound{topic: "device/999/sensors/0", payload: []byte(`{"current_distance":8}`)})
	if err == nil {
		t.Fatal("reading for unknown device must fail")
	}

	devices, _ := repo.ListDevices(context.Background())
	if len(devices) != 0 {
		t.Error("unknown-device reading must not create rows")
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	r, repo, _, publisher := newTestReconciler(t, Options{})
	ctx := context.Background()

	device := registerViaMessage(t, r, repo, "AA:BB:CC:DD:EE:03")
	publisher.reset()

	topic := SensorTopicForDevice(device.ID) + "/0"
	if err := r.process(inbound{topic: topic, payload: []byte(`{not json`)}); err == nil {
		t.Fatal("malformed payload must be rejected")
	}

	count, _ := repo.CountSensors(ctx, device.ID)
	if count != 0 {
		t.Error("malformed payload must not touch the store")
	}
	stored, _ := repo.GetDevice(ctx, device.ID)
	if stored.Status != registry.StatusRegistered {
		t.Errorf("malformed payload must not mark the device seen, status %s", stored.Status)
	}
	if publisher.has("sensor_update") || publisher.has("parking_update") {
		t.Error("malformed payload must not emit events")
	}
}

func TestStatusMessageAndErrorStickiness(t *testing.T) {
	r, repo, _, publisher := newTestReconciler(t, Options{})
	ctx := context.Background()

	device := registerViaMessage(t, r, repo, "AA:BB:CC:DD:EE:04")
	topic := SensorTopicForDevice(device.ID) + "/0"

	statusTopic := "device/" + itoa(device.ID) + "/status"
	if err := r.process(inbound{topic: statusTopic, payload: []byte(`{"status":"error"}`)}); err != nil {
		t.Fatalf("status message failed: %v", err)
	}
	if !publisher.has("device_update") {
		t.Error("expected device_update after status change")
	}

	stored, _ := repo.GetDevice(ctx, device.ID)
	if stored.Status != registry.StatusError {
		t.Fatalf("status = %s, want error", stored.Status)
	}

	// Telemetry keeps flowing but the error state holds until an explicit
	// status clears it.
	if err := r.process(inbound{topic: topic, payload: []byte(`{"current_distance":8,"is_occupied":true}`)}); err != nil {
		t.Fatalf("reading failed: %v", err)
	}
	stored, _ = repo.GetDevice(ctx, device.ID)
	if stored.Status != registry.StatusError {
		t.Errorf("status = %s, want error preserved across telemetry", stored.Status)
	}

	if err := r.process(inbound{topic: statusTopic, payload: []byte(`{"status":"online"}`)}); err != nil {
		t.Fatalf("status message failed: %v", err)
	}
	stored, _ = repo.GetDevice(ctx, device.ID)
	if stored.Status != registry.StatusOnline {
		t.Errorf("status = %s, want online after explicit clear", stored.Status)
	}

	if err := r.process(inbound{topic: statusTopic, payload: []byte(`{"status":"rebooting"}`)}); err == nil {
		t.Error("unknown status value must be rejected")
	}
}

func TestBulkRegistrationReplacesInventory(t *testing.T) {
	r, repo, _, publisher := newTestReconciler(t, Options{})
	ctx := context.Background()

	device := registerViaMessage(t, r, repo, "AA:BB:CC:DD:EE:05")

	// Seed a slot that the handshake must wipe out.
	readingTopic := SensorTopicForDevice(device.ID) + "/9"
	if err := r.process(inbound{topic: readingTopic, payload: []byte(`{"current_distance":8,"is_occupied":true}`)}); err != nil {
		t.Fatalf("seed reading failed: %v", err)
	}
	publisher.reset()

	bulkTopic := "device/" + itoa(device.ID) + "/register"
	payload := []byte(`{
		"sensors":[{"index":0,"trigger_pin":5,"echo_pin":18},{"index":1}],
		"cameras":[{"index":0,"resolution":"VGA","jpeg_quality":12}]
	}`)
	if err := r.process(inbound{topic: bulkTopic, payload: payload}); err != nil {
		t.Fatalf("bulk registration failed: %v", err)
	}

	if !publisher.has("sensors_registered") || !publisher.has("parking_update") {
		t.Error("expected sensors_registered and parking_update events")
	}

	sensors, _ := repo.ListSensors(ctx, device.ID)
	if len(sensors) != 2 {
		t.Fatalf("expected 2 sensors after handshake, got %d", len(sensors))
	}
	for _, s := range sensors {
		if s.Index == 9 {
			t.Error("handshake must replace the previous sensor set")
		}
	}
	cameras, _ := repo.ListCameras(ctx, device.ID)
	if len(cameras) != 1 {
		t.Fatalf("expected 1 camera after handshake, got %d", len(cameras))
	}
}

func TestCameraFrame(t *testing.T) {
	r, repo, _, publisher := newTestReconciler(t, Options{})
	ctx := context.Background()

	device := registerViaMessage(t, r, repo, "AA:BB:CC:DD:EE:06")
	publisher.reset()

	topic := "device/" + itoa(device.ID) + "/cameras/0"
	payload := []byte(`{"image_base64":"Zm9v","image_size":3,"resolution":"VGA"}`)
	if err := r.process(inbound{topic: topic, payload: payload}); err != nil {
		t.Fatalf("camera frame failed: %v", err)
	}

	if !publisher.has("camera_update") {
		t.Error("expected camera_update event")
	}
	if publisher.has("parking_update") {
		t.Error("camera frames do not change occupancy and must not rebroadcast")
	}

	camera, err := repo.GetCamera(ctx, device.ID, 0)
	if err != nil {
		t.Fatalf("camera not stored: %v", err)
	}
	if camera.ImageBase64 != "Zm9v" || camera.ImageSize != 3 || camera.Resolution != "VGA" {
		t.Errorf("frame not applied: %+v", camera)
	}

	stored, _ := repo.GetDevice(ctx, device.ID)
	if stored.Status != registry.StatusOnline {
		t.Errorf("camera traffic must mark the device seen, status %s", stored.Status)
	}
}

func TestHandleMessageDropsWhenQueueFull(t *testing.T) {
	// Workers are never started, so the queue fills deterministically.
	r, _, _, _ := newTestReconciler(t, Options{Workers: 1, BufferSize: 1})

	r.HandleMessage("device/register", []byte(`{}`))
	r.HandleMessage("device/register", []byte(`{}`))

	metrics := r.Metrics()
	if metrics.MessagesReceived != 1 {
		t.Errorf("messages received = %d, want 1", metrics.MessagesReceived)
	}
	if metrics.MessagesDropped != 1 {
		t.Errorf("messages dropped = %d, want 1", metrics.MessagesDropped)
	}
}

func TestStartStopDrainsQueue(t *testing.T) {
	responder := &fakeResponder{}
	r, repo, _, _ := newTestReconciler(t, Options{Workers: 2, BufferSize: 16, Responder: responder})

	r.Start()
	r.HandleMessage(TopicRegisterRequest, []byte(`{"mac_address":"AA:BB:CC:DD:EE:07","name":"lot","location":"x"}`))
	r.Stop()

	device, err := repo.GetDeviceByMAC(context.Background(), "AA:BB:CC:DD:EE:07")
	if err != nil {
		t.Fatalf("queued registration not processed before stop: %v", err)
	}
	if device.ID == 0 {
		t.Error("expected assigned device id")
	}
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
