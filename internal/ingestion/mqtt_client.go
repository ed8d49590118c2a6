package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"smart-parking-backend/internal/logger"
	pkgmqtt "smart-parking-backend/pkg/mqtt"
)

// MQTTIngestionConfig describes the MQTT connection used for telemetry.
type MQTTIngestionConfig struct {
	ClientConfig *pkgmqtt.Config
	QoS          byte
}

// MQTTIngestionClient wires broker deliveries into the reconciler and
// publishes registration replies back out.
type MQTTIngestionClient struct {
	cfg        *MQTTIngestionConfig
	client     *pkgmqtt.Client
	reconciler *Reconciler

	mu            sync.Mutex
	started       bool
	subscriptions []string
}

func NewMQTTIngestionClient(cfg *MQTTIngestionConfig, reconciler *Reconciler) (*MQTTIngestionClient, error) {
	if cfg == nil || cfg.ClientConfig == nil {
		return nil, errors.New("mqtt ingestion config is not configured")
	}
	if reconciler == nil {
		return nil, errors.New("reconciler is required")
	}

	client := pkgmqtt.NewClient(cfg.ClientConfig)
	return &MQTTIngestionClient{
		cfg:        cfg,
		client:     client,
		reconciler: reconciler,
	}, nil
}

// Start establishes the MQTT connection and subscribes to every telemetry
// topic filter.
func (c *MQTTIngestionClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	filters := []string{
		FilterRegisterRequest,
		FilterBulkRegister,
		FilterDeviceStatus,
		FilterSensorReadings,
		FilterCameraFrames,
	}

	for _, filter := range filters {
		if err := c.client.Subscribe(filter, c.cfg.QoS, c.reconciler.HandleMessage); err != nil {
			c.client.Disconnect()
			return fmt.Errorf("subscribe failed for topic %s: %w", filter, err)
		}
		c.subscriptions = append(c.subscriptions, filter)
	}

	logger.Info("MQTT ingestion started", zap.Strings("topics", c.subscriptions))
	c.started = true
	return nil
}

// Stop unsubscribes and disconnects from the broker.
func (c *MQTTIngestionClient) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}

	if len(c.subscriptions) > 0 {
		if err := c.client.Unsubscribe(c.subscriptions...); err != nil {
			logger.Warn("Failed to unsubscribe from MQTT topics", zap.Error(err))
		}
	}

	c.client.Disconnect()
	c.started = false
	c.subscriptions = nil
}

// IsConnected reports the broker connection state (health endpoint).
func (c *MQTTIngestionClient) IsConnected() bool {
	return c.client.IsConnected()
}

// PublishRegisterResponse implements Responder: the reply is addressed by
// normalized MAC so a device can subscribe before it knows its id.
func (c *MQTTIngestionClient) PublishRegisterResponse(mac string, resp *RegisterResponseMessage) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal registration response: %w", err)
	}
	return c.client.Publish(RegisterResponseTopic(mac), c.cfg.QoS, false, payload)
}
