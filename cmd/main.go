package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"smart-parking-backend/internal/config"
	"smart-parking-backend/internal/database"
	"smart-parking-backend/internal/handler"
	"smart-parking-backend/internal/ingestion"
	"smart-parking-backend/internal/liveness"
	"smart-parking-backend/internal/logger"
	"smart-parking-backend/internal/occupancy"
	"smart-parking-backend/internal/registry"
	"smart-parking-backend/internal/routes"
	"smart-parking-backend/internal/ws"
	pkgmqtt "smart-parking-backend/pkg/mqtt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger.Init(cfg.Server.Environment)
	defer logger.Sync()

	logger.Info("Starting smart parking backend",
		zap.String("environment", cfg.Server.Environment),
	)

	db, err := database.NewDatabase(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	repo := registry.NewRepository(db.DB)
	tracker := liveness.NewTracker(repo, cfg.Device.Timeout())
	aggregator := occupancy.NewAggregator(repo, cfg.Device.Timeout())

	hub := ws.NewHub(func(ctx context.Context) (interface{}, error) {
		return aggregator.ComputeSnapshot(ctx)
	})

	reconciler := ingestion.NewReconciler(repo, tracker, aggregator, hub, ingestion.Options{
		Workers:    cfg.Ingest.Workers,
		BufferSize: cfg.Ingest.BufferSize,
		BrokerHost: cfg.MQTT.Broker,
		BrokerPort: cfg.MQTT.Port,
	})

	mqttClient, err := ingestion.NewMQTTIngestionClient(&ingestion.MQTTIngestionConfig{
		ClientConfig: &pkgmqtt.Config{
			Broker:               cfg.MQTT.BrokerURL(),
			ClientID:             cfg.MQTT.ClientID,
			Username:             cfg.MQTT.Username,
			Password:             cfg.MQTT.Password,
			CleanSession:         true,
			KeepAlive:            cfg.MQTT.KeepAlive,
			ConnectTimeout:       cfg.MQTT.ConnectTimeout,
			AutoReconnect:        true,
			MaxReconnectInterval: time.Minute,
		},
		QoS: byte(cfg.MQTT.QoS),
	}, reconciler)
	if err != nil {
		logger.Fatal("Failed to build MQTT ingestion client", zap.Error(err))
	}
	reconciler.SetResponder(mqttClient)

	reconciler.Start()
	if err := mqttClient.Start(); err != nil {
		logger.Fatal("Failed to start MQTT ingestion", zap.Error(err))
	}

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	sweeper := liveness.NewSweeper(tracker, aggregator, hub)
	go sweeper.Run(sweepCtx)

	router := routes.SetupRouter(cfg, routes.Handlers{
		Device:  handler.NewDeviceHandler(repo, aggregator, cfg.MQTT.Broker, cfg.MQTT.Port),
		Parking: handler.NewParkingHandler(aggregator),
		System:  handler.NewSystemHandler(db, mqttClient, hub, reconciler),
		Hub:     hub,
	})

	host := cfg.Server.Host
	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         host + ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")

	// Stop inbound traffic before draining the worker pool.
	mqttClient.Stop()
	reconciler.Stop()
	cancelSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
