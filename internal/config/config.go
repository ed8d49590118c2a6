package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	MQTT      MQTTConfig
	Device    DeviceConfig
	Ingest    IngestConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
}

type ServerConfig struct {
	Port        string
	Host        string
	Environment string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type MQTTConfig struct {
	Broker         string
	Port           int
	ClientID       string
	Username       string
	Password       string
	QoS            int
	KeepAlive      int
	ConnectTimeout int
}

// DeviceConfig controls liveness detection. A device is considered offline
// when it has not published for TimeoutSeconds.
type DeviceConfig struct {
	TimeoutSeconds int
}

type IngestConfig struct {
	Workers    int
	BufferSize int
}

type RateLimitConfig struct {
	GeneralRPS   float64
	GeneralBurst int
}

type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AddConfigPath(".")
	if homeDir, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(homeDir)
	}
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Printf("Warning: config file not found: %v. Falling back to environment variables only.", err)
	}

	viper.SetDefault("MQTT_PORT", 1883)
	viper.SetDefault("MQTT_CLIENT_ID", "parking_backend")
	viper.SetDefault("MQTT_QOS", 1)
	viper.SetDefault("MQTT_KEEPALIVE", 60)
	viper.SetDefault("MQTT_CONNECT_TIMEOUT", 10)
	viper.SetDefault("DEVICE_TIMEOUT", 60)
	viper.SetDefault("INGEST_WORKERS", 4)
	viper.SetDefault("INGEST_BUFFER_SIZE", 256)

	config := &Config{
		Server: ServerConfig{
			Port:        viper.GetString("SERVER_PORT"),
			Host:        viper.GetString("SERVER_HOST"),
			Environment: viper.GetString("ENVIRONMENT"),
		},
		Database: DatabaseConfig{
			Host:     viper.GetString("DB_HOST"),
			Port:     viper.GetString("DB_PORT"),
			User:     viper.GetString("DB_USER"),
			Password: viper.GetString("DB_PASSWORD"),
			DBName:   viper.GetString("DB_NAME"),
			SSLMode:  viper.GetString("DB_SSLMODE"),
		},
		MQTT: MQTTConfig{
			Broker:         viper.GetString("MQTT_BROKER"),
			Port:           viper.GetInt("MQTT_PORT"),
			ClientID:       viper.GetString("MQTT_CLIENT_ID"),
			Username:       viper.GetString("MQTT_USER"),
			Password:       viper.GetString("MQTT_PASSWORD"),
			QoS:            viper.GetInt("MQTT_QOS"),
			KeepAlive:      viper.GetInt("MQTT_KEEPALIVE"),
			ConnectTimeout: viper.GetInt("MQTT_CONNECT_TIMEOUT"),
		},
		Device: DeviceConfig{
			TimeoutSeconds: viper.GetInt("DEVICE_TIMEOUT"),
		},
		Ingest: IngestConfig{
			Workers:    viper.GetInt("INGEST_WORKERS"),
			BufferSize: viper.GetInt("INGEST_BUFFER_SIZE"),
		},
		RateLimit: RateLimitConfig{
			GeneralRPS:   viper.GetFloat64("RATE_LIMIT_GENERAL_RPS"),
			GeneralBurst: viper.GetInt("RATE_LIMIT_GENERAL_BURST"),
		},
		CORS: CORSConfig{
			AllowedOrigins:   viper.GetStringSlice("CORS_ALLOWED_ORIGINS"),
			AllowedMethods:   viper.GetStringSlice("CORS_ALLOWED_METHODS"),
			AllowedHeaders:   viper.GetStringSlice("CORS_ALLOWED_HEADERS"),
			ExposedHeaders:   viper.GetStringSlice("CORS_EXPOSED_HEADERS"),
			AllowCredentials: viper.GetBool("CORS_ALLOW_CREDENTIALS"),
			MaxAge:           viper.GetInt("CORS_MAX_AGE"),
		},
	}

	return config, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// BrokerURL builds the tcp:// address paho expects.
func (c *MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Broker, c.Port)
}

// Timeout returns the staleness threshold as a duration.
func (c *DeviceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
