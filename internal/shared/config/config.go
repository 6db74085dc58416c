package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	KurrentDB    KurrentDBConfig
	Auth         AuthConfig
	Notification NotificationConfig
	Scheduler    SchedulerConfig
	HospitalFeed HospitalFeedConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	// Host is the KurrentDB server hostname
	Host string
	// Port is the gRPC port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	// Username for authentication (optional)
	Username string
	// Password for authentication (optional)
	Password string
}

type AuthConfig struct {
	JWTSecret string
}

// NotificationConfig holds dispatcher settings.
type NotificationConfig struct {
	// RetryAttempts is the bounded provider retry count per send
	RetryAttempts int
	// RetryDelay is the base backoff between provider retries
	RetryDelay time.Duration
	// SendsPerSecond caps outbound provider calls per channel
	SendsPerSecond float64
	// SendBurst is the rate limiter burst size
	SendBurst int
}

// SchedulerConfig holds durable timer settings.
type SchedulerConfig struct {
	// PollInterval is how often due timers are claimed
	PollInterval time.Duration
	// BatchSize is the maximum timers claimed per poll
	BatchSize int
	// AssignRetryInterval re-runs nurse assignment for unassigned tasks
	AssignRetryInterval time.Duration
}

// HospitalFeedConfig holds the HIS discharge feed connection.
type HospitalFeedConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	PollInterval time.Duration
	// DischargeTable is the HIS table polled for new discharges
	DischargeTable string
}

func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "careloop"),
			Password: getEnv("DB_PASSWORD", "careloop"),
			Database: getEnv("DB_NAME", "careloop"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		KurrentDB: KurrentDBConfig{
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
		},
		Notification: NotificationConfig{
			RetryAttempts:  getEnvInt("NOTIFY_RETRY_ATTEMPTS", 3),
			RetryDelay:     getEnvDuration("NOTIFY_RETRY_DELAY", 30*time.Second),
			SendsPerSecond: getEnvFloat("NOTIFY_SENDS_PER_SECOND", 10),
			SendBurst:      getEnvInt("NOTIFY_SEND_BURST", 20),
		},
		Scheduler: SchedulerConfig{
			PollInterval:        getEnvDuration("SCHEDULER_POLL_INTERVAL", 15*time.Second),
			BatchSize:           getEnvInt("SCHEDULER_BATCH_SIZE", 50),
			AssignRetryInterval: getEnvDuration("SCHEDULER_ASSIGN_RETRY_INTERVAL", 5*time.Minute),
		},
		HospitalFeed: HospitalFeedConfig{
			Enabled:        getEnvBool("HOSPITAL_FEED_ENABLED", false),
			Host:           getEnv("HOSPITAL_FEED_HOST", "localhost"),
			Port:           getEnvInt("HOSPITAL_FEED_PORT", 1433),
			Database:       getEnv("HOSPITAL_FEED_DB", "his"),
			User:           getEnv("HOSPITAL_FEED_USER", "careloop_reader"),
			Password:       getEnv("HOSPITAL_FEED_PASSWORD", ""),
			PollInterval:   getEnvDuration("HOSPITAL_FEED_POLL_INTERVAL", 30*time.Second),
			DischargeTable: getEnv("HOSPITAL_FEED_DISCHARGE_TABLE", "dbo.Discharges"),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
