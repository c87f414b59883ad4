package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DaemonEnv is the ambient env-var daemon-tuning layer, grounded on
// cmd/api/config/config.go's Load() shape: getEnv/getEnvInt readers over
// os.Getenv, with an optional .env overlay via godotenv.
type DaemonEnv struct {
	LogLevel       string
	StateDir       string
	USBIDsPath     string
	QueueCapacity  int
	QMPConnectWait time.Duration
}

// LoadDaemonEnv reads daemon tuning from the environment, silently
// loading a ".env" overlay first if present.
func LoadDaemonEnv() *DaemonEnv {
	_ = godotenv.Load()

	return &DaemonEnv{
		LogLevel:       getEnv("VHOTPLUG_LOG_LEVEL", "info"),
		StateDir:       getEnv("VHOTPLUG_STATE_DIR", "/var/lib/vhotplug"),
		USBIDsPath:     getEnv("VHOTPLUG_USB_IDS", ""),
		QueueCapacity:  getEnvInt("VHOTPLUG_QUEUE_CAPACITY", 256),
		QMPConnectWait: getEnvDuration("VHOTPLUG_QMP_CONNECT_TIMEOUT", 5*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
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
