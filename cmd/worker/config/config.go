package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker binary.
type Config struct {
	LogLevel string

	ManagerHost string
	ManagerPort int

	MaxRetries     int
	ReconnectDelay time.Duration

	MetricsAddr  string
	OTelEndpoint string

	IOThreads int
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:       v.GetString("log_level"),
		ManagerHost:    v.GetString("manager_host"),
		ManagerPort:    v.GetInt("manager_port"),
		MaxRetries:     v.GetInt("max_retries"),
		ReconnectDelay: v.GetDuration("reconnect_delay"),
		MetricsAddr:    v.GetString("metrics_addr"),
		OTelEndpoint:   v.GetString("otel_endpoint"),
		IOThreads:      v.GetInt("io_threads"),
	}
}
