package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the manager binary.
type Config struct {
	LogLevel string

	ListenHost string
	ListenPort int
	IOThreads  int

	AcceptTimeout       time.Duration
	MaintenanceInterval time.Duration

	KafkaBrokers string
	IntakeTopic  string

	RedisAddr   string
	PostgresDSN string

	SchedulerCronSpec  string
	SchedulerBatchSize uint32

	RESTAddr string
	GRPCAddr string

	MetricsAddr  string
	OTelEndpoint string

	InstanceID string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel: v.GetString("log_level"),

		ListenHost: v.GetString("transport_listen_host"),
		ListenPort: v.GetInt("transport_listen_port"),
		IOThreads:  v.GetInt("transport_io_threads"),

		AcceptTimeout:       v.GetDuration("transport_accept_timeout"),
		MaintenanceInterval: v.GetDuration("transport_maintenance_interval"),

		KafkaBrokers: v.GetString("kafka_brokers"),
		IntakeTopic:  v.GetString("kafka_intake_topic"),

		RedisAddr:   v.GetString("redis_addr"),
		PostgresDSN: v.GetString("postgres_dsn"),

		SchedulerCronSpec:  v.GetString("scheduler_cron_spec"),
		SchedulerBatchSize: uint32(v.GetUint("scheduler_batch_size")),

		RESTAddr: v.GetString("api_rest_addr"),
		GRPCAddr: v.GetString("api_grpc_addr"),

		MetricsAddr:  v.GetString("telemetry_metrics_addr"),
		OTelEndpoint: v.GetString("telemetry_otlp_endpoint"),

		InstanceID: v.GetString("instance_id"),
	}
}
