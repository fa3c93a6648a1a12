package cli

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-task-mesh/task-mesh/cmd/worker/config"
	"github.com/go-task-mesh/task-mesh/internal/ioctx"
	"github.com/go-task-mesh/task-mesh/internal/retry"
	"github.com/go-task-mesh/task-mesh/internal/skill"
	"github.com/go-task-mesh/task-mesh/internal/skills"
	"github.com/go-task-mesh/task-mesh/internal/telemetry"
	"github.com/go-task-mesh/task-mesh/internal/workerrt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Dial the manager and run the task loop",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("manager-host", "localhost", "manager host to dial")
	serveCmd.Flags().Int("manager-port", 7000, "manager port to dial")
	serveCmd.Flags().Int("max-retries", 0, "maximum connect attempts before giving up; 0 retries forever")
	serveCmd.Flags().Duration("reconnect-delay", time.Second, "base delay for attempt² reconnect backoff")
	serveCmd.Flags().Int("io-threads", 2, "goroutine-pool worker count driving the connection")
	serveCmd.Flags().String("metrics-addr", ":9092", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("manager_host", serveCmd.Flags(), "manager-host")
	bindFlag("manager_port", serveCmd.Flags(), "manager-port")
	bindFlag("max_retries", serveCmd.Flags(), "max-retries")
	bindFlag("reconnect_delay", serveCmd.Flags(), "reconnect-delay")
	bindFlag("io_threads", serveCmd.Flags(), "io-threads")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "worker").With(
		slog.String("manager", fmt.Sprintf("%s:%d", cfg.ManagerHost, cfg.ManagerPort)))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "worker", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	ioCtx := ioctx.NewContext(logger)
	threads := cfg.IOThreads
	if threads <= 0 {
		threads = 2
	}
	ioCtx.Start(threads)
	defer ioCtx.Stop()

	registry := skill.NewRegistry(logger)
	skills.RegisterAll(registry)

	rt := workerrt.NewRuntime(cfg.ManagerHost, cfg.ManagerPort, ioCtx, registry, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, finishing in-flight task...")
		rt.Shutdown()
		runCancel()
	}()

	maxAttempts := cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	reconnectCfg := retry.Config{
		MaxAttempts: maxAttempts,
		BaseDelay:   cfg.ReconnectDelay,
		OnRetry: func(attempt int, err error) {
			logger.Warn("worker: connect attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		},
	}

	logger.Info("worker starting", slog.Int("io_threads", threads))

	if err := rt.RunWithReconnect(runCtx, reconnectCfg); err != nil && runCtx.Err() == nil {
		return fmt.Errorf("worker: %w", err)
	}

	logger.Info("stopped cleanly", slog.Uint64("tasks_completed", rt.TaskCount()))
	return nil
}
