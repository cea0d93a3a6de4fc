package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kapstong/integ-capstone-sub005/api"
	"github.com/kapstong/integ-capstone-sub005/escalation"
	"github.com/kapstong/integ-capstone-sub005/events"
	"github.com/kapstong/integ-capstone-sub005/internal/kafka"
	"github.com/kapstong/integ-capstone-sub005/internal/telemetry"
	"github.com/kapstong/integ-capstone-sub005/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, event consumer and approval sweeper",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", ":8080", "HTTP API listen address")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables Kafka")
	serveCmd.Flags().String("sweep-schedule", workflow.DefaultSweepSchedule, "cron schedule for timing out expired approvals")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_addr", serveCmd.Flags(), "http-addr")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("sweep_schedule", serveCmd.Flags(), "sweep-schedule")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.LogLevel, serviceName)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	b, err := openBackend(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	brokers := cfg.Brokers()
	var producer kafka.Producer
	if len(brokers) > 0 {
		producer = kafka.NewProducer(brokers)
		defer func() { _ = producer.Close() }()
	}

	// ── audit bus ─────────────────────────────────────────────────────────────
	// Stopped before the producer closes so queued events drain.
	bus := events.NewBus(events.WithBufferSize(1024), events.WithLogger(logger))
	defer bus.Stop()
	bus.Subscribe(events.Wildcard, events.NewAuditSink(b.store, logger))

	var notifier workflow.Notifier = workflow.NewLogNotifier(logger)
	if producer != nil {
		notifier = workflow.NewProducerNotifier(producer, cfg.NotificationsTopic)
		if cfg.AuditTopic != "" {
			bus.Subscribe(events.Wildcard, kafka.NewAuditForwarder(producer, cfg.AuditTopic))
		}
	}

	// ── services ──────────────────────────────────────────────────────────────
	router, err := escalation.NewRouter(newGenerator(cfg), b.store,
		escalation.WithRoleRanking(cfg.RoleRanking),
		escalation.WithPublisher(bus),
		escalation.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("escalation router: %w", err)
	}
	engine, err := newEngine(cfg, b, logger, workflow.WithPublisher(bus), workflow.WithNotifier(notifier))
	if err != nil {
		return fmt.Errorf("workflow engine: %w", err)
	}

	sweeper, err := workflow.NewSweeper(engine, cfg.SweepSchedule, b.locker, logger)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	// ── Kafka consumer ────────────────────────────────────────────────────────
	if len(brokers) > 0 && cfg.EventsTopic != "" {
		consumer := kafka.NewConsumer(brokers, cfg.EventsTopic, cfg.ConsumerGroup, logger)
		defer func() { _ = consumer.Close() }()
		go func() {
			if err := consumer.Subscribe(runCtx, kafka.TriggerHandler(engine, logger)); err != nil {
				logger.Error("event consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, b.ready, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewHandler(router, engine, logger).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("portal HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-quit:
	case err := <-serveErr:
		logger.Error("HTTP server error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
