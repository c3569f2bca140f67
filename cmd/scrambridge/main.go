package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/vk-rv/scrambridge/internal/breaker"
	"github.com/vk-rv/scrambridge/internal/kafka"
	"github.com/vk-rv/scrambridge/internal/keycloak"
	"github.com/vk-rv/scrambridge/internal/metrics"
	"github.com/vk-rv/scrambridge/internal/migrator"
	"github.com/vk-rv/scrambridge/internal/pipeline"
	"github.com/vk-rv/scrambridge/internal/server"
	"github.com/vk-rv/scrambridge/internal/sqlite"
	"github.com/vk-rv/scrambridge/internal/stdlog"
	"github.com/vk-rv/scrambridge/internal/svc/retention"
	syncsvc "github.com/vk-rv/scrambridge/internal/svc/sync"
	"github.com/vk-rv/scrambridge/internal/svcotel"
	"github.com/vk-rv/scrambridge/internal/worker"
	"go.uber.org/automaxprocs/maxprocs"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.9.0"
)

func main() {
	const failed = 1

	cfg := config{}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("failed to create config", slog.Any("error", err))
		os.Exit(failed)
	}

	logger := stdlog.NewSlogLogger(logOutput(cfg.Log.Output), cfg.Log.Text)
	slog.SetDefault(logger)

	if err := run(&cfg, logger); err != nil {
		logger.Error("scrambridge start / shutdown problem", slog.Any("error", err))
		os.Exit(failed)
	}
}

func logOutput(name string) io.Writer {
	if name == "stdout" {
		return os.Stdout
	}
	return os.Stderr
}

//nolint:gocyclo,cyclop // boring initialization.
func run(cfg *config, logger *slog.Logger) error {
	l := func(format string, a ...any) {
		logger.Info(fmt.Sprintf(strings.TrimPrefix(format, "maxprocs: "), a...))
	}
	opt := maxprocs.Logger(l)
	if _, err := maxprocs.Set(opt); err != nil {
		return fmt.Errorf("maxprocs set error: %w", err)
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, os.Interrupt, syscall.SIGTERM)
	termCtx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := <-term
		logger.Info("signal was received", slog.String("signal", sig.String()))
		cancel()
	}()

	var tracingProvider svcotel.TracerProvider
	if cfg.Tracing.ReporterURI != "" {
		p, err := startTracing(
			termCtx,
			cfg.Tracing.ServiceName,
			cfg.Tracing.ReporterURI,
			cfg.Tracing.Probability,
		)
		if err != nil {
			return fmt.Errorf("start tracing: %w", err)
		}
		tracingProvider = p
	} else {
		tracingProvider = svcotel.NewNoopProvider()
	}

	db, closeDB, err := sqlite.ConnectLoop(termCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err = closeDB(); err != nil {
			logger.Error("close audit store pool on shutdown", slog.Any("error", err))
		}
	}()

	dbm, err := migrator.NewMigrator(db, logger)
	if err != nil {
		return err
	}
	if err = dbm.Up(cfg.ForceMigrate); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	if sourceErr, dbErr := dbm.Close(); sourceErr != nil || dbErr != nil {
		return fmt.Errorf("close migrator: %w, %w", sourceErr, dbErr)
	}

	reg := prometheus.NewRegistry()
	regCollectors := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewDBStatsCollector(db, "audit"),
	}
	for i := range regCollectors {
		if err = reg.Register(regCollectors[i]); err != nil {
			return fmt.Errorf("register prometheus collector: %w", err)
		}
	}
	m := metrics.New(reg)

	now := time.Now

	operationStore := sqlite.NewOperationStore(db)
	batchStore := sqlite.NewBatchStore(db, now)
	retentionStore := sqlite.NewRetentionStore(db, now)

	if err = cfg.Kafka.Validate(); err != nil {
		return err
	}
	saslMechanism, err := cfg.Kafka.BuildSASL()
	if err != nil {
		return err
	}
	tlsConfig, err := cfg.Kafka.BuildTLS()
	if err != nil {
		return err
	}

	kafkaBreaker := breaker.New("kafka",
		m.BreakerOpen.WithLabelValues("kafka"),
		logger.With(slog.String("service", "breaker")))
	keycloakBreaker := breaker.New("keycloak",
		m.BreakerOpen.WithLabelValues("keycloak"),
		logger.With(slog.String("service", "breaker")))

	adminClient, err := kafka.NewAdminClient(&kafka.AdminConfig{
		CommonConfig: kafka.CommonConfig{
			SASL:           saslMechanism,
			TLS:            tlsConfig,
			TracerProvider: tracingProvider,
			Logger:         logger.With(slog.String("service", "kafka")),
			ClientID:       "scrambridge",
			Brokers:        cfg.Kafka.BootstrapServers,
		},
		Reg:         reg,
		CallTimeout: cfg.Kafka.AdminTimeout,
	}, kafkaBreaker, m)
	if err != nil {
		return err
	}
	defer adminClient.Close()

	directory, err := keycloak.NewClient(&cfg.Keycloak, keycloakBreaker,
		logger.With(slog.String("service", "keycloak")))
	if err != nil {
		return err
	}

	retentionService, err := retention.NewService(termCtx, &cfg.Retention,
		retentionStore, operationStore,
		logger.With(slog.String("service", "retention")))
	if err != nil {
		return err
	}

	syncService, err := syncsvc.NewService(
		&cfg.Sync,
		cfg.Keycloak.Realm,
		cfg.Kafka.ClusterID,
		directory,
		adminClient,
		operationStore,
		batchStore,
		retentionService,
		m,
		logger.With(slog.String("service", "sync")),
	)
	if err != nil {
		return err
	}

	events := pipeline.New(&cfg.Pipeline, cfg.Kafka.ClusterID, syncService, operationStore, m,
		logger.With(slog.String("service", "pipeline")))

	var handler http.Handler
	handler, err = server.NewHandler(&server.Backend{
		Now:              now,
		SyncService:      syncService,
		RetentionService: retentionService,
		OperationStore:   operationStore,
		BatchStore:       batchStore,
		Ingress:          events,
		Backlog:          events.Backlog,
		Probes: []server.ReadinessProbe{
			{Name: "audit_store", Check: db.PingContext},
			{Name: "kafka", Check: adminClient.Healthy, BreakerState: kafkaBreaker.State},
			{Name: "keycloak", Check: directory.Healthy, BreakerState: keycloakBreaker.State},
		},
		Reg:    reg,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler = otelhttp.NewHandler(handler, "/", otelhttp.WithTracerProvider(tracingProvider))

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		Handler:           handler,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	workerCtx, stopWorkers := context.WithCancel(termCtx)
	defer stopWorkers()

	events.Start(workerCtx)

	reconcileWorker := worker.NewReconcileWorker(
		syncService,
		time.Duration(cfg.Reconcile.IntervalSeconds)*time.Second,
		logger.With(slog.String("service", "reconcile_worker")))
	go reconcileWorker.Start(workerCtx)

	retentionWorker := worker.NewRetentionWorker(
		retentionService,
		time.Duration(cfg.RetentionPurge.IntervalSeconds)*time.Second,
		logger.With(slog.String("service", "retention_worker")))
	go retentionWorker.Start(workerCtx)

	go func() {
		err = srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen on specified port", slog.Any("error", err))
			cancel()
		}
	}()

	logger.Info("server started",
		slog.String("host", cfg.Server.Host),
		slog.String("port", cfg.Server.Port),
		slog.String("runtime", runtime.Version()),
		slog.String("os", runtime.GOOS))

	<-termCtx.Done()

	// Shutdown order: stop ingress first so no new events arrive, then
	// the timers, then drain the queue, then release the clients.
	ctxShutDown, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.CloseTimeout)
	defer cancelShutdown()

	if err = srv.Shutdown(ctxShutDown); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	reconcileWorker.Stop()
	retentionWorker.Stop()
	events.Stop()
	stopWorkers()

	logger.Info("server exited properly")

	return nil
}

// startTracing configure open telemetry to be used.
func startTracing(ctx context.Context, serviceName, reporterURI string, probability float64) (*trace.TracerProvider, error) {
	exporter, err := otlptrace.New(
		ctx,
		otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(reporterURI),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating new exporter: %w", err)
	}

	traceProvider := trace.NewTracerProvider(
		trace.WithSampler(trace.TraceIDRatioBased(probability)),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(trace.DefaultMaxExportBatchSize),
			trace.WithBatchTimeout(trace.DefaultScheduleDelay*time.Millisecond),
		),
		trace.WithResource(
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String(serviceName),
			),
		),
	)

	// We must set this provider as the global provider for things to work,
	// but we pass this provider around the program where needed to collect
	// our traces.
	otel.SetTracerProvider(traceProvider)

	// Chooses the HTTP header formats we extract incoming trace contexts from,
	// and the headers we set in outgoing requests.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return traceProvider, nil
}

//nolint:tagalign // later
type config struct {
	Kafka     kafka.Config
	Keycloak  keycloak.Config
	Database  sqlite.DBConfig
	Pipeline  pipeline.Config
	Sync      syncsvc.Config
	Retention retention.Config
	Reconcile struct {
		IntervalSeconds int `env:"RECONCILE_INTERVAL_SECONDS" env-default:"120"`
	}
	RetentionPurge struct {
		IntervalSeconds int `env:"RETENTION_PURGE_INTERVAL_SECONDS" env-default:"300"`
	}
	Server struct {
		Host         string        `env:"SERVER_HOST"   env-default:"localhost"`
		Port         string        `env:"SERVER_PORT"   env-default:"8080"`
		CloseTimeout time.Duration `env:"CLOSE_TIMEOUT" env-default:"5s"`
	}
	Log struct {
		Output string `env:"LOG_OUTPUT" env-default:"stderr"`
		Text   bool   `env:"LOG_TEXT"   env-default:"false"`
	}
	Tracing struct {
		ReporterURI string  `env:"TRACING_REPORTER_URI" env-default:""`
		ServiceName string  `env:"TRACING_SERVICE_NAME" env-default:"scrambridge"`
		Probability float64 `env:"TRACING_PROBABILITY"  env-default:"1.0"`
	}
	ForceMigrate bool `env:"FORCE_MIGRATE" env-default:"false"`
}
