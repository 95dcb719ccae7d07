package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/automaxprocs/maxprocs"

	appsupervision "github.com/orchestrant/bgworker/internal/app/supervision"
	"github.com/orchestrant/bgworker/internal/config"
	"github.com/orchestrant/bgworker/internal/config/fileloader"
	"github.com/orchestrant/bgworker/internal/domain/supervision"
	kafkacluster "github.com/orchestrant/bgworker/internal/infra/cluster/kafka"
	k8scluster "github.com/orchestrant/bgworker/internal/infra/cluster/kubernetes"
	"github.com/orchestrant/bgworker/internal/infra/cluster/notifier"
	"github.com/orchestrant/bgworker/internal/infra/configstore"
	"github.com/orchestrant/bgworker/internal/infra/eventqueue"
	"github.com/orchestrant/bgworker/internal/infra/worker"
	"github.com/orchestrant/bgworker/pkg/common"
	"github.com/orchestrant/bgworker/pkg/common/logger"
	"github.com/orchestrant/bgworker/pkg/common/otel"
)

const serviceType = "supervisor"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "/etc/bgworker/config.yaml", "path to the supervisor config file")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			// Add any error-specific attributes.
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			// Output the error event with valid JSON details.
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("SUPERVISOR-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	// Setup signal handling.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prob := 1.0
	if raw := os.Getenv("OTEL_SAMPLING_RATIO"); raw != "" {
		prob, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
			os.Exit(1)
		}
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      os.Getenv("OTEL_SERVICE_NAME"),
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true, // TODO: Come back to setup TLS.
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(os.Getenv("OTEL_SERVICE_NAME"))

	go func() {
		metricsAddr := os.Getenv("METRICS_ADDR")
		if metricsAddr == "" {
			metricsAddr = ":2112"
		}
		if err := common.RunMetricsServer(metricsAddr); err != nil {
			log.Error(ctx, "metrics server terminated", "error", err)
		}
	}()

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	cfg, err := fileloader.NewFileLoader(*configPath).Load(ctx)
	if err != nil {
		log.Error(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	mp := otel.GetMeterProvider()
	metricCollector, err := appsupervision.NewSupervisionMetrics(mp)
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	queue := eventqueue.New(cfg.Supervisor.QueueCapacity, log, metricCollector)

	var producers []supervision.Producer

	// Enable-flag watcher over the operator-editable runtime config.
	var store *configstore.Store
	if cfg.Supervisor.EnablePath != "" {
		store, err = configstore.NewStore(cfg.Supervisor.RuntimeConfigFile, log, tracer)
		if err != nil {
			log.Error(ctx, "failed to open runtime config", "error", err)
			os.Exit(1)
		}
		producers = append(producers, configstore.NewWatcher(
			store, cfg.Supervisor.EnablePath, configstore.DefaultPriority, queue, log, tracer))
	}

	// HA role source.
	var clusterInfo supervision.ClusterInfo
	haEnabled := cfg.HA.Source != "" && cfg.HA.Source != config.HaSourceNone

	switch cfg.HA.Source {
	case "", config.HaSourceNone:

	case config.HaSourceNotifier:
		client, err := notifier.Connect(notifier.Config{
			Addr:              cfg.HA.Notifier.Addr,
			Types:             []string{notifier.NotificationTypeHaInfo},
			DialTimeout:       cfg.HA.Notifier.DialTimeout,
			MaxConnectElapsed: cfg.HA.Notifier.MaxConnectElapsed,
		}, log)
		if err != nil {
			log.Error(ctx, "failed to connect to cluster notifier", "error", err)
			os.Exit(1)
		}
		producers = append(producers, notifier.NewWatcher(client, queue, log, tracer))

	case config.HaSourceKubernetes:
		identity := cfg.HA.Kubernetes.Identity
		if identity == "" {
			identity = hostname
		}
		rs, err := k8scluster.NewRoleSource(hostname, &k8scluster.Config{
			Namespace:    cfg.HA.Kubernetes.Namespace,
			LeaderLockID: cfg.HA.Kubernetes.LeaderLockID,
			Identity:     identity,
			KubeConfig:   cfg.HA.Kubernetes.KubeConfig,
		}, queue, log, tracer)
		if err != nil {
			log.Error(ctx, "failed to create lease role source", "error", err)
			os.Exit(1)
		}
		producers = append(producers, rs)
		clusterInfo = rs

	case config.HaSourceKafka:
		clientID := cfg.HA.Kafka.ClientID
		if clientID == "" {
			clientID = svcName
		}
		rs, err := kafkacluster.NewRoleSource(&kafkacluster.Config{
			Brokers:   cfg.HA.Kafka.Brokers,
			RoleTopic: cfg.HA.Kafka.RoleTopic,
			GroupID:   cfg.HA.Kafka.GroupID,
			ClientID:  clientID,
		}, queue, log, tracer)
		if err != nil {
			log.Error(ctx, "failed to create kafka role source", "error", err)
			os.Exit(1)
		}
		producers = append(producers, rs)
	}

	var reader supervision.ConfigReader
	if store != nil {
		reader = store
	}
	cond, err := appsupervision.SeedRunCondition(ctx, reader, clusterInfo, cfg.Supervisor.EnablePath)
	if err != nil {
		log.Error(ctx, "failed to seed run condition", "error", err)
		os.Exit(1)
	}
	if haEnabled && clusterInfo == nil {
		// Streaming sources cannot be queried point-in-time; hold the
		// worker until the first role notification arrives.
		cond.HAEnabled = true
	}

	factory := worker.NewFactory(worker.Command{
		Path: cfg.Worker.Path,
		Args: cfg.Worker.Args,
		Env:  cfg.Worker.Env,
		Dir:  cfg.Worker.Dir,
	}, cfg.Worker.StopGrace, log, tracer)

	// Each supervisor run gets its own id so restarts on the same host are
	// distinguishable in logs and traces.
	supervisorID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	sup := appsupervision.New(
		supervisorID,
		cond,
		factory,
		queue,
		producers,
		log,
		metricCollector,
		tracer,
		appsupervision.WithReceiveTimeout(cfg.Supervisor.ReceiveTimeout),
		appsupervision.WithRestartLimit(cfg.Supervisor.RestartRate, cfg.Supervisor.RestartBurst),
	)

	log.Info(ctx, "Supervisor initialized", "should_run", cond.ShouldRun())
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		if err := sup.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := sup.Stop(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "Failed to stop supervisor", "error", err)
		}
		if err := queue.Close(); err != nil {
			log.Error(shutdownCtx, "Failed to close event queue", "error", err)
		}
		cancel()

	case err := <-errCh:
		log.Error(ctx, "Supervisor error", "error", err)
		os.Exit(1)
	}
}
