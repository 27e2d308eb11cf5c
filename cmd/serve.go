package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/handoffcore/commbus"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/admin"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/config"
	handoffgrpc "github.com/jeeves-cluster-organization/handoffcore/coreengine/grpc"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
)

type serveOptions struct {
	configPath     string
	grpcAddr       string
	adminAddr      string
	storeBackend   string
	storeURL       string
	kafkaBrokers   []string
	kafkaTopic     string
	otlpEndpoint   string
	environment    string
	approverSecret string
	logLevel       string
	logFormat      string
	noRecover      bool
}

func serveCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher with its gRPC and admin HTTP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML config file (core + routing); watched for routing changes")
	f.StringVar(&opts.grpcAddr, "grpc-addr", ":50051", "Control gRPC listen address")
	f.StringVar(&opts.adminAddr, "admin-addr", ":8080", "Admin HTTP listen address (empty disables)")
	f.StringVar(&opts.storeBackend, "store", backendMemory, "Durable store: memory, redis, nats or postgres")
	f.StringVar(&opts.storeURL, "store-url", "", "Store address, URL or DSN")
	f.StringSliceVar(&opts.kafkaBrokers, "kafka-brokers", nil, "Kafka brokers to export workflow events to")
	f.StringVar(&opts.kafkaTopic, "kafka-topic", commbus.DefaultTopic, "Kafka topic for workflow events")
	f.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC trace collector (empty disables tracing)")
	f.StringVar(&opts.environment, "environment", "development", "Deployment environment reported in traces")
	f.StringVar(&opts.approverSecret, "approver-secret", os.Getenv("HANDOFF_APPROVER_SECRET"), "HS256 secret for approver tokens")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level (defaults to the config file's log_level)")
	f.StringVar(&opts.logFormat, "log-format", "json", "Log encoding: json or console")
	f.BoolVar(&opts.noRecover, "no-recover", false, "Skip reloading persisted workflows at startup")
	return cmd
}

// loadConfig returns the configuration file, or defaults with the standard
// pipeline when no file is given.
func loadConfig(path string) (*config.File, error) {
	if path == "" {
		return &config.File{Core: config.DefaultCoreConfig(), Routing: config.DefaultRoutingTable()}, nil
	}
	return config.LoadFile(path)
}

func serve(ctx context.Context, opts *serveOptions) error {
	file, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	config.SetCoreConfig(file.Core)

	level := opts.logLevel
	if level == "" {
		level = file.Core.LogLevel
	}
	logger, err := observability.NewZapLogger(level, opts.logFormat)
	if err != nil {
		return err
	}
	logger.Info("handoffd_starting", "version", Version, "store", opts.storeBackend, "routes", len(file.Routing.Routes))

	if opts.otlpEndpoint != "" {
		shutdown, err := observability.InitTracer(appName, opts.otlpEndpoint, opts.environment)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("tracer_shutdown_failed", "error", err)
			}
		}()
	}

	durable, closeStore, err := openStore(ctx, opts.storeBackend, opts.storeURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := commbus.NewInMemoryCommBus(5*time.Second, logger)
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	// A failing event sink opens the breaker for that event type only;
	// queries and commands answered by the dispatcher are never dropped.
	bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(5, 30*time.Second,
		[]string{"GetWorkflowStatus", "ArchiveWorkflow"}, logger))

	if len(opts.kafkaBrokers) > 0 {
		publisher, err := newKafkaPublisher(opts.kafkaBrokers, logger)
		if err != nil {
			return err
		}
		forwarder := commbus.NewForwarder(bus, publisher, opts.kafkaTopic, logger)
		forwarder.Start()
		defer func() {
			forwarder.Stop()
			_ = publisher.Close()
			logger.Info("event_forwarder_stopped", "forwarded", forwarder.Forwarded())
		}()
		logger.Info("event_forwarder_started", "brokers", strings.Join(opts.kafkaBrokers, ","), "topic", opts.kafkaTopic)
	}

	// Every worker runs out of process: dispatched tasks are announced on the
	// bus and completed through SubmitCompletion.
	remote := agents.NewRemoteWorker(kernel.NewRemoteNotifier(bus), logger)
	workers := agents.NewRegistry()
	workers.SetFallback(remote)

	d, err := kernel.NewDispatcher(file.Routing, workers,
		kernel.WithConfig(file.Core),
		kernel.WithStore(durable),
		kernel.WithBus(bus),
		kernel.WithRemoteWorker(remote),
		kernel.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := kernel.RegisterBusHandlers(bus, d); err != nil {
		return err
	}

	if !opts.noRecover {
		restarted, err := d.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		logger.Info("workflows_recovered", "tasks_restarted", restarted)
	}

	archiver, err := kernel.NewArchiver(d)
	if err != nil {
		return err
	}
	if err := archiver.Start(); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		archiver.Stop(sctx)
	}()

	if opts.configPath != "" {
		err := config.WatchFile(ctx, opts.configPath, logger, func(f *config.File) {
			d.SetRoutes(f.Routing)
			logger.Info("routing_table_reloaded", "routes", len(f.Routing.Routes))
		})
		if err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	grpcServer := handoffgrpc.NewServer(d, opts.grpcAddr, logger)
	go func() { errCh <- grpcServer.Start(runCtx) }()

	servers := 1
	if opts.adminAddr != "" {
		servers++
		api := admin.NewAPI(d, []byte(opts.approverSecret), logger)
		go func() { errCh <- api.Serve(runCtx, opts.adminAddr) }()
	}

	logger.Info("handoffd_ready", "grpc_addr", opts.grpcAddr, "admin_addr", opts.adminAddr)

	// The first server to fail takes the other one down with it.
	var firstErr error
	for range servers {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
			logger.Error("server_failed", "error", err)
		}
		cancel()
	}
	logger.Info("handoffd_stopped")
	return firstErr
}
