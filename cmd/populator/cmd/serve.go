package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solatis/populator/internal/core/api"
	"github.com/solatis/populator/internal/core/auth"
	"github.com/solatis/populator/internal/core/config"
	"github.com/solatis/populator/internal/core/db"
	"github.com/solatis/populator/internal/core/failures"
	"github.com/solatis/populator/internal/core/server"
	"github.com/solatis/populator/internal/populate"
	"github.com/solatis/populator/internal/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC and HTTP populate API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	flags := serveCmd.Flags()
	flags.String("host", "0.0.0.0", "listen host")
	flags.Int("grpc-port", 50051, "gRPC port")
	flags.Int("http-port", 8080, "HTTP port")

	bindFlag(flags.Lookup("host"), "server.host")
	bindFlag(flags.Lookup("grpc-port"), "server.grpc_port")
	bindFlag(flags.Lookup("http-port"), "server.http_port")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	conn, store, err := openStore(ctx, true)
	if err != nil {
		return err
	}
	defer conn.Close()

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set %s_HMAC_SECRET environment variable)", config.EnvPrefix)
	}
	authenticator := auth.NewAuthenticator(secrets, store.Queries())

	loader, err := catalogLoader(cfg.Catalog, store)
	if err != nil {
		return err
	}
	cache := registry.NewCache(loader, store, cfg.Catalog.TTL)

	sink, closeSink := failureSink(cfg.Failures, store)
	defer closeSink()

	engine := populate.NewEngine(
		populate.WithSink(sink),
		populate.WithMaxBatchSize(cfg.Server.MaxBatchSize),
		populate.WithSinkTimeout(cfg.Failures.Timeout),
	)
	service, err := api.NewPopulateService(cache, engine, store, cfg.Server.RequestTimeout)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	grpcService, err := api.NewGRPCService(service)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	grpcServer, err := server.NewGRPCServer(cfg.Server, grpcService, authenticator)
	if err != nil {
		return fmt.Errorf("failed to create grpc server: %w", err)
	}
	httpServer, err := server.NewHTTPServer(cfg.Server, api.NewHTTPHandler(service, authenticator, conn))
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	zap.S().Infow("starting populator",
		"version", Version,
		"grpc_port", cfg.Server.GRPCPort,
		"http_port", cfg.Server.HTTPPort,
		"catalog", catalogSource(cfg.Catalog),
		"kafka", len(cfg.Failures.KafkaBrokers) > 0,
	)

	errChan := make(chan error, 2)
	go func() { errChan <- grpcServer.Start() }()
	go func() { errChan <- httpServer.Start() }()

	var serveErr error
	select {
	case serveErr = <-errChan:
	case <-ctx.Done():
		zap.S().Infow("shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zap.S().Warnw("http shutdown", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		zap.S().Warnw("grpc shutdown", "error", err)
	}
	return serveErr
}

// catalogLoader reads the YAML catalog when one is configured, else the
// per-tenant catalogs in the store.
func catalogLoader(c config.CatalogConfig, store *db.Store) (registry.CatalogLoader, error) {
	if c.Path == "" {
		return store, nil
	}
	cat, err := registry.LoadCatalogFile(c.Path)
	if err != nil {
		return nil, err
	}
	return registry.StaticCatalog(cat), nil
}

func catalogSource(c config.CatalogConfig) string {
	if c.Path == "" {
		return "database"
	}
	return c.Path
}

// failureSink assembles the configured sinks. The returned function closes
// the Kafka writer, if any.
func failureSink(c config.FailuresConfig, store *db.Store) (failures.Sink, func()) {
	var sinks failures.Multi
	closeFn := func() {}

	if c.Log {
		sinks = append(sinks, failures.NewLogSink(nil))
	}
	if c.Store && store != nil {
		sinks = append(sinks, failures.NewStoreSink(store))
	}
	if len(c.KafkaBrokers) > 0 {
		kafkaSink := failures.NewKafkaSink(failures.NewKafkaWriter(c.KafkaBrokers, c.KafkaTopic))
		sinks = append(sinks, kafkaSink)
		closeFn = func() {
			if err := kafkaSink.Close(); err != nil {
				zap.S().Warnw("failed to close kafka writer", "error", err)
			}
		}
	}
	return sinks, closeFn
}
