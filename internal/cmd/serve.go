package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/redsweep/internal/config"
	"github.com/3leaps/redsweep/internal/observability"
	"github.com/3leaps/redsweep/internal/server"
	"github.com/3leaps/redsweep/internal/server/handlers"
	"github.com/3leaps/redsweep/pkg/bulkaction"
	"github.com/3leaps/redsweep/pkg/report"
	"github.com/3leaps/redsweep/pkg/store/redis"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the bulk action HTTP API",
	Long: `Start the HTTP server exposing bulk actions under
/api/databases/{dbId}/bulk-actions, plus /health and /version.

Every database id maps to the configured Redis connection.

Example:
  redsweep serve
  redsweep serve --port 9000 --redis-addr cache-1:6379`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.GetConfig()
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}

	if err := observability.InitServerLogger(serviceName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer observability.Sync()
	logger := observability.ServerLogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := handlers.InitHealthManager(versionInfo.Version)
	health.SetStarted(false)

	st, err := redis.New(ctx, cfg.Redis.StoreConfig())
	if err != nil {
		logger.Error("Failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to Redis", err)
	}
	defer func() { _ = st.Close() }()
	health.RegisterChecker("redis", st)

	svc, provider, err := newBulkService(ctx, cfg, st, logger)
	if err != nil {
		return err
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger),
		server.WithBulkService(svc),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithUploadLimits(cfg.Server.MaxUploadBytes, cfg.Bulk.MaxImportLines),
	)
	if err := srv.Listen(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to bind listener", err)
	}
	health.SetStarted(true)

	logger.Info("Starting redsweep server",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.String("redis", st.Addr()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// Stop intake first, then abort running actions.
		srvErr := srv.Shutdown(sctx)
		provErr := provider.Shutdown(sctx)
		return errors.Join(srvErr, provErr)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Server error", err)
	}
	logger.Info("Server stopped")
	return nil
}

// newBulkService wires provider, coordinator and the optional report
// archiver from configuration.
func newBulkService(ctx context.Context, cfg *config.Config, st *redis.Store, logger *zap.Logger) (*bulkaction.Service, *bulkaction.Provider, error) {
	provider := bulkaction.NewProvider(cfg.Bulk.Retention, logger)
	coordinator := bulkaction.NewCoordinator(bulkaction.CoordinatorConfig{
		RateLimit: cfg.Bulk.RateLimit,
		ReportDir: cfg.Bulk.ReportDir,
	}, logger)

	svc := bulkaction.NewService(provider, coordinator, bulkaction.SingleStore(st), bulkaction.ServiceConfig{
		OverviewErrorLimit: cfg.Bulk.OverviewErrorLimit,
		FlushEvery:         cfg.Bulk.FlushEvery,
		DefaultCount:       cfg.Bulk.DefaultCount,
		ReportDir:          cfg.Bulk.ReportDir,
		ReportURL:          reportURL,
	}, logger)

	if cfg.Report.S3.Enabled() {
		arch, err := report.NewS3Archiver(ctx, cfg.Report.S3.ArchiverConfig())
		if err != nil {
			logger.Error("Failed to configure report archive", zap.Error(err))
			return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid report.s3 configuration", err)
		}
		svc.WithArchiver(arch)
		logger.Info("Report archiving enabled", zap.String("bucket", cfg.Report.S3.Bucket))
	}
	return svc, provider, nil
}

// reportURL is the download link for reports served by this process.
func reportURL(databaseID, id string) string {
	return fmt.Sprintf("/api/databases/%s/bulk-actions/%s/report", url.PathEscape(databaseID), url.PathEscape(id))
}
