package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/maneesh/chunkdrop/internal/config"
	"github.com/maneesh/chunkdrop/internal/handlers"
	"github.com/maneesh/chunkdrop/internal/logger"
	"github.com/maneesh/chunkdrop/internal/sweeper"
	"github.com/maneesh/chunkdrop/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:   "chunkdrop",
	Short: "Chunked file upload and assembly service",
	Long: `chunkdrop accepts files as numbered base64 chunks, stores them in TiDB
and assembles them into single objects on MinIO or S3, switching to multipart
uploads for large files.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		if level == "" {
			return nil
		}
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		logger.SetLevel(parsed)
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the chunk sweeper",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the chunks and files tables",
	RunE:  runMigrate,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete abandoned chunk sets once and exit",
	RunE:  runSweep,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chunkdrop %s\n", tracing.Version)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().String("port", "", "HTTP port (or set SERVICE_PORT)")
	rootCmd.PersistentFlags().String("storage-backend", "", "object storage: minio, s3 or memory (or set STORAGE_BACKEND)")
	rootCmd.PersistentFlags().String("metadata-backend", "", "chunk and file store: tidb or memory (or set METADATA_BACKEND)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().Duration("chunk-ttl", 0, "age after which unassembled chunks are swept (or set CHUNK_TTL)")

	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, versionCmd)
	rootCmd.Version = tracing.Version
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Info().
		Str("service", cfg.ServiceName).
		Str("port", cfg.ServicePort).
		Str("storage", cfg.StorageBackend).
		Str("metadata", cfg.MetadataBackend).
		Msg("starting chunkdrop service")

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Error().Err(err).Msg("error shutting down tracer")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if m, ok := b.store.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      handlers.NewRouter(newService(cfg, b)),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	sw := sweeper.New(b.store, cfg.ChunkTTL, cfg.SweepInterval)

	egroup, ctx := errgroup.WithContext(ctx)

	egroup.Go(func() error {
		sw.Run(ctx)
		return nil
	})

	egroup.Go(func() error {
		logger.Info().Str("port", cfg.ServicePort).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	egroup.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server forced to shutdown")
		}
		return nil
	})

	err = egroup.Wait()
	logger.Info().Msg("server exited")
	return err
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	m, ok := store.(migrator)
	if !ok {
		logger.Info().Str("backend", cfg.MetadataBackend).Msg("metadata backend has no schema")
		return nil
	}
	if err := m.Migrate(cmd.Context()); err != nil {
		return err
	}
	logger.Info().Msg("schema applied")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	removed, err := sweeper.New(store, cfg.ChunkTTL, cfg.SweepInterval).RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	logger.Info().Int("removed", removed).Dur("ttl", cfg.ChunkTTL).Msg("sweep finished")
	return nil
}
