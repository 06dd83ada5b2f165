package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"logbroker/internal/cluster"
	"logbroker/internal/config"
	"logbroker/internal/metrics"
	"logbroker/internal/storage"
)

var serveFlags struct {
	configPath string
	logLevel   string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveFlags.configPath, "config", "c", "logbroker.yaml", "path to the broker config file")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func runServe() error {
	cfg, err := config.Load(serveFlags.configPath)
	if err != nil {
		return err
	}

	logger := newLogger(serveFlags.logLevel)
	logger.Info("starting logbroker",
		"version", Version,
		"node", cfg.NodeID,
		"replication_addr", cfg.ReplicationAddr,
		"data_dirs", cfg.DataDirs)

	for _, dir := range cfg.DataDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}

	registry := metrics.NewRegistry(logger)
	sink := metrics.NewReplicationMetrics(registry.Prometheus)
	if cfg.MetricsAddr != "" {
		registry.Serve(cfg.MetricsAddr)
	}

	metadataCache := cluster.NewMetadataCache(logger)
	client := cluster.NewReplicationClient(
		time.Duration(cfg.Replication.RequestTimeoutMs)*time.Millisecond, logger)
	coordination := cluster.NewLocalCoordinationStore()

	storageCfg := storage.LogConfig{
		SegmentMaxBytes: cfg.Storage.SegmentMaxBytes,
		RecordMaxBytes:  cfg.Storage.RecordMaxBytes,
	}

	rm, err := cluster.NewReplicaManager(
		cluster.NodeID(cfg.NodeID),
		cfg.Replication,
		storageCfg,
		cfg.DataDirs,
		coordination,
		client,
		metadataCache,
		sink,
		logger,
	)
	if err != nil {
		return err
	}
	rm.Startup()

	server := cluster.NewReplicationServer(rm, cfg.ReplicationAddr, logger)
	server.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	rm.Shutdown(true)
	if err := registry.Close(); err != nil {
		logger.Warn("metrics shutdown error", "error", err)
	}

	logger.Info("logbroker stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
