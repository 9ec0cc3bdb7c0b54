package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Iron-Ham/autowriter/internal/api"
	"github.com/Iron-Ham/autowriter/internal/config"
	"github.com/Iron-Ham/autowriter/internal/coordinator"
	"github.com/Iron-Ham/autowriter/internal/generate"
	"github.com/Iron-Ham/autowriter/internal/logging"
	"github.com/Iron-Ham/autowriter/internal/store"
	"github.com/Iron-Ham/autowriter/internal/transport"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session coordinator",
	Long: `Run the session coordinator with its HTTP API and realtime stream.

Sessions persisted under the storage root are restored on startup and
resume from their last checkpoint. Only one coordinator may use a storage
root at a time.

Changes to logging.level in the config file take effect without a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default from server.addr)")
	serveCmd.Flags().String("provider", "", "generation provider (mock/anthropic/openai)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("generator.provider", serveCmd.Flags().Lookup("provider"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogDir(), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	st, err := store.NewOS(cfg.StorageDir(), logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	lock, err := st.AcquireLock()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	gen, err := generate.New(cfg.Generator)
	if err != nil {
		return err
	}

	coord, err := coordinator.New(coordinator.ConfigFrom(cfg), coordinator.Deps{
		Generator: gen,
		Store:     st,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	watchConfig(logger)

	stream := transport.NewServer(coord, transport.ServerConfig{
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		StableAfter:       cfg.Transport.StableAfter,
		WriteTimeout:      cfg.Transport.WriteTimeout,
		Logger:            logger,
	})
	handler := api.NewHandler(coord, stream, logger)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Storage: %s\n", cfg.StorageDir())
	fmt.Fprintf(out, "Generator: %s\n", gen.Name())
	return api.Serve(ctx, api.ServerConfig{
		Addr:              cfg.Server.Addr,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, handler, logger, func(addr string) {
		fmt.Fprintf(out, "Listening on http://%s\n", addr)
	})
}

// watchConfig applies log level changes from the config file while the
// coordinator runs. Other settings need a restart.
func watchConfig(logger *logging.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := config.Load()
		if err != nil {
			logger.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		if logging.ParseLevel(cfg.Logging.Level) != logger.Level() {
			logger.SetLevel(cfg.Logging.Level)
			logger.Info("log level changed", "level", logger.Level())
		}
	})
	viper.WatchConfig()
}
