package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"whatsapp-hub/broker"
	"whatsapp-hub/config"
	"whatsapp-hub/dashboard"
	"whatsapp-hub/jobs"
	"whatsapp-hub/logging"
	"whatsapp-hub/plugins"
	"whatsapp-hub/store"
	"whatsapp-hub/webhook"
	"whatsapp-hub/whatsapp"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "whatsapp-hub",
	Short: "Multi-instance WhatsApp connection manager",
	Long: `whatsapp-hub keeps many WhatsApp accounts connected at once, runs
plugins against their events and forwards everything to webhooks.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the connection manager and the admin API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer()
		// Open migrates as part of connecting
		db, err := store.Open(cfg.Database, logger)
		if err != nil {
			return err
		}
		if err := store.Close(db); err != nil {
			return err
		}
		logger.Info().Str("type", cfg.Database.Type).Msg("database migrated")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "whatsapp-hub", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("addr", "", "admin API listen address")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("http.addr", rootCmd.PersistentFlags().Lookup("addr"))

	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, zerolog.Logger, func(), error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("set up logging: %w", err)
	}
	return cfg, logger, func() { _ = closer.Close() }, nil
}

// openBroker returns nil when no broker is configured, which keeps the
// mirror plugin out of the active set.
func openBroker(cfg config.BrokerConfig, logger zerolog.Logger) broker.Publisher {
	if cfg.URL == "" {
		return nil
	}
	pub, err := broker.New(cfg.URL, cfg.Exchange, logger)
	if err != nil {
		logger.Error().Err(err).Msg("broker unavailable, mirrored events will be dropped")
		return broker.NewFallback(logger)
	}
	return pub
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()
	logger.Info().Str("version", version).Str("config", viperSource()).Msg("starting whatsapp-hub")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("type", cfg.Database.Type).Msg("setting up database connection")
	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(db); err != nil {
			logger.Warn().Err(err).Msg("failed to close database")
		}
	}()
	svc := store.NewServices(db)

	container, err := whatsapp.OpenDeviceStore(ctx, cfg.Whatsmeow.StoreDSN, logging.Whatsmeow(logger, "store", cfg.Log.WhatsmeowLevel))
	if err != nil {
		return err
	}
	sockets := whatsapp.NewMeowFactory(container, logging.Whatsmeow(logger, "client", cfg.Log.WhatsmeowLevel))
	defer sockets.Close()

	hooks := webhook.NewDispatcher(svc.Webhooks, svc.History, webhook.Options{
		Timeout:        cfg.Webhook.Timeout,
		MaxConcurrency: cfg.Webhook.MaxConcurrency,
		UserAgent:      cfg.Webhook.UserAgent,
	}, logger)

	publisher := openBroker(cfg.Broker, logger)
	if publisher != nil {
		defer publisher.Close()
	}
	catalog := plugins.NewCatalog()
	stopWelcome := plugins.RegisterBuiltins(catalog, plugins.Builtins{
		Watermark:    cfg.App.Watermark,
		WelcomeDelay: cfg.Notifier.WelcomeDelay,
		Publisher:    publisher,
		Log:          logger,
	})
	defer stopWelcome()
	engine := plugins.NewEngine(catalog, cfg.Plugins, logger)
	loaded, failed := engine.Load()
	logger.Info().Int("loaded", loaded).Strs("failed", failed).Msg("plugins loaded")

	registry := whatsapp.NewAccountManager(whatsapp.Deps{
		Sockets:   sockets,
		Instances: svc.Instances,
		Messages:  svc.Messages,
		Logs:      svc.Logs,
		Plugins:   engine,
		Webhooks:  hooks,
		Config:    whatsapp.ConfigFrom(cfg.Instance),
		Log:       logger,
	})
	defer registry.Close()

	scheduler, err := jobs.New(cfg.Jobs, registry, svc.History, svc.Logs, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := dashboard.New(dashboard.Deps{
		Registry: registry,
		Webhooks: svc.Webhooks,
		History:  svc.History,
		Messages: svc.Messages,
		Plugins:  engine,
		Log:      logger,
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(cfg.HTTP.Addr) }()

	go func() {
		if _, err := registry.Bootstrap(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to restore instances")
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("interrupt received, shutting down")
	case err = <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("admin API stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("admin API shutdown")
	}
	return err
}

func viperSource() string {
	if f := v.ConfigFileUsed(); f != "" {
		return f
	}
	return "defaults"
}
