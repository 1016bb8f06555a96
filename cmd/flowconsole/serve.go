package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tcmartin/flowconsole/pkg/api"
	"github.com/tcmartin/flowconsole/pkg/auth"
	"github.com/tcmartin/flowconsole/pkg/config"
	"github.com/tcmartin/flowconsole/pkg/engine"
	"github.com/tcmartin/flowconsole/pkg/logging"
	"github.com/tcmartin/flowconsole/pkg/recorder"
	"github.com/tcmartin/flowconsole/pkg/recovery"
	"github.com/tcmartin/flowconsole/pkg/runner"
	"github.com/tcmartin/flowconsole/pkg/scheduler"
	"github.com/tcmartin/flowconsole/pkg/storage"
	"github.com/tcmartin/flowconsole/pkg/store"
	"github.com/tcmartin/flowconsole/pkg/webhooks"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the console and its operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig()
			if err != nil {
				return err
			}

			logger, closeLog, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			defer closeLog()

			app, err := NewApp(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			return app.Run()
		},
	}
}

// loadServerConfig loads the configuration from --config or the first
// standard location that exists, then applies environment overrides
func loadServerConfig() (*config.Config, error) {
	var cfg *config.Config

	if configPath != "" {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		for _, path := range configLocations() {
			if loaded, err := config.LoadConfig(path); err == nil {
				cfg = loaded
				break
			}
		}
		if cfg == nil {
			cfg = config.DefaultConfig()
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func configLocations() []string {
	locations := []string{
		"./config.json",
		"./configs/config.json",
	}
	if home, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(home, ".flowconsole", "config.json"))
	}
	return append(locations, "/etc/flowconsole/config.json")
}

// providerConfig maps the storage section to a provider configuration
func providerConfig(cfg config.StorageConfig) storage.ProviderConfig {
	return storage.ProviderConfig{
		Type: storage.ProviderType(cfg.Type),
		DynamoDB: &storage.DynamoDBProviderConfig{
			Region:      cfg.DynamoDB.Region,
			TablePrefix: cfg.DynamoDB.TablePrefix,
			Endpoint:    cfg.DynamoDB.Endpoint,
		},
		PostgreSQL: &storage.PostgreSQLProviderConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		},
		Redis: &storage.RedisProviderConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		},
	}
}

// App represents the running console
type App struct {
	config          *config.Config
	logger          *slog.Logger
	storageProvider storage.StorageProvider
	slot            *engine.StreamSlot
	runner          *runner.Runner
	scheduler       *scheduler.Scheduler
	webhooks        *webhooks.Dispatcher
	server          *api.Server
}

// NewApp wires storage, the engine channel, the orchestration components
// and the operator API
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	provider, err := storage.NewProvider(providerConfig(cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage provider: %w", err)
	}
	if err := provider.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	logger.Info("storage ready", slog.String("type", cfg.Storage.Type))

	st := store.New(provider.GetFlowStore(), logger)
	if err := st.Load(); err != nil {
		provider.Close()
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	client := engine.NewClient(cfg.Engine.BaseURL, time.Duration(cfg.Engine.RequestTimeout), logger)
	dialer, err := engine.NewWebSocketDialer(cfg.Engine.BaseURL, cfg.Engine.WSPath)
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("failed to configure engine stream: %w", err)
	}
	slot := engine.NewStreamSlot(dialer, logger)

	coord := recovery.New(st, slot, logger)
	run := runner.New(st, client, slot, coord, runner.Options{
		IdleTimeout: time.Duration(cfg.Engine.IdleTimeout),
		Automation:  cfg.Automation,
	}, logger)
	rec := recorder.New(st, client, slot, logger)

	sched := scheduler.New(st, run, logger)
	for _, sc := range cfg.Schedules {
		if err := sched.Add(sc); err != nil {
			provider.Close()
			return nil, fmt.Errorf("failed to add schedule %q: %w", sc.Name, err)
		}
	}

	var authn auth.Authenticator
	if cfg.Auth.JWTSecret != "" {
		if cfg.Auth.PasswordHash == "" {
			provider.Close()
			return nil, errors.New("auth.password_hash is required when auth.jwt_secret is set")
		}
		authn = auth.NewOperatorAuth(cfg.Auth)
	}

	server := api.NewServer(cfg, api.Dependencies{
		Store:     st,
		Engine:    client,
		Runner:    run,
		Recovery:  coord,
		Recorder:  rec,
		Scheduler: sched,
		Auth:      authn,
	}, logger)

	app := &App{
		config:          cfg,
		logger:          logger,
		storageProvider: provider,
		slot:            slot,
		runner:          run,
		scheduler:       sched,
		server:          server,
	}
	if len(cfg.Webhooks) > 0 {
		app.webhooks = webhooks.NewDispatcher(cfg.Webhooks, st, logger)
	}
	return app, nil
}

// Run serves until the server fails or the process is interrupted
func (a *App) Run() error {
	a.logger.Info("starting console", slog.String("version", AppVersion), slog.String("engine", a.config.Engine.BaseURL))
	a.scheduler.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	select {
	case err := <-errCh:
		a.shutdown(context.Background())
		return err
	case <-stop:
		a.logger.Info("shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.shutdown(ctx)
	}
}

func (a *App) shutdown(ctx context.Context) error {
	a.scheduler.Stop()
	err := a.server.Stop(ctx)
	a.runner.Close()
	a.slot.Close()
	if a.webhooks != nil {
		a.webhooks.Close()
	}

	if cerr := a.storageProvider.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close storage: %w", cerr)
	}
	return err
}

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("failed to get user home directory: %w", err)
				}
				path = filepath.Join(home, ".flowconsole", "config.json")
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created default configuration at %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash to use as auth.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
