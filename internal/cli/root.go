// Package cli provides the command-line interface for the strategy builder.
package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"strategy-builder/internal/api"
	"strategy-builder/internal/config"
	"strategy-builder/internal/logging"
	"strategy-builder/internal/models"
	"strategy-builder/internal/session"
	"strategy-builder/internal/store"
	"strategy-builder/internal/stream"
)

// Version information, set at build time with -ldflags "-X".
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// Commands carrying this annotation run without loading configuration.
const skipInit = "skip-init"

// App holds the application dependencies. Everything but Logger is populated
// by setup before a command runs.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Client    *api.Client
	Store     *store.StrategyStore
	Snapshots *store.SQLiteSnapshots
	Manager   *stream.Manager
	Session   *session.Session
}

// Execute builds the root command, runs it and releases resources.
func Execute(ctx context.Context, logger zerolog.Logger) error {
	app := &App{Logger: logger}
	rootCmd := NewRootCmd(app)
	defer app.Close()
	return rootCmd.ExecuteContext(ctx)
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strategist",
		Short: "Options strategy builder",
		Long: `Strategist builds and tracks multi-leg options strategies.

It browses option chains, creates straddles, strangles and custom strategies
through the strategy service, and streams live P&L for the strategies you watch.

Use 'strategist help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			if cmd.Annotations[skipInit] != "" {
				return nil
			}
			configDir, _ := cmd.Flags().GetString("config")
			return app.setup(configDir, debug)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/strategy-builder)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addMarketCommands(rootCmd, app)
	addBuildCommands(rootCmd, app)
	addStrategyCommands(rootCmd, app)
	addWatchCommands(rootCmd, app)

	return rootCmd
}

// setup loads configuration and wires the client, store, manager and session.
func (a *App) setup(configDir string, debug bool) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	a.Config = cfg

	a.Logger = logging.NewLoggerWithConfig(cfg.LoggingConfig())
	if debug {
		logging.SetDebugLevel()
	}
	if !cfg.UI.ColorEnabled {
		color.NoColor = true
	}

	a.Client = api.NewClient(api.Config{
		BaseURL:       cfg.API.BaseURL,
		Token:         cfg.Credentials.Token,
		Timeout:       cfg.API.Timeout,
		RatePerSecond: cfg.API.RatePerSecond,
		Burst:         cfg.API.Burst,
		MaxRetries:    cfg.API.MaxRetries,

		BreakerThreshold: cfg.API.BreakerThreshold,
		BreakerCooldown:  cfg.API.BreakerCooldown,
	}, a.Logger)

	a.Store = store.NewStrategyStore(a.Logger)
	if cfg.Store.Persist {
		snapshots, err := store.NewSQLiteSnapshots(cfg.Store.DBPath)
		if err != nil {
			a.Logger.Warn().Err(err).Str("path", cfg.Store.DBPath).Msg("Failed to open snapshot store, offline views unavailable")
		} else {
			a.Snapshots = snapshots
			a.Store.SetPersister(snapshots)
			a.Logger.Debug().Str("path", cfg.Store.DBPath).Msg("Snapshot store opened")
		}
	}

	var subs session.Subscriber
	if cfg.HasCredentials() {
		streamURL, err := stream.BuildStreamURL(cfg.StreamURL(), cfg.Credentials.UserID, cfg.Credentials.Token)
		if err != nil {
			return fmt.Errorf("building stream URL: %w", err)
		}
		a.Manager = stream.NewManager(stream.NewWSTransport(streamURL), stream.Config{
			MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
			ReconnectBaseDelay:   cfg.Stream.ReconnectBaseDelay,
			ReconnectMaxDelay:    cfg.Stream.ReconnectMaxDelay,
			PingInterval:         cfg.Stream.PingInterval,
			UpdateBuffer:         cfg.Stream.UpdateBuffer,
		}, a.Logger)
		subs = a.Manager
		a.Logger.Debug().Str("url", stream.RedactURL(streamURL)).Msg("Subscription manager initialized")
	}

	a.Session = session.New(a.Client, a.Store, subs, session.Config{
		Segment:         models.ExchangeSegment(cfg.API.ExchangeSegment),
		DefaultQuantity: cfg.Defaults.Quantity,
	}, a.Logger)
	return nil
}

// Close shuts down the subscription manager and the snapshot store.
func (a *App) Close() {
	if a.Manager != nil {
		a.Manager.Shutdown()
	}
	if a.Snapshots != nil {
		if err := a.Snapshots.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close snapshot store")
		}
	}
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipInit: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("Strategist v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{skipInit: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dir := configDirFlag(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": dir})
			}
			output.Println(dir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "validate",
		Short:       "Validate configuration files",
		Annotations: map[string]string{skipInit: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg, err := config.Load(configDirFlag(cmd))
			if err != nil {
				return fail(err, "Configuration validation failed")
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true, "credentials": cfg.HasCredentials()})
			}
			output.Success("✓ Configuration is valid")
			if !cfg.HasCredentials() {
				output.Warning("No token or user id configured; live updates are disabled")
			}
			return nil
		},
	})

	return cmd
}

func configDirFlag(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	return dir
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Strategy Service")
	output.Printf("  Base URL:        %s\n", cfg.API.BaseURL)
	output.Printf("  Segment:         %s\n", cfg.API.ExchangeSegment)
	output.Printf("  Timeout:         %s\n", cfg.API.Timeout)
	output.Printf("  Rate:            %.1f req/s (burst %d)\n", cfg.API.RatePerSecond, cfg.API.Burst)
	output.Printf("  Max Retries:     %d\n", cfg.API.MaxRetries)
	output.Printf("  Breaker:         %d outages, %s cooldown\n", cfg.API.BreakerThreshold, cfg.API.BreakerCooldown)
	output.Println()

	output.Bold("Live Updates")
	output.Printf("  Stream URL:      %s\n", cfg.StreamURL())
	output.Printf("  Reconnects:      %d (base %s, max %s)\n",
		cfg.Stream.MaxReconnectAttempts, cfg.Stream.ReconnectBaseDelay, cfg.Stream.ReconnectMaxDelay)
	output.Printf("  Ping Interval:   %s\n", cfg.Stream.PingInterval)
	output.Printf("  Update Buffer:   %d\n", cfg.Stream.UpdateBuffer)
	output.Printf("  Credentials:     %v\n", cfg.HasCredentials())
	output.Println()

	output.Bold("Storage")
	output.Printf("  Persist:         %v\n", cfg.Store.Persist)
	output.Printf("  Database:        %s\n", cfg.Store.DBPath)
	output.Println()

	output.Bold("Defaults")
	output.Printf("  Underlying:      %s\n", cfg.Defaults.Underlying)
	output.Printf("  Quantity:        %d\n", cfg.Defaults.Quantity)
	output.Printf("  Strike Window:   %d\n", cfg.Defaults.StrikeWindow)
}

// fail adds context to err. The caller's error is printed once by main.
func fail(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// stderrOutput is used for status lines that must not mix with JSON on stdout.
func stderrOutput(cmd *cobra.Command) *Output {
	out := NewOutput(cmd)
	out.writer = cmd.ErrOrStderr()
	return out
}
