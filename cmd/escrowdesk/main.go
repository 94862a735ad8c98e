// Command escrowdesk runs the marketplace dashboard, its background worker
// and schema migrations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"escrowdesk/config"
)

const programName = "escrowdesk"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

type ctxKey string

const configContextKey ctxKey = "escrowdesk.config"

func withConfig(ctx context.Context, cfg config.Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func configFrom(ctx context.Context) (config.Config, bool) {
	cfg, ok := ctx.Value(configContextKey).(config.Config)
	return cfg, ok
}

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), "component", programName)
}

// commonRun configures the process logger and GOMAXPROCS.
func commonRun() *slog.Logger {
	level := slog.LevelInfo
	addSource := false
	if globalFlags.debug {
		level = slog.LevelDebug
		addSource = true
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	}))
	slog.SetDefault(logger)
	if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	logger.Info("version: "+version, "component", programName)
	return logger
}

// runE adapts a command body that needs the loaded config and logger.
func runE(fn func(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, ok := configFrom(cmd.Context())
		if !ok {
			return fmt.Errorf("no config found in context")
		}
		return fn(cmd, cfg, commonRun())
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), programName, version)
		},
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           programName,
		Short:         "Digital asset marketplace dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if globalFlags.debug {
			cfg.Debug = true
		}
		globalFlags.debug = cfg.Debug
		cmd.SetContext(withConfig(cmd.Context(), cfg))
		return nil
	}

	root.AddCommand(serveCommand())
	root.AddCommand(workerCommand())
	root.AddCommand(migrateCommand())
	root.AddCommand(createUserCommand())
	root.AddCommand(versionCommand())
	return root
}

func main() {
	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error(err.Error(), "component", programName)
		os.Exit(1)
	}
}
