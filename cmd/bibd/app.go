package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	bibd "pkt.systems/bibd"
	"pkt.systems/bibd/internal/pathutil"
	"pkt.systems/bibd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("BIBD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "bibd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// rootState carries flag values shared by every subcommand.
type rootState struct {
	logger pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	state := &rootState{logger: baseLogger}

	cmd := &cobra.Command{
		Use:           "bibd",
		Short:         "bibd manages a personal library of bibliographic references",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # add a reference
  bibd add --type article --title "Time, Clocks, and the Ordering of Events" \
      --author "Lamport, Leslie" --year 1978 --venue "Communications of the ACM"

  # search and cite
  bibd search author:lamport
  bibd cite lamport1978 --style apa

  # run a background server so concurrent commands share one writer
  bibd server start
  bibd server status

  # keep the library somewhere else
  BIBD_LIBRARY=~/work/refs.json bibd ls`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfigFile(); err != nil {
				return err
			}
			level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level")))
			if ok {
				state.logger = state.logger.LogLevel(level)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("library", "l", bibd.DefaultLibraryFile, "library file path")
	persistent.String("config", "", "YAML config file (default "+bibd.DefaultConfigFile+")")
	persistent.String("log-level", "info", "log level (trace|debug|info|warn|error)")
	persistent.Bool("json", false, "print machine-readable JSON instead of text")

	viper.SetEnvPrefix("BIBD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"library", "config", "log-level", "json"} {
		if err := viper.BindPFlag(name, persistent.Lookup(name)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newAddCommand(state))
	cmd.AddCommand(newGetCommand(state))
	cmd.AddCommand(newListCommand(state))
	cmd.AddCommand(newSearchCommand(state))
	cmd.AddCommand(newCiteCommand(state))
	cmd.AddCommand(newExportCommand(state))
	cmd.AddCommand(newUpdateCommand(state))
	cmd.AddCommand(newRemoveCommand(state))
	cmd.AddCommand(newAttachCommand(state))
	cmd.AddCommand(newDetachCommand(state))
	cmd.AddCommand(newServerCommand(state))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// loadConfigFile merges the YAML config file into viper, below flags and
// environment in precedence. An explicitly named file must exist; the
// default location is optional.
func loadConfigFile() error {
	path := strings.TrimSpace(viper.GetString("config"))
	explicit := path != ""
	if path == "" {
		path = bibd.DefaultConfigFile
	}
	expanded, err := pathutil.ExpandUserAndEnv(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return nil
}

// baseConfig builds a Config from the persistent flags, environment, and
// config file.
func baseConfig() bibd.Config {
	cfg := bibd.DefaultConfig()
	if lib := strings.TrimSpace(viper.GetString("library")); lib != "" {
		cfg.Library = lib
	}
	return cfg
}

// executionContext resolves how this invocation reaches the library. All
// record commands go through here so the server-versus-direct decision is
// made exactly once, in one place.
func executionContext(cmd *cobra.Command, state *rootState) (*bibd.ExecutionContext, error) {
	ec, err := bibd.NewExecutionContext(cmd.Context(), baseConfig(), bibd.WithLogger(state.logger))
	if err != nil {
		return nil, err
	}
	svcfields.WithSubsystem(state.logger, "cli").Debug("resolved execution context", "mode", string(ec.Mode))
	return ec, nil
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
