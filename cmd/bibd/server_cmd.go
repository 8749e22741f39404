package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	bibd "pkt.systems/bibd"
	"pkt.systems/bibd/internal/svcfields"
)

func newServerCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the background server for the library",
	}
	cmd.AddCommand(newServerStartCommand(state))
	cmd.AddCommand(newServerStopCommand(state))
	cmd.AddCommand(newServerStatusCommand(state))
	return cmd
}

// serverFlags are the start flags that must survive the re-exec into the
// detached child.
type serverFlags struct {
	daemon        bool
	foreground    bool
	port          int
	listen        string
	metricsListen string
	idleTimeout   time.Duration
	noWatch       bool
	logFile       string
}

func (sf *serverFlags) apply(cfg *bibd.Config) {
	if sf.port > 0 {
		sf.listen = fmt.Sprintf("127.0.0.1:%d", sf.port)
	}
	cfg.Listen = sf.listen
	cfg.MetricsListen = sf.metricsListen
	cfg.IdleTimeout = sf.idleTimeout
	cfg.Foreground = sf.foreground
	cfg.WatchLibrary = !sf.noWatch
}

// childArgs reconstructs the start invocation for the detached child,
// forcing --foreground so the child does not daemonize again.
func (sf *serverFlags) childArgs(cfg bibd.Config) []string {
	args := []string{
		"server", "start",
		"--foreground",
		"--library", cfg.Library,
		"--listen", sf.listen,
		"--idle-timeout", sf.idleTimeout.String(),
	}
	if sf.metricsListen != "" {
		args = append(args, "--metrics-listen", sf.metricsListen)
	}
	if sf.noWatch {
		args = append(args, "--no-watch")
	}
	return args
}

func newServerStartCommand(state *rootState) *cobra.Command {
	var sf serverFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a server for the library",
		Long: `Start a server for the library. By default (and with --daemon) the
server detaches and runs in the background until stopped or idle for the
configured timeout; with --foreground it stays attached to the terminal
and stops on interrupt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := baseConfig()
			sf.apply(&cfg)
			logger := svcfields.WithSubsystem(state.logger, "cli.server")

			if sf.foreground {
				return runForeground(cmd, cfg, state)
			}

			info, err := bibd.StartDetached(cmd.Context(), cfg, sf.childArgs(cfg), sf.logFile, bibd.WithLogger(state.logger))
			if err != nil {
				if errors.Is(err, bibd.ErrAlreadyRunning) {
					return fmt.Errorf("server already running for %s: %w", cfg.Library, err)
				}
				return err
			}
			logger.Debug("server ready", "pid", info.PID, "base_url", info.BaseURL)
			fmt.Printf("server started (pid %d) at %s\n", info.PID, info.BaseURL)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&sf.daemon, "daemon", false, "detach and run in the background (the default)")
	flags.BoolVar(&sf.foreground, "foreground", false, "run attached to the terminal instead of daemonizing")
	cmd.MarkFlagsMutuallyExclusive("daemon", "foreground")
	flags.StringVar(&sf.listen, "listen", bibd.DefaultListen, "loopback listen address (port 0 = auto)")
	flags.IntVar(&sf.port, "port", 0, "loopback port, shorthand for --listen 127.0.0.1:PORT")
	flags.StringVar(&sf.metricsListen, "metrics-listen", bibd.DefaultMetricsListen, "Prometheus metrics address (empty disables)")
	flags.DurationVar(&sf.idleTimeout, "idle-timeout", bibd.DefaultIdleTimeout, "stop after this much inactivity (0 disables)")
	flags.BoolVar(&sf.noWatch, "no-watch", false, "do not reload when the library file changes on disk")
	flags.StringVar(&sf.logFile, "log-file", "", "background server log destination (default: discard)")
	return cmd
}

// runForeground serves until the context is cancelled by SIGINT/SIGTERM.
func runForeground(cmd *cobra.Command, cfg bibd.Config, state *rootState) error {
	srv, err := bibd.NewServer(cfg, bibd.WithLogger(state.logger))
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case err := <-errCh:
		return err
	case <-cmd.Context().Done():
	}
	shutdownCtx, cancel := shutdownContext()
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func newServerStopCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the server holding the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := baseConfig()
			err := bibd.StopServer(cmd.Context(), cfg, bibd.WithLogger(state.logger))
			if errors.Is(err, bibd.ErrNotRunning) {
				// Nothing to stop is a conflict with what the user asked
				// for, not an internal failure; say so plainly.
				return fmt.Errorf("no server is running for %s", cfg.Library)
			}
			if err != nil {
				return err
			}
			fmt.Println("server stopped")
			return nil
		},
	}
	return cmd
}

func newServerStatusCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a server holds the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := baseConfig()
			st, err := bibd.ServerStatus(cmd.Context(), cfg, bibd.WithLogger(state.logger))
			if errors.Is(err, bibd.ErrNotRunning) {
				// Not running is a valid answer for status, not an error.
				fmt.Printf("no server running for %s\n", cfg.Library)
				return nil
			}
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(st)
			}
			fmt.Printf("server running (pid %d) on port %d\n", st.PID, st.Port)
			fmt.Printf("  library: %s\n", st.Library)
			fmt.Printf("  records: %d\n", st.Records)
			fmt.Printf("  version: %s\n", st.Version)
			fmt.Printf("  uptime:  %s\n", humanUptime(st.UptimeSeconds, st.StartedAt))
			if st.PersistFailed {
				fmt.Println("  WARNING: last save failed, mutations are refused until a save succeeds")
			}
			return nil
		},
	}
	return cmd
}

func humanUptime(uptimeSeconds int64, startedAt string) string {
	d := time.Duration(uptimeSeconds) * time.Second
	if started, err := time.Parse(time.RFC3339, startedAt); err == nil {
		return d.String() + " (since " + humanize.Time(started) + ")"
	}
	return strconv.FormatInt(uptimeSeconds, 10) + "s"
}
