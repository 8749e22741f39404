package bibd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"pkt.systems/bibd/api"
	"pkt.systems/bibd/client"
	"pkt.systems/bibd/internal/daemonize"
	"pkt.systems/bibd/internal/detect"
	"pkt.systems/bibd/internal/portfile"
	"pkt.systems/bibd/internal/proc"
	"pkt.systems/bibd/internal/svcfields"
)

// ErrNotRunning reports that no live server holds the configured library.
var ErrNotRunning = errors.New("bibd: no server is running for this library")

// ServerInfo identifies a detected live server.
type ServerInfo struct {
	// BaseURL is the server's loopback endpoint.
	BaseURL string
	// PID is the server's process id.
	PID int
}

// spawnPollInterval paces readiness polling after spawning a detached
// server.
const spawnPollInterval = 100 * time.Millisecond

// StartDetached spawns a background server for cfg by re-executing this
// binary with --foreground in a detached session, then waits until the
// child has published its portfile and answers its liveness probe. extra
// CLI arguments reproduce the caller's configuration in the child.
func StartDetached(ctx context.Context, cfg Config, childArgs []string, logPath string, opts ...Option) (*ServerInfo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := resolveOptions(opts)
	logger := svcfields.WithSubsystem(o.logger, "lifecycle")

	detector := detect.New(portfile.New(cfg.PortfilePath()), o.prober, o.logger)
	if desc, err := detector.Detect(ctx, cfg.Library); err != nil {
		return nil, err
	} else if desc != nil {
		return nil, fmt.Errorf("%w (pid %d at %s)", ErrAlreadyRunning, desc.PID, desc.BaseURL)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("bibd: locate own executable: %w", err)
	}
	pid, err := daemonize.Spawn(exe, childArgs, logPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("spawned server process", "pid", pid)

	waitCtx, cancel := context.WithTimeout(ctx, DefaultStartTimeout)
	defer cancel()
	for {
		desc, err := detector.Detect(waitCtx, cfg.Library)
		if err == nil && desc != nil {
			c := client.New(desc.BaseURL)
			if c.Healthy(waitCtx) {
				return &ServerInfo{BaseURL: desc.BaseURL, PID: desc.PID}, nil
			}
		}
		if !o.prober.Alive(waitCtx, pid) {
			return nil, fmt.Errorf("bibd: spawned server (pid %d) exited before becoming ready, check %s", pid, logLocation(logPath))
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("bibd: spawned server (pid %d) not ready after %s", pid, DefaultStartTimeout)
		case <-time.After(spawnPollInterval):
		}
	}
}

func logLocation(logPath string) string {
	if logPath == "" {
		return "its log output"
	}
	return logPath
}

// StopServer terminates the server holding cfg's library: SIGTERM first,
// SIGKILL only if the process ignores it. The portfile is removed once
// the process is gone. Returns ErrNotRunning when there is nothing to
// stop.
func StopServer(ctx context.Context, cfg Config, opts ...Option) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o := resolveOptions(opts)
	logger := svcfields.WithSubsystem(o.logger, "lifecycle")

	pf := portfile.New(cfg.PortfilePath())
	detector := detect.New(pf, o.prober, o.logger)
	desc, err := detector.Detect(ctx, cfg.Library)
	if err != nil {
		return err
	}
	if desc == nil {
		return ErrNotRunning
	}

	logger.Info("stopping server", "pid", desc.PID)
	if err := proc.Terminate(ctx, desc.PID); err != nil {
		return fmt.Errorf("bibd: signal server (pid %d): %w", desc.PID, err)
	}
	if !proc.WaitExit(ctx, o.prober, desc.PID, DefaultStopTimeout) {
		logger.Warn("server ignored SIGTERM, killing", "pid", desc.PID)
		if err := proc.Kill(ctx, desc.PID); err != nil {
			return fmt.Errorf("bibd: kill server (pid %d): %w", desc.PID, err)
		}
		if !proc.WaitExit(ctx, o.prober, desc.PID, 2*time.Second) {
			return fmt.Errorf("bibd: server (pid %d) survived SIGKILL", desc.PID)
		}
	}
	// The server removes its own portfile on graceful shutdown; this
	// covers the SIGKILL path and is a no-op otherwise.
	if err := pf.Remove(); err != nil {
		logger.Warn("portfile cleanup failed", "error", err)
	}
	return nil
}

// ServerStatus reports the status of the server holding cfg's library.
// Returns ErrNotRunning when no server is found; for a lifecycle status
// query that is an answer, not a failure, and callers present it as such.
// Status is strictly read-only: a stale portfile is reported as not
// running but left in place for the next detection to clean up.
func ServerStatus(ctx context.Context, cfg Config, opts ...Option) (*api.StatusResponse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := resolveOptions(opts)

	detector := detect.New(portfile.New(cfg.PortfilePath()), o.prober, o.logger)
	desc, err := detector.Peek(ctx, cfg.Library)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, ErrNotRunning
	}
	return client.New(desc.BaseURL, client.WithLogger(o.logger)).Status(ctx)
}
