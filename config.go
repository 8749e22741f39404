package bibd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/bibd/internal/pathutil"
)

const (
	// DefaultLibraryFile is the library file used when none is configured,
	// resolved under the user's home directory.
	DefaultLibraryFile = "~/.bibd/library.json"
	// DefaultConfigFile is the optional YAML config file read when no
	// --config flag is given. A missing default file is not an error.
	DefaultConfigFile = "~/.bibd/config.yaml"
	// DefaultListen is the server bind address. Port 0 lets the kernel
	// pick a free loopback port which is then published in the portfile.
	DefaultListen = "127.0.0.1:0"
	// DefaultMetricsListen is the Prometheus scrape endpoint. Empty
	// disables the metrics listener.
	DefaultMetricsListen = ""
	// DefaultIdleTimeout stops a background server that has served no
	// request for this long. Zero disables idle shutdown.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultStartTimeout bounds how long a lifecycle command waits for a
	// spawned server to become ready.
	DefaultStartTimeout = 10 * time.Second
	// DefaultStopTimeout bounds how long stop waits for a server to exit
	// after SIGTERM before reporting failure.
	DefaultStopTimeout = 10 * time.Second
)

// PortfileName is the well-known portfile name placed next to the library
// file.
const PortfileName = ".bibd.port"

// Config carries everything needed to run a server or resolve an
// execution context for a library.
type Config struct {
	// Library is the library file path. Tilde and environment tokens are
	// expanded by Validate.
	Library string
	// Listen is the server bind address; loopback only.
	Listen string
	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string
	// IdleTimeout shuts the server down after this much inactivity.
	// Zero disables idle shutdown.
	IdleTimeout time.Duration
	// Foreground keeps the server attached to the invoking terminal
	// instead of daemonizing.
	Foreground bool
	// WatchLibrary reloads the in-memory state when an outside writer
	// modifies the library file.
	WatchLibrary bool
}

// DefaultConfig returns a Config populated with defaults. Library is left
// to Validate so tilde expansion happens exactly once.
func DefaultConfig() Config {
	return Config{
		Library:      DefaultLibraryFile,
		Listen:       DefaultListen,
		IdleTimeout:  DefaultIdleTimeout,
		WatchLibrary: true,
	}
}

// Validate normalizes the configuration in place and reports the first
// problem found.
func (c *Config) Validate() error {
	if c.Library == "" {
		c.Library = DefaultLibraryFile
	}
	expanded, err := pathutil.ExpandUserAndEnv(c.Library)
	if err != nil {
		return fmt.Errorf("bibd: expand library path %q: %w", c.Library, err)
	}
	normalized, err := pathutil.Normalize(expanded)
	if err != nil {
		return fmt.Errorf("bibd: normalize library path %q: %w", expanded, err)
	}
	c.Library = normalized
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("bibd: idle timeout must not be negative")
	}
	return nil
}

// PortfilePath returns the portfile location for the configured library:
// a well-known name in the library file's directory, so every command
// that resolves the same library finds the same portfile.
func (c Config) PortfilePath() string {
	return filepath.Join(filepath.Dir(c.Library), PortfileName)
}

// EnsureLibraryDir creates the library file's directory when missing.
func (c Config) EnsureLibraryDir() error {
	return os.MkdirAll(filepath.Dir(c.Library), 0o755)
}
