package bibd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/bibd/client"
)

// TestServer wraps a running bibd Server with convenient handles for
// tests.
type TestServer struct {
	Server  *Server
	BaseURL string
	Client  *client.Client
	Config  Config

	stop func(context.Context) error
}

// StartTestServer runs a server over a fresh library in a temp directory
// and registers shutdown with tb's cleanup. Pass a zero Config to accept
// defaults; an empty Library gets a per-test temp file.
func StartTestServer(tb testing.TB, cfg Config) *TestServer {
	tb.Helper()
	if cfg.Library == "" {
		cfg.Library = filepath.Join(tb.TempDir(), "library.json")
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	srv, stop, err := StartServer(context.Background(), cfg)
	if err != nil {
		tb.Fatalf("start test server: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := stop(ctx); err != nil {
			tb.Errorf("stop test server: %v", err)
		}
	})
	return &TestServer{
		Server:  srv,
		BaseURL: srv.BaseURL(),
		Client:  client.New(srv.BaseURL()),
		Config:  cfg,
		stop:    stop,
	}
}

// Stop shuts the wrapped server down before test cleanup runs.
func (ts *TestServer) Stop(ctx context.Context) error {
	return ts.stop(ctx)
}
