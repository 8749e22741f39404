package bibd_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	bibd "pkt.systems/bibd"
	"pkt.systems/bibd/api"
)

func TestStopServerNotRunning(t *testing.T) {
	t.Parallel()

	cfg := bibd.Config{Library: filepath.Join(t.TempDir(), "library.json")}
	err := bibd.StopServer(context.Background(), cfg)
	if !errors.Is(err, bibd.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestServerStatusNotRunning(t *testing.T) {
	t.Parallel()

	cfg := bibd.Config{Library: filepath.Join(t.TempDir(), "library.json")}
	_, err := bibd.ServerStatus(context.Background(), cfg)
	if !errors.Is(err, bibd.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestServerStatusAgainstLiveServer(t *testing.T) {
	t.Parallel()

	ts := bibd.StartTestServer(t, bibd.Config{})
	if _, err := ts.Client.Add(context.Background(), api.Record{ID: "x", Title: "X"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st, err := bibd.ServerStatus(context.Background(), ts.Config)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.PID != os.Getpid() {
		t.Fatalf("status pid %d, want %d", st.PID, os.Getpid())
	}
	if st.Records != 1 {
		t.Fatalf("status records %d, want 1", st.Records)
	}
	if st.Library != ts.Config.Library {
		t.Fatalf("status library %q, want %q", st.Library, ts.Config.Library)
	}
}

func TestServerStatusStalePortfileIsNotRunning(t *testing.T) {
	t.Parallel()

	cfg := bibd.Config{Library: filepath.Join(t.TempDir(), "library.json")}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	forgePortfile(t, cfg, 999999)

	_, err := bibd.ServerStatus(context.Background(), cfg)
	if !errors.Is(err, bibd.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning for stale portfile, got %v", err)
	}
	// Status is read-only; the stale portfile stays until the next Detect.
	if _, err := os.Stat(cfg.PortfilePath()); err != nil {
		t.Fatalf("status must not remove the portfile: %v", err)
	}
}
