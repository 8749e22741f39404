package bibd_test

import (
	"path/filepath"
	"strings"
	"testing"

	bibd "pkt.systems/bibd"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := bibd.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !filepath.IsAbs(cfg.Library) {
		t.Fatalf("library path not absolute after validate: %q", cfg.Library)
	}
	if strings.Contains(cfg.Library, "~") {
		t.Fatalf("tilde not expanded: %q", cfg.Library)
	}
}

func TestValidateExpandsTilde(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := bibd.Config{Library: "~/refs/library.json"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if strings.HasPrefix(cfg.Library, "~") {
		t.Fatalf("tilde survived: %q", cfg.Library)
	}
}

func TestValidateRejectsNegativeIdleTimeout(t *testing.T) {
	t.Parallel()

	cfg := bibd.Config{Library: "/tmp/refs.json", IdleTimeout: -1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestPortfilePathNextToLibrary(t *testing.T) {
	t.Parallel()

	cfg := bibd.Config{Library: filepath.Join(t.TempDir(), "refs", "library.json")}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := filepath.Join(filepath.Dir(cfg.Library), bibd.PortfileName)
	if got := cfg.PortfilePath(); got != want {
		t.Fatalf("portfile path %q, want %q", got, want)
	}
}

func TestPortfilePathStableAcrossSpellings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := bibd.Config{Library: filepath.Join(dir, "library.json")}
	b := bibd.Config{Library: filepath.Join(dir, "sub", "..", "library.json")}
	if err := a.Validate(); err != nil {
		t.Fatalf("validate a: %v", err)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("validate b: %v", err)
	}
	if a.PortfilePath() != b.PortfilePath() {
		t.Fatalf("portfile paths differ: %q vs %q", a.PortfilePath(), b.PortfilePath())
	}
}
