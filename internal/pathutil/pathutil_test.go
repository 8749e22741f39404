package pathutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/bibd/internal/pathutil"
)

func TestExpandUserAndEnvTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got, err := pathutil.ExpandUserAndEnv("~/refs.json")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "refs.json") {
		t.Fatalf("expected %s under home, got %s", "refs.json", got)
	}
}

func TestExpandUserAndEnvEnvToken(t *testing.T) {
	t.Setenv("BIBD_TEST_DIR", "/tmp/bibd-test")
	got, err := pathutil.ExpandUserAndEnv("$BIBD_TEST_DIR/lib.json")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != "/tmp/bibd-test/lib.json" {
		t.Fatalf("unexpected expansion: %s", got)
	}
}

func TestNormalizeNonexistentPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	raw := filepath.Join(dir, "sub", "..", "lib.json")
	got, err := pathutil.Normalize(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		want = dir
	}
	if got != filepath.Join(want, "lib.json") {
		t.Fatalf("expected cleaned path, got %s", got)
	}
}

func TestEqualDifferentSpellings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "lib.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !pathutil.Equal(path, filepath.Join(dir, ".", "lib.json")) {
		t.Fatal("expected equal paths")
	}
	if pathutil.Equal(path, filepath.Join(dir, "other.json")) {
		t.Fatal("expected unequal paths")
	}
}
