package detect_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/bibd/internal/detect"
	"pkt.systems/bibd/internal/portfile"
	"pkt.systems/pslog"
)

type fakeProber struct {
	alive   map[int]bool
	started map[int]time.Time
}

func (f fakeProber) Alive(_ context.Context, pid int) bool { return f.alive[pid] }

func (f fakeProber) StartedAt(_ context.Context, pid int) (time.Time, bool) {
	t, ok := f.started[pid]
	return t, ok
}

func newStore(t *testing.T) *portfile.Store {
	t.Helper()
	return portfile.New(filepath.Join(t.TempDir(), "bibd.port"))
}

func TestDetectNoPortfile(t *testing.T) {
	t.Parallel()

	d := detect.New(newStore(t), fakeProber{}, pslog.NoopLogger())
	desc, err := d.Detect(context.Background(), "/a/lib.json")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if desc != nil {
		t.Fatalf("expected nil descriptor, got %+v", desc)
	}
}

func TestDetectLiveMatchingServer(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	if err := store.Write(portfile.Record{Port: 4812, PID: 321, Library: "/a/lib.json"}); err != nil {
		t.Fatalf("write portfile: %v", err)
	}
	d := detect.New(store, fakeProber{alive: map[int]bool{321: true}}, pslog.NoopLogger())
	desc, err := d.Detect(context.Background(), "/a/lib.json")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if desc == nil {
		t.Fatal("expected descriptor for live matching server")
	}
	if desc.BaseURL != "http://127.0.0.1:4812" {
		t.Fatalf("unexpected base url %s", desc.BaseURL)
	}
	if desc.PID != 321 {
		t.Fatalf("unexpected pid %d", desc.PID)
	}
}

func TestDetectDeadPidRemovesPortfile(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	if err := store.Write(portfile.Record{Port: 3000, PID: 999999, Library: "/a/lib.json"}); err != nil {
		t.Fatalf("write portfile: %v", err)
	}
	d := detect.New(store, fakeProber{alive: map[int]bool{}}, pslog.NoopLogger())
	desc, err := d.Detect(context.Background(), "/a/lib.json")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if desc != nil {
		t.Fatalf("expected nil descriptor, got %+v", desc)
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Fatal("expected stale portfile to be deleted")
	}
}

func TestDetectPathMismatchLeavesPortfile(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	if err := store.Write(portfile.Record{Port: 3000, PID: 999999, Library: "/a/lib.json"}); err != nil {
		t.Fatalf("write portfile: %v", err)
	}
	// The pid is dead, but the mismatch check must win: a portfile for a
	// different library is never cleaned up here.
	d := detect.New(store, fakeProber{alive: map[int]bool{}}, pslog.NoopLogger())
	desc, err := d.Detect(context.Background(), "/b/lib.json")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if desc != nil {
		t.Fatalf("expected nil descriptor, got %+v", desc)
	}
	if _, err := os.Stat(store.Path()); err != nil {
		t.Fatalf("portfile for a different library must survive: %v", err)
	}
}

func TestDetectIdempotentAfterCleanup(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	if err := store.Write(portfile.Record{Port: 3000, PID: 999999, Library: "/a/lib.json"}); err != nil {
		t.Fatalf("write portfile: %v", err)
	}
	d := detect.New(store, fakeProber{alive: map[int]bool{}}, pslog.NoopLogger())
	for i := 0; i < 2; i++ {
		desc, err := d.Detect(context.Background(), "/a/lib.json")
		if err != nil {
			t.Fatalf("detect round %d: %v", i, err)
		}
		if desc != nil {
			t.Fatalf("round %d: expected nil descriptor", i)
		}
	}
}

func TestPeekDeadPidLeavesPortfile(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	if err := store.Write(portfile.Record{Port: 3000, PID: 999999, Library: "/a/lib.json"}); err != nil {
		t.Fatalf("write portfile: %v", err)
	}
	d := detect.New(store, fakeProber{alive: map[int]bool{}}, pslog.NoopLogger())
	desc, err := d.Peek(context.Background(), "/a/lib.json")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if desc != nil {
		t.Fatalf("expected nil descriptor, got %+v", desc)
	}
	// Peek is read-only; the stale file stays for the next Detect to clean.
	if _, err := os.Stat(store.Path()); err != nil {
		t.Fatalf("peek must not remove the portfile: %v", err)
	}
}

func TestPeekLiveMatchingServer(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	if err := store.Write(portfile.Record{Port: 4812, PID: 321, Library: "/a/lib.json"}); err != nil {
		t.Fatalf("write portfile: %v", err)
	}
	d := detect.New(store, fakeProber{alive: map[int]bool{321: true}}, pslog.NoopLogger())
	desc, err := d.Peek(context.Background(), "/a/lib.json")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if desc == nil || desc.PID != 321 {
		t.Fatalf("expected live descriptor, got %+v", desc)
	}
}

func TestDetectPidReuseImpostor(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	recordedStart := time.Now().Add(-time.Hour).UTC()
	if err := store.Write(portfile.Record{
		Port:      3000,
		PID:       777,
		Library:   "/a/lib.json",
		StartedAt: recordedStart.Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("write portfile: %v", err)
	}
	prober := fakeProber{
		alive:   map[int]bool{777: true},
		started: map[int]time.Time{777: time.Now()},
	}
	d := detect.New(store, prober, pslog.NoopLogger())
	desc, err := d.Detect(context.Background(), "/a/lib.json")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if desc != nil {
		t.Fatal("expected a recycled pid to read as no server")
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Fatal("expected impostor portfile to be deleted")
	}
}

func TestDetectStartedAtWithinSlackIsLive(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	start := time.Now().UTC()
	if err := store.Write(portfile.Record{
		Port:      3000,
		PID:       778,
		Library:   "/a/lib.json",
		StartedAt: start.Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("write portfile: %v", err)
	}
	prober := fakeProber{
		alive:   map[int]bool{778: true},
		started: map[int]time.Time{778: start.Add(2 * time.Second)},
	}
	d := detect.New(store, prober, pslog.NoopLogger())
	desc, err := d.Detect(context.Background(), "/a/lib.json")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if desc == nil {
		t.Fatal("expected descriptor when create time is within slack")
	}
}
