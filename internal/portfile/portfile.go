// Package portfile reads and writes the sidecar file advertising a running
// bibd server. The portfile records which process holds which library so
// short-lived CLI invocations can find (or rule out) a live server without
// talking to it first.
//
// The file is advisory: its existence never guarantees a live, matching
// server. Readers must treat a missing or corrupt portfile as "no server";
// the detector owns stale-file cleanup.
package portfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Record is the JSON document stored in the portfile.
type Record struct {
	// Port is the loopback TCP port the server listens on.
	Port int `json:"port"`
	// PID is the server's process id.
	PID int `json:"pid"`
	// Library is the absolute path of the library file the server holds.
	Library string `json:"library"`
	// StartedAt is the server start time in RFC3339, when known.
	StartedAt string `json:"started_at,omitempty"`
}

// BaseURL returns the loopback base URL for the recorded port.
func (r Record) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", r.Port)
}

// StartedTime parses StartedAt. The zero time is returned when the field is
// absent or malformed; older servers did not record it.
func (r Record) StartedTime() time.Time {
	if r.StartedAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, r.StartedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Store reads and writes one portfile at an explicit, injected path. The
// path is derived from the configured library file, so each library gets
// its own server; tests inject temp paths to run in parallel.
type Store struct {
	path string
}

// New returns a Store bound to path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the portfile location.
func (s *Store) Path() string {
	return s.path
}

// Write persists rec atomically (temp file + rename) so a concurrent reader
// never observes a half-written portfile.
func (s *Store) Write(rec Record) error {
	if rec.Port <= 0 || rec.Port > 65535 {
		return fmt.Errorf("portfile: invalid port %d", rec.Port)
	}
	if rec.PID <= 0 {
		return fmt.Errorf("portfile: invalid pid %d", rec.PID)
	}
	if !filepath.IsAbs(rec.Library) {
		return fmt.Errorf("portfile: library path %q is not absolute", rec.Library)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("portfile: encode record: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("portfile: ensure dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".bibd-port-*")
	if err != nil {
		return fmt.Errorf("portfile: create temp file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("portfile: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("portfile: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("portfile: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("portfile: rename into place: %w", err)
	}
	return nil
}

// Read returns the parsed record, or nil when the portfile is absent. A
// corrupt or structurally invalid portfile also reads as absent: stale junk
// left by a crashed server must never escalate into a hard error.
func (s *Store) Read() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("portfile: read %s: %w", s.path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil
	}
	if rec.Port <= 0 || rec.PID <= 0 || rec.Library == "" {
		return nil, nil
	}
	return &rec, nil
}

// Remove deletes the portfile. Removing an already-absent portfile is not
// an error.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("portfile: remove %s: %w", s.path, err)
	}
	return nil
}
