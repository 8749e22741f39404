// Package detect decides whether a live bibd server already holds a given
// library. It is the only component allowed to clean up stale portfiles,
// and every CLI invocation funnels through it before touching the library
// file directly.
package detect

import (
	"context"
	"time"

	"pkt.systems/bibd/internal/pathutil"
	"pkt.systems/bibd/internal/portfile"
	"pkt.systems/bibd/internal/proc"
	"pkt.systems/bibd/internal/svcfields"
	"pkt.systems/pslog"
)

// startedAtSlack tolerates clock skew between the recorded server start
// time and the kernel's process creation timestamp before a pid is declared
// reused.
const startedAtSlack = 5 * time.Second

// Descriptor points at a live server for a specific library. It is
// transient: produced per invocation, never persisted.
type Descriptor struct {
	BaseURL string
	PID     int
}

// Detector resolves library paths to live server descriptors.
type Detector struct {
	portfile *portfile.Store
	prober   proc.Prober
	logger   pslog.Logger
}

// New constructs a Detector. A nil prober defaults to the system prober.
func New(pf *portfile.Store, prober proc.Prober, logger pslog.Logger) *Detector {
	if prober == nil {
		prober = proc.System{}
	}
	return &Detector{
		portfile: pf,
		prober:   prober,
		logger:   svcfields.WithSubsystem(logger, "detect"),
	}
}

// Detect returns a descriptor iff the portfile names a live server holding
// libraryPath. The checks run in a fixed order:
//
//  1. no portfile: no server;
//  2. portfile for a different library: no server, portfile untouched — a
//     live server for another library must never be torn down;
//  3. recorded pid dead (or a pid-reuse impostor): remove the stale
//     portfile, no server;
//  4. otherwise the recorded server is assumed reachable.
func (d *Detector) Detect(ctx context.Context, libraryPath string) (*Descriptor, error) {
	return d.resolve(ctx, libraryPath, true)
}

// Peek runs the same checks as Detect but never touches the portfile, stale
// or not. Read-only queries such as server status go through here: they must
// report what is on disk without cleaning anything up.
func (d *Detector) Peek(ctx context.Context, libraryPath string) (*Descriptor, error) {
	return d.resolve(ctx, libraryPath, false)
}

func (d *Detector) resolve(ctx context.Context, libraryPath string, cleanup bool) (*Descriptor, error) {
	rec, err := d.portfile.Read()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if !pathutil.Equal(rec.Library, libraryPath) {
		d.logger.Debug("portfile names a different library",
			"portfile_library", rec.Library, "requested_library", libraryPath)
		return nil, nil
	}
	if !d.pidMatchesRecord(ctx, rec) {
		if cleanup {
			d.logger.Info("removing stale portfile", "pid", rec.PID, "port", rec.Port)
			if err := d.portfile.Remove(); err != nil {
				d.logger.Warn("stale portfile cleanup failed", "error", err)
			}
		}
		return nil, nil
	}
	return &Descriptor{BaseURL: rec.BaseURL(), PID: rec.PID}, nil
}

// pidMatchesRecord reports whether the recorded pid is alive and plausibly
// still the process that wrote the portfile. When both the portfile and the
// platform expose start times, a process created well after the recorded
// start is a recycled pid and counts as dead.
func (d *Detector) pidMatchesRecord(ctx context.Context, rec *portfile.Record) bool {
	if !d.prober.Alive(ctx, rec.PID) {
		return false
	}
	recorded := rec.StartedTime()
	if recorded.IsZero() {
		return true
	}
	created, ok := d.prober.StartedAt(ctx, rec.PID)
	if !ok {
		return true
	}
	if created.After(recorded.Add(startedAtSlack)) {
		d.logger.Info("portfile pid was reused by a newer process",
			"pid", rec.PID, "recorded_start", recorded, "process_start", created)
		return false
	}
	return true
}
