// Package proc probes and signals operating system processes on behalf of
// the server detector and lifecycle commands. All platform specifics live
// behind gopsutil so the rest of bibd reasons about pids portably.
package proc

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Prober answers best-effort liveness questions about a pid. Pid reuse can
// produce false positives; StartedAt exists so callers can cross-check the
// process creation time against recorded state and unmask impostors.
type Prober interface {
	// Alive reports whether pid names a running process. "No such
	// process" is the only negative signal; every other outcome counts as
	// alive so that an uncertain probe never tears down a live server.
	Alive(ctx context.Context, pid int) bool
	// StartedAt returns the process creation time when the platform
	// exposes it. ok is false when the process is gone or the platform
	// cannot say.
	StartedAt(ctx context.Context, pid int) (time.Time, bool)
}

// System is the gopsutil-backed Prober used outside tests.
type System struct{}

// Alive implements Prober.
func (System) Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		// Uncertainty is not death.
		return true
	}
	return exists
}

// StartedAt implements Prober.
func (System) StartedAt(ctx context.Context, pid int) (time.Time, bool) {
	if pid <= 0 {
		return time.Time{}, false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return time.Time{}, false
	}
	createdMillis, err := p.CreateTimeWithContext(ctx)
	if err != nil || createdMillis <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(createdMillis), true
}

// Terminate asks pid to shut down gracefully (SIGTERM on POSIX).
func Terminate(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return fmt.Errorf("proc: locate pid %d: %w", pid, err)
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return fmt.Errorf("proc: terminate pid %d: %w", pid, err)
	}
	return nil
}

// Kill forcibly ends pid. Used only after a graceful stop times out.
func Kill(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return fmt.Errorf("proc: locate pid %d: %w", pid, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("proc: kill pid %d: %w", pid, err)
	}
	return nil
}

// WaitExit polls until pid is gone, the timeout elapses, or ctx ends. It
// reports whether the process exited within the window.
func WaitExit(ctx context.Context, prober Prober, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !prober.Alive(ctx, pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !prober.Alive(ctx, pid)
		case <-ticker.C:
		}
	}
}
