// Package daemonize spawns a detached child process for the background
// server. The child runs in its own session with no controlling terminal,
// so it survives the parent command exiting.
package daemonize

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Spawn starts exe with args detached from the current terminal and
// returns the child's pid. The child's stdout and stderr go to logPath
// when non-empty, otherwise to the null device.
func Spawn(exe string, args []string, logPath string) (int, error) {
	sink, err := openSink(logPath)
	if err != nil {
		return 0, err
	}
	defer sink.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("daemonize: start %s: %w", exe, err)
	}
	pid := cmd.Process.Pid
	// Release rather than Wait: the child outlives us on purpose.
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("daemonize: release child %d: %w", pid, err)
	}
	return pid, nil
}

func openSink(logPath string) (*os.File, error) {
	if logPath == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("daemonize: open log %s: %w", logPath, err)
	}
	return f, nil
}
