// Package procctl observes and terminates local processes.
package procctl

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/installer/internal/logging"
)

var log = logging.L("procctl")

const defaultPollInterval = 100 * time.Millisecond

// Handle identifies a process observed on the host. The controller never owns
// the process behind a Handle.
type Handle struct {
	PID  int32
	Name string
}

// Controller inspects and stops processes through gopsutil.
type Controller struct {
	grace        time.Duration
	pollInterval time.Duration
}

// New creates a Controller that waits up to grace for a process to exit after
// a graceful terminate before killing it.
func New(grace time.Duration) *Controller {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Controller{grace: grace, pollInterval: defaultPollInterval}
}

// Exists reports whether a process with pid is running.
func (c *Controller) Exists(pid int) bool {
	if pid < 1 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		log.Debug("pid lookup failed", "pid", pid, "error", err.Error())
		return false
	}
	return ok
}

// Name returns the executable name of pid.
func (c *Controller) Name(pid int) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("process %d: %w", pid, err)
	}
	name, err := p.Name()
	if err != nil {
		return "", fmt.Errorf("process %d name: %w", pid, err)
	}
	return name, nil
}

// FindByName returns the first running process whose name matches name, or
// nil when none does. Matching ignores case and a trailing ".exe".
func (c *Controller) FindByName(name string) (*Handle, error) {
	matches, err := c.FindAllByName(name)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return &matches[0], nil
}

// FindAllByName returns every running process whose name matches name.
func (c *Controller) FindAllByName(name string) ([]Handle, error) {
	want := normalizeName(name)
	if want == "" {
		return nil, errors.New("process name is required")
	}
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var out []Handle
	for _, p := range procs {
		n, err := p.Name()
		if err != nil {
			continue
		}
		if normalizeName(n) == want {
			out = append(out, Handle{PID: p.Pid, Name: n})
		}
	}
	return out, nil
}

// ExistsByName reports whether a process named name is running.
func (c *Controller) ExistsByName(name string) bool {
	h, err := c.FindByName(name)
	if err != nil {
		log.Debug("process name lookup failed", "name", name, "error", err.Error())
		return false
	}
	return h != nil
}

// Terminate asks pid to exit, waits up to the grace period and then kills it.
// A process that is already gone is not an error, so repeated calls are safe.
func (c *Controller) Terminate(ctx context.Context, pid int) error {
	if pid < 1 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			log.Debug("process already exited", "pid", pid)
			return nil
		}
		return fmt.Errorf("open process %d: %w", pid, err)
	}

	start := time.Now()
	if err := p.TerminateWithContext(ctx); err != nil {
		if !c.running(ctx, p) {
			return nil
		}
		log.Warn("graceful terminate failed, killing", "pid", pid, "error", err.Error())
	} else if c.waitExit(ctx, p, c.grace) {
		log.Info("process terminated", "pid", pid, "durationMs", time.Since(start).Milliseconds())
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	log.Warn("process did not exit within grace period, killing", "pid", pid, "grace", c.grace.String())
	if err := p.KillWithContext(ctx); err != nil && c.running(ctx, p) {
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	if !c.waitExit(ctx, p, c.grace) {
		return fmt.Errorf("process %d still running after kill", pid)
	}
	log.Info("process killed", "pid", pid, "durationMs", time.Since(start).Milliseconds())
	return nil
}

func (c *Controller) waitExit(ctx context.Context, p *process.Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		if !c.running(ctx, p) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// running treats zombies as exited: they hold no files and cannot be signalled.
func (c *Controller) running(ctx context.Context, p *process.Process) bool {
	ok, err := p.IsRunningWithContext(ctx)
	if err != nil || !ok {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err == nil {
		for _, s := range status {
			if s == process.Zombie {
				return false
			}
		}
	}
	return true
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = strings.ToLower(filepath.Base(name))
	return strings.TrimSuffix(name, ".exe")
}
