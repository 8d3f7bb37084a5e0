// Package restart brings the application back after an install attempt.
package restart

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/installer/internal/installerr"
	"github.com/breeze-rmm/installer/internal/launcher"
	"github.com/breeze-rmm/installer/internal/logging"
	"github.com/breeze-rmm/installer/internal/procctl"
)

var log = logging.L("restart")

// Outcome records how the application came back.
type Outcome int

const (
	OutcomeNone Outcome = iota
	LaunchedDirectly
	ExternallyRestarted
	// StillRunning means the original process was never stopped and was
	// left as it was.
	StillRunning
)

func (o Outcome) String() string {
	switch o {
	case LaunchedDirectly:
		return "launched_directly"
	case ExternallyRestarted:
		return "externally_restarted"
	case StillRunning:
		return "still_running"
	default:
		return "none"
	}
}

// Strategy names accepted by Select.
const (
	StrategyAuto       = "auto"
	StrategyDirect     = "direct"
	StrategySupervised = "supervised"
)

// Target describes the application to bring back.
type Target struct {
	Folder      string
	PID         int
	Kind        launcher.Kind
	ProcessName string
}

// Starter launches the application.
type Starter interface {
	Start(ctx context.Context, kind launcher.Kind, folder string) error
}

// Processes terminates and looks up processes.
type Processes interface {
	Terminate(ctx context.Context, pid int) error
	FindAllByName(name string) ([]procctl.Handle, error)
}

// Strategy is chosen once per run and decides both when the original
// process stops and how the application is resumed.
type Strategy interface {
	Name() string
	// StopBeforeReplace reports whether the original process must be
	// stopped before the installation folder is touched.
	StopBeforeReplace() bool
	Resume(ctx context.Context, target Target) (Outcome, error)
}

// Deps are the collaborators and settings shared by the strategies.
type Deps struct {
	Procs    Processes
	Starter  Starter
	Interval time.Duration
	Attempts int
}

// Select returns the strategy for name. "auto" picks Direct on Windows,
// where running executables cannot be overwritten, and Supervised
// elsewhere.
func Select(name, goos string, deps Deps) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyAuto:
		if goos == "windows" {
			return NewDirect(deps.Starter), nil
		}
		return NewSupervised(deps), nil
	case StrategyDirect:
		return NewDirect(deps.Starter), nil
	case StrategySupervised:
		return NewSupervised(deps), nil
	default:
		return nil, fmt.Errorf("unknown restart strategy %q", name)
	}
}

// Direct starts the application once from the installation folder.
type Direct struct {
	starter Starter
}

func NewDirect(starter Starter) *Direct {
	return &Direct{starter: starter}
}

func (d *Direct) Name() string { return StrategyDirect }

func (d *Direct) StopBeforeReplace() bool { return true }

func (d *Direct) Resume(ctx context.Context, target Target) (Outcome, error) {
	if err := d.starter.Start(ctx, target.Kind, target.Folder); err != nil {
		return OutcomeNone, installerr.New(installerr.RestartFailed, "launch application", target.Folder, err)
	}
	log.Info("application launched", logging.KeyStrategy, d.Name(), "kind", target.Kind.String())
	return LaunchedDirectly, nil
}

// Supervised terminates the original process and gives a supervisor a
// bounded window to restart it, launching directly only if none does.
type Supervised struct {
	procs    Processes
	starter  Starter
	interval time.Duration
	attempts int
	wait     func(ctx context.Context, d time.Duration) error
}

func NewSupervised(deps Deps) *Supervised {
	s := &Supervised{
		procs:    deps.Procs,
		starter:  deps.Starter,
		interval: deps.Interval,
		attempts: deps.Attempts,
		wait:     sleepContext,
	}
	if s.interval <= 0 {
		s.interval = time.Second
	}
	if s.attempts < 1 {
		s.attempts = 5
	}
	return s
}

func (s *Supervised) Name() string { return StrategySupervised }

func (s *Supervised) StopBeforeReplace() bool { return false }

func (s *Supervised) Resume(ctx context.Context, target Target) (Outcome, error) {
	logger := log.With(logging.KeyStrategy, s.Name(), logging.KeyPID, target.PID)

	if err := s.procs.Terminate(ctx, target.PID); err != nil {
		return OutcomeNone, installerr.New(installerr.RestartFailed, "terminate original process", "", err)
	}

	for tick := 1; tick <= s.attempts; tick++ {
		if err := s.wait(ctx, s.interval); err != nil {
			return OutcomeNone, installerr.New(installerr.RestartFailed, "wait for supervisor", "", err)
		}
		if pid, ok := s.restarted(target); ok {
			logger.Info("application restarted by supervisor", "tick", tick, "newPid", pid)
			return ExternallyRestarted, nil
		}
		logger.Debug("application not back yet", "tick", tick, "attempts", s.attempts)
	}

	logger.Info("no supervisor restart observed, launching directly", "attempts", s.attempts)
	if err := s.starter.Start(ctx, target.Kind, target.Folder); err != nil {
		return OutcomeNone, installerr.New(installerr.RestartFailed, "launch application", target.Folder, err)
	}
	return LaunchedDirectly, nil
}

// restarted reports a process with the expected name other than the one
// that was terminated.
func (s *Supervised) restarted(target Target) (int32, bool) {
	if target.ProcessName == "" {
		return 0, false
	}
	matches, err := s.procs.FindAllByName(target.ProcessName)
	if err != nil {
		log.Warn("process lookup failed", "name", target.ProcessName, "error", err.Error())
		return 0, false
	}
	for _, h := range matches {
		if int(h.PID) != target.PID {
			return h.PID, true
		}
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
