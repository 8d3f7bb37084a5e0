// Package launcher starts the application from its installation folder and
// detects how the running instance was launched.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/breeze-rmm/installer/internal/logging"
)

var log = logging.L("launcher")

// Kind is how the application runs: as an OS-managed service or as a plain
// console process.
type Kind int

const (
	KindConsole Kind = iota
	KindService
)

func (k Kind) String() string {
	if k == KindService {
		return "service"
	}
	return "console"
}

// Launcher starts the application in a given installation folder.
type Launcher struct {
	ExecutableName string
	ServiceName    string
	Args           []string
}

// Start launches the application. A service is started through the platform
// service manager; a console application is spawned detached from this
// process so it outlives the installer.
func (l *Launcher) Start(ctx context.Context, kind Kind, folder string) error {
	switch kind {
	case KindService:
		if l.ServiceName == "" {
			return errors.New("service name is not configured")
		}
		log.Info("starting service", "service", l.ServiceName)
		if err := startService(ctx, l.ServiceName); err != nil {
			return fmt.Errorf("start service %s: %w", l.ServiceName, err)
		}
		return nil
	default:
		return l.startConsole(ctx, folder)
	}
}

func (l *Launcher) startConsole(ctx context.Context, folder string) error {
	if l.ExecutableName == "" {
		return errors.New("executable name is not configured")
	}
	binary := filepath.Join(folder, l.ExecutableName)
	if _, err := os.Stat(binary); err != nil {
		return fmt.Errorf("executable %s: %w", binary, err)
	}

	// The child must not die with ctx, so it is not tied to it.
	cmd := exec.Command(binary, l.Args...)
	cmd.Dir = folder
	setDetached(cmd)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", binary, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		log.Warn("failed to release launched process", "pid", pid, "error", err.Error())
	}
	log.Info("application launched", "binary", binary, "pid", pid)
	return nil
}
