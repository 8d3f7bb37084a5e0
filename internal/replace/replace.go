// Package replace swaps the contents of an installation folder for a staged
// package.
package replace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/breeze-rmm/installer/internal/fsops"
	"github.com/breeze-rmm/installer/internal/installerr"
	"github.com/breeze-rmm/installer/internal/logging"
)

var log = logging.L("replace")

// FileSystem is the subset of fsops the executor needs.
type FileSystem interface {
	EmptyFolder(ctx context.Context, path string) error
	TransferFolder(ctx context.Context, src, dst string, mode fsops.Mode, overwrite bool) error
	SetPermissions(path string, mode os.FileMode, uid, gid int) error
}

// Executor performs the destructive part of an install. A snapshot of the
// installation folder must exist before Replace is called.
type Executor struct {
	fs         FileSystem
	executable string
	goos       string
}

// NewExecutor creates an Executor that fixes up executable after the copy.
func NewExecutor(fs FileSystem, executable string) *Executor {
	return &Executor{fs: fs, executable: executable, goos: runtime.GOOS}
}

// Replace empties installFolder and copies stagedFolder into it. On
// Unix-like systems the main executable is made 0755 afterwards. Every
// failure is a ReplaceFailed error; the folder may then be partially
// written and must be restored from the snapshot.
func (e *Executor) Replace(ctx context.Context, installFolder, stagedFolder string) error {
	start := time.Now()

	if err := e.fs.EmptyFolder(ctx, installFolder); err != nil {
		return installerr.New(installerr.ReplaceFailed, "empty installation folder", installFolder, err)
	}
	if err := e.fs.TransferFolder(ctx, stagedFolder, installFolder, fsops.ModeCopy, true); err != nil {
		return installerr.New(installerr.ReplaceFailed, "copy staged package", stagedFolder, err)
	}

	if e.executable != "" {
		binary := filepath.Join(installFolder, e.executable)
		info, err := os.Stat(binary)
		if err != nil {
			return installerr.New(installerr.ReplaceFailed, "locate executable", binary, err)
		}
		if info.IsDir() {
			return installerr.New(installerr.ReplaceFailed, "locate executable", binary, errors.New("is a directory"))
		}
		if e.goos != "windows" {
			if err := e.fs.SetPermissions(binary, 0o755, -1, -1); err != nil {
				return installerr.New(installerr.ReplaceFailed, "set executable permissions", binary, err)
			}
		}
	}

	log.Info("installation folder replaced",
		logging.KeyInstallFolder, installFolder,
		"staged", stagedFolder,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return nil
}
