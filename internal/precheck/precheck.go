// Package precheck validates an install request before anything is touched.
package precheck

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/breeze-rmm/installer/internal/installerr"
)

// ProcessChecker reports whether a process is running.
type ProcessChecker interface {
	Exists(pid int) bool
}

// Verifier checks the preconditions of one install run. It only reads.
type Verifier struct {
	StagingDir string
	BackupDir  string
	AppDataDir string
	Procs      ProcessChecker
}

// Verify returns nil when installFolder and pid are usable. Otherwise it
// returns every violated condition joined, each an *installerr.Error with
// its own kind.
func (v *Verifier) Verify(installFolder string, pid int) error {
	var errs []error

	folder := strings.TrimSpace(installFolder)
	if folder == "" {
		errs = append(errs, installerr.New(installerr.InvalidArgument, "verify", "", errors.New("installation folder is blank")))
	} else if err := requireDir(folder); err != nil {
		errs = append(errs, installerr.New(installerr.PathNotFound, "verify installation folder", folder, err))
	} else {
		errs = append(errs, v.checkOverlap(folder)...)
	}

	switch {
	case pid < 1:
		errs = append(errs, installerr.New(installerr.InvalidArgument, "verify", "", fmt.Errorf("process id %d is not positive", pid)))
	case v.Procs == nil || !v.Procs.Exists(pid):
		errs = append(errs, installerr.New(installerr.ProcessNotFound, "verify", "", fmt.Errorf("process %d is not running", pid)))
	}

	if strings.TrimSpace(v.StagingDir) == "" {
		errs = append(errs, installerr.New(installerr.InvalidArgument, "verify", "", errors.New("staged package folder is not configured")))
	} else if err := requireDir(v.StagingDir); err != nil {
		errs = append(errs, installerr.New(installerr.PathNotFound, "verify staged package", v.StagingDir, err))
	}

	return errors.Join(errs...)
}

// checkOverlap rejects configured folders that emptying the installation
// folder would destroy, and a staging folder that contains it.
func (v *Verifier) checkOverlap(folder string) []error {
	var errs []error
	inside := func(dir, what string) {
		if strings.TrimSpace(dir) != "" && isWithin(dir, folder) {
			errs = append(errs, installerr.New(installerr.InvalidArgument, "verify", dir,
				fmt.Errorf("%s lies inside the installation folder", what)))
		}
	}
	inside(v.BackupDir, "backup directory")
	inside(v.AppDataDir, "app data directory")
	inside(v.StagingDir, "staged package folder")

	if strings.TrimSpace(v.StagingDir) != "" && !isWithin(v.StagingDir, folder) && isWithin(folder, v.StagingDir) {
		errs = append(errs, installerr.New(installerr.InvalidArgument, "verify", folder,
			errors.New("installation folder lies inside the staged package folder")))
	}
	return errs
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("not a directory")
	}
	return nil
}

func isWithin(path, dir string) bool {
	absPath, err := resolve(path)
	if err != nil {
		return false
	}
	absDir, err := resolve(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolve returns an absolute path with symlinks evaluated. A path that does
// not exist yet is resolved through its nearest existing parent.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	var rest []string
	for cur := abs; ; {
		if real, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{real}, rest...)...), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}
