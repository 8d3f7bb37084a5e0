// Package fsops implements the bulk filesystem operations an install run
// needs: folder transfer, folder emptying and permission fixups.
package fsops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/breeze-rmm/installer/internal/logging"
	"github.com/breeze-rmm/installer/internal/workerpool"
)

var log = logging.L("fsops")

// Mode selects whether TransferFolder leaves the source in place.
type Mode int

const (
	ModeCopy Mode = iota
	ModeMove
)

func (m Mode) String() string {
	if m == ModeMove {
		return "move"
	}
	return "copy"
}

// FS performs transfers with a bounded number of parallel file copies.
type FS struct {
	workers int
	// removeRetries bounds retries of a failing removal. Windows keeps a
	// file locked for a short while after the owning process exits.
	removeRetries uint64
	removeBackoff time.Duration
}

// New creates an FS copying with up to workers files in parallel.
func New(workers int) *FS {
	if workers < 1 {
		workers = 1
	}
	return &FS{
		workers:       workers,
		removeRetries: 5,
		removeBackoff: 200 * time.Millisecond,
	}
}

type fileJob struct {
	src  string
	dst  string
	info fs.FileInfo
}

// TransferFolder copies (or moves) every entry of src into dst, preserving
// directory structure, file modes and modification times. dst is created if
// missing. With overwrite false an existing destination file is an error.
// Directories and symlinks are created first; file contents are copied in
// parallel and all copies finish before TransferFolder returns.
func (f *FS) TransferFolder(ctx context.Context, src, dst string, mode Mode, overwrite bool) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source %s: %w", src, err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source %s is not a directory", src)
	}
	if err := os.MkdirAll(dst, srcInfo.Mode().Perm()|0700); err != nil {
		return fmt.Errorf("create destination %s: %w", dst, err)
	}

	var jobs []fileJob
	walkErr := filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("read info for %s: %w", path, err)
		}

		switch {
		case entry.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()|0700); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case entry.Type()&os.ModeSymlink != 0:
			return copySymlink(path, target, overwrite)
		case info.Mode().IsRegular():
			jobs = append(jobs, fileJob{src: path, dst: target, info: info})
		default:
			log.Debug("skipping non-regular file", "path", path, "mode", info.Mode().String())
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("walk %s: %w", src, walkErr)
	}

	if err := f.copyAll(ctx, jobs, overwrite); err != nil {
		return err
	}

	if mode == ModeMove {
		if err := os.RemoveAll(src); err != nil {
			return fmt.Errorf("remove source after move %s: %w", src, err)
		}
	}

	log.Debug("folder transferred", "src", src, "dst", dst, "mode", mode.String(), "files", len(jobs))
	return nil
}

func (f *FS) copyAll(ctx context.Context, jobs []fileJob, overwrite bool) error {
	if len(jobs) == 0 {
		return nil
	}
	pool := workerpool.New(ctx, f.workers, f.workers*2)
	for _, job := range jobs {
		err := pool.Submit(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return copyFile(job.src, job.dst, job.info, overwrite)
		})
		if err != nil {
			break
		}
	}
	return pool.Wait()
}

// EmptyFolder removes every entry inside path, leaving path itself in place.
// A missing folder is created. Removals that fail are retried with backoff.
func (f *FS) EmptyFolder(ctx context.Context, path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return os.MkdirAll(path, 0755)
		}
		return fmt.Errorf("read folder %s: %w", path, err)
	}

	var errs []error
	for _, entry := range entries {
		target := filepath.Join(path, entry.Name())
		if err := f.removeWithRetry(ctx, target); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

func (f *FS) removeWithRetry(ctx context.Context, target string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.removeBackoff
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := os.RemoveAll(target)
		if err != nil && attempt > 1 {
			log.Debug("remove retry failed", "path", target, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, f.removeRetries), ctx))
}

// SetPermissions sets the mode of path and, where supported, its owner and
// group. uid or gid of -1 leaves that value unchanged. On platforms without
// POSIX permissions only the mode call is attempted and ownership is ignored.
func SetPermissions(path string, mode os.FileMode, uid, gid int) error {
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return chown(path, uid, gid)
}

// SetPermissions is the method form used through interfaces.
func (f *FS) SetPermissions(path string, mode os.FileMode, uid, gid int) error {
	return SetPermissions(path, mode, uid, gid)
}

func copyFile(srcPath, dstPath string, info fs.FileInfo, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", dstPath, err)
	}

	dst, err := os.OpenFile(dstPath, flags, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dstPath, err)
	}

	_, err = io.Copy(dst, src)
	if syncErr := dst.Sync(); err == nil {
		err = syncErr
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", srcPath, dstPath, err)
	}

	// O_TRUNC keeps the old mode of an overwritten file.
	if err := os.Chmod(dstPath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", dstPath, err)
	}
	return os.Chtimes(dstPath, info.ModTime(), info.ModTime())
}

func copySymlink(srcPath, dstPath string, overwrite bool) error {
	target, err := os.Readlink(srcPath)
	if err != nil {
		return fmt.Errorf("read link %s: %w", srcPath, err)
	}
	if _, err := os.Lstat(dstPath); err == nil {
		if !overwrite {
			return fmt.Errorf("create link %s: %w", dstPath, fs.ErrExist)
		}
		if err := os.RemoveAll(dstPath); err != nil {
			return fmt.Errorf("replace link %s: %w", dstPath, err)
		}
	}
	if err := os.Symlink(target, dstPath); err != nil {
		return fmt.Errorf("create link %s: %w", dstPath, err)
	}
	return nil
}
