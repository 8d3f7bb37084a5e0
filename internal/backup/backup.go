// Package backup snapshots the installation and app-data folders before an
// install and restores the installation when the install fails.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/installer/internal/backup/providers"
	"github.com/breeze-rmm/installer/internal/installerr"
	"github.com/breeze-rmm/installer/internal/logging"
	"github.com/breeze-rmm/installer/internal/workerpool"
)

var log = logging.L("backup")

// Emptier clears a folder before a restore writes into it.
type Emptier interface {
	EmptyFolder(ctx context.Context, path string) error
}

// Config wires a Manager.
type Config struct {
	// Store is the local snapshot store; restore always reads from it.
	Store *providers.LocalProvider
	// Mirror optionally receives a copy of every completed snapshot.
	Mirror     providers.BackupProvider
	AppDataDir string
	Retention  int
	Workers    int
	Emptier    Emptier
}

// Manager creates and restores snapshots for one install run.
type Manager struct {
	config Config

	mu     sync.Mutex
	latest map[SnapshotKind]*Snapshot
}

// NewManager creates a Manager.
func NewManager(config Config) *Manager {
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Manager{config: config, latest: make(map[SnapshotKind]*Snapshot)}
}

// Backup snapshots the installation folder. Either every file is stored and
// the manifest written, or the partial snapshot is removed and a
// BackupFailed error returned.
func (m *Manager) Backup(ctx context.Context, installFolder string) (*Snapshot, error) {
	snapshot, err := m.create(ctx, KindInstall, installFolder)
	if err != nil {
		return nil, installerr.New(installerr.BackupFailed, "backup installation", installFolder, err)
	}
	return snapshot, nil
}

// BackupAppData snapshots the app-data folder. A missing or unconfigured
// folder is skipped and yields a nil snapshot.
func (m *Manager) BackupAppData(ctx context.Context) (*Snapshot, error) {
	dir := m.config.AppDataDir
	if dir == "" {
		return nil, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Info("app data folder missing, skipping", "path", dir)
			return nil, nil
		}
		return nil, installerr.New(installerr.BackupFailed, "backup app data", dir, err)
	}
	if !info.IsDir() {
		return nil, installerr.New(installerr.BackupFailed, "backup app data", dir, errors.New("not a directory"))
	}

	snapshot, err := m.create(ctx, KindAppData, dir)
	if err != nil {
		return nil, installerr.New(installerr.BackupFailed, "backup app data", dir, err)
	}
	return snapshot, nil
}

// Restore reinstates the installation snapshot taken by this Manager, or the
// newest stored one when this Manager has not taken any. The folder is
// emptied first so files added by a failed install do not survive.
func (m *Manager) Restore(ctx context.Context, installFolder string) error {
	snapshot, err := m.restoreSource(ctx)
	if err != nil {
		return installerr.New(installerr.RestoreFailed, "restore installation", installFolder, err)
	}
	if err := m.RestoreSnapshot(ctx, snapshot, installFolder); err != nil {
		return installerr.New(installerr.RestoreFailed, "restore installation", installFolder, err)
	}
	return nil
}

// Latest returns the snapshot of kind taken by this Manager, if any.
func (m *Manager) Latest(kind SnapshotKind) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest[kind]
}

// List returns stored snapshots of kind, oldest first.
func (m *Manager) List(ctx context.Context, kind SnapshotKind) ([]Snapshot, error) {
	return ListSnapshots(ctx, m.config.Store, kind)
}

func (m *Manager) restoreSource(ctx context.Context) (*Snapshot, error) {
	if s := m.Latest(KindInstall); s != nil {
		return s, nil
	}
	snapshots, err := m.List(ctx, KindInstall)
	if len(snapshots) == 0 {
		if err != nil {
			return nil, err
		}
		return nil, errors.New("no installation snapshot available")
	}
	return &snapshots[len(snapshots)-1], nil
}

// RestoreSnapshot writes snapshot back into folder.
func (m *Manager) RestoreSnapshot(ctx context.Context, snapshot *Snapshot, folder string) error {
	if m.config.Store == nil {
		return errors.New("backup store is required")
	}
	if snapshot == nil {
		return errors.New("snapshot is required")
	}
	start := time.Now()
	logger := log.With(logging.KeySnapshotID, snapshot.ID, logging.KeyInstallFolder, folder)

	if m.config.Emptier != nil {
		if err := m.config.Emptier.EmptyFolder(ctx, folder); err != nil {
			return fmt.Errorf("empty %s: %w", folder, err)
		}
	} else if err := emptyFolder(folder); err != nil {
		return fmt.Errorf("empty %s: %w", folder, err)
	}

	for _, dir := range snapshot.Dirs {
		target, err := within(folder, dir.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(target, dir.Mode.Perm()|0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", target, err)
		}
	}

	pool := workerpool.New(ctx, m.config.Workers, m.config.Workers*2)
	for _, file := range snapshot.Files {
		target, err := within(folder, file.Path)
		if err != nil {
			_ = pool.Wait()
			return err
		}
		err = pool.Submit(func(ctx context.Context) error {
			if err := m.config.Store.Download(ctx, file.BackupPath, target); err != nil {
				return fmt.Errorf("restore %s: %w", file.Path, err)
			}
			if err := os.Chmod(target, file.Mode.Perm()); err != nil {
				return fmt.Errorf("chmod %s: %w", target, err)
			}
			return os.Chtimes(target, file.ModTime, file.ModTime)
		})
		if err != nil {
			break
		}
	}
	if err := pool.Wait(); err != nil {
		return err
	}

	for _, link := range snapshot.Links {
		target, err := within(folder, link.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", target, err)
		}
		if err := os.Symlink(link.Target, target); err != nil {
			return fmt.Errorf("restore link %s: %w", link.Path, err)
		}
	}

	for _, dir := range snapshot.Dirs {
		target, _ := within(folder, dir.Path)
		if err := os.Chmod(target, dir.Mode.Perm()); err != nil {
			logger.Warn("failed to restore directory mode", "path", target, "error", err.Error())
		}
	}

	logger.Info("snapshot restored", "files", len(snapshot.Files), logging.KeyDurationMs, time.Since(start).Milliseconds())
	return nil
}

func (m *Manager) create(ctx context.Context, kind SnapshotKind, root string) (*Snapshot, error) {
	if m.config.Store == nil {
		return nil, errors.New("backup store is required")
	}
	start := time.Now()
	snapshot := &Snapshot{
		ID:         newSnapshotID(kind),
		Kind:       kind,
		Timestamp:  start.UTC(),
		SourceRoot: root,
	}
	logger := log.With(logging.KeySnapshotID, snapshot.ID, "kind", string(kind))

	if err := m.populate(ctx, snapshot, root); err != nil {
		if delErr := deleteSnapshot(context.WithoutCancel(ctx), m.config.Store, kind, snapshot.ID); delErr != nil {
			logger.Warn("failed to remove partial snapshot", "error", delErr.Error())
		}
		return nil, err
	}

	m.mu.Lock()
	m.latest[kind] = snapshot
	m.mu.Unlock()

	logger.Info("snapshot created",
		"source", root,
		"files", len(snapshot.Files),
		"bytes", snapshot.Size,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)

	if deleted, err := pruneSnapshots(ctx, m.config.Store, kind, m.config.Retention, snapshot.ID); err != nil {
		logger.Warn("snapshot pruning incomplete", "error", err.Error())
	} else if len(deleted) > 0 {
		logger.Info("pruned old snapshots", "deleted", deleted)
	}

	if m.config.Mirror != nil {
		m.mirror(ctx, snapshot, logger)
	}
	return snapshot, nil
}

func (m *Manager) populate(ctx context.Context, snapshot *Snapshot, root string) error {
	var mu sync.Mutex
	pool := workerpool.New(ctx, m.config.Workers, m.config.Workers*2)

	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := pool.Context().Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("read info for %s: %w", path, err)
		}

		switch {
		case entry.IsDir():
			snapshot.Dirs = append(snapshot.Dirs, SnapshotDir{Path: rel, Mode: info.Mode().Perm()})
		case entry.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read link %s: %w", path, err)
			}
			snapshot.Links = append(snapshot.Links, SnapshotLink{Path: rel, Target: target})
		case info.Mode().IsRegular():
			file := SnapshotFile{
				Path:       rel,
				BackupPath: fileKey(snapshot.Kind, snapshot.ID, rel),
				Size:       info.Size(),
				Mode:       info.Mode().Perm(),
				ModTime:    info.ModTime(),
			}
			return pool.Submit(func(ctx context.Context) error {
				if err := m.config.Store.Upload(ctx, path, file.BackupPath); err != nil {
					return fmt.Errorf("store %s: %w", path, err)
				}
				mu.Lock()
				snapshot.Files = append(snapshot.Files, file)
				snapshot.Size += file.Size
				mu.Unlock()
				return nil
			})
		default:
			log.Debug("skipping non-regular file", "path", path)
		}
		return nil
	})
	poolErr := pool.Wait()
	if poolErr != nil {
		return poolErr
	}
	if walkErr != nil {
		return fmt.Errorf("walk %s: %w", root, walkErr)
	}

	sort.Slice(snapshot.Files, func(i, j int) bool { return snapshot.Files[i].Path < snapshot.Files[j].Path })
	return writeManifest(ctx, m.config.Store, snapshot)
}

// mirror copies the stored objects of snapshot to the remote provider,
// manifest last. Failures are logged only.
func (m *Manager) mirror(ctx context.Context, snapshot *Snapshot, logger *slog.Logger) {
	keys := make([]string, 0, len(snapshot.Files)+1)
	for _, file := range snapshot.Files {
		keys = append(keys, file.BackupPath)
	}
	keys = append(keys, manifestKey(snapshot.Kind, snapshot.ID))

	for _, key := range keys {
		local, err := m.config.Store.Path(key)
		if err == nil {
			err = m.config.Mirror.Upload(ctx, local, key)
		}
		if err != nil {
			logger.Warn("snapshot mirror failed", "key", key, "error", err.Error())
			return
		}
	}
	if _, err := pruneSnapshots(ctx, m.config.Mirror, snapshot.Kind, m.config.Retention, snapshot.ID); err != nil {
		logger.Warn("remote snapshot pruning incomplete", "error", err.Error())
	}
	logger.Info("snapshot mirrored", "objects", len(keys))
}

// within joins a manifest path onto root, refusing paths that escape it.
func within(root, rel string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, target)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("snapshot path %q escapes %s", rel, root)
	}
	return target, nil
}

func emptyFolder(folder string) error {
	entries, err := os.ReadDir(folder)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return os.MkdirAll(folder, 0o755)
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(folder, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
