package backup

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"time"

	"github.com/breeze-rmm/installer/internal/backup/providers"
)

const (
	snapshotRootDir     = "snapshots"
	snapshotFilesDir    = "files"
	snapshotManifestKey = "manifest.json"
)

// SnapshotKind separates installation snapshots from app-data snapshots.
type SnapshotKind string

const (
	KindInstall SnapshotKind = "install"
	KindAppData SnapshotKind = "appdata"
)

// Snapshot is a point-in-time copy of one folder.
type Snapshot struct {
	ID         string         `json:"id"`
	Kind       SnapshotKind   `json:"kind"`
	Timestamp  time.Time      `json:"timestamp"`
	SourceRoot string         `json:"sourceRoot"`
	Files      []SnapshotFile `json:"files"`
	Dirs       []SnapshotDir  `json:"dirs,omitempty"`
	Links      []SnapshotLink `json:"links,omitempty"`
	Size       int64          `json:"size"`
}

// SnapshotFile captures metadata for a backed up file. Path is relative to
// the snapshot's source root, slash separated.
type SnapshotFile struct {
	Path       string      `json:"path"`
	BackupPath string      `json:"backupPath"`
	Size       int64       `json:"size"`
	Mode       fs.FileMode `json:"mode"`
	ModTime    time.Time   `json:"modTime"`
}

// SnapshotDir records a directory so empty ones survive a restore.
type SnapshotDir struct {
	Path string      `json:"path"`
	Mode fs.FileMode `json:"mode"`
}

// SnapshotLink records a symbolic link.
type SnapshotLink struct {
	Path   string `json:"path"`
	Target string `json:"target"`
}

func snapshotPrefix(kind SnapshotKind, id string) string {
	return path.Join(snapshotRootDir, string(kind), id)
}

// fileKey always appends ".gz" so "a" and "a.gz" in one tree stay distinct.
func fileKey(kind SnapshotKind, id, rel string) string {
	return path.Join(snapshotPrefix(kind, id), snapshotFilesDir, rel) + ".gz"
}

func manifestKey(kind SnapshotKind, id string) string {
	return path.Join(snapshotPrefix(kind, id), snapshotManifestKey)
}

// ListSnapshots returns the snapshots of kind held by provider, oldest first.
// Snapshots whose manifest is missing were never completed and are not
// listed.
func ListSnapshots(ctx context.Context, provider providers.BackupProvider, kind SnapshotKind) ([]Snapshot, error) {
	if provider == nil {
		return nil, errors.New("backup provider is required")
	}

	items, err := provider.List(ctx, path.Join(snapshotRootDir, string(kind)))
	if err != nil {
		return nil, err
	}

	var snapshots []Snapshot
	var errs []error
	for _, item := range items {
		if !isManifestPath(item) {
			continue
		}
		snapshot, err := readManifest(ctx, provider, item)
		if err != nil {
			errs = append(errs, err)
			log.Warn("snapshot manifest unreadable", "key", item, "error", err.Error())
			continue
		}
		snapshots = append(snapshots, *snapshot)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].Timestamp.Equal(snapshots[j].Timestamp) {
			return snapshots[i].ID < snapshots[j].ID
		}
		return snapshots[i].Timestamp.Before(snapshots[j].Timestamp)
	})

	if len(snapshots) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return snapshots, errors.Join(errs...)
}

func readManifest(ctx context.Context, provider providers.BackupProvider, key string) (*Snapshot, error) {
	tempFile, err := os.CreateTemp("", "snapshot-manifest-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tempPath := tempFile.Name()
	_ = tempFile.Close()
	defer os.Remove(tempPath)

	if err := provider.Download(ctx, key, tempPath); err != nil {
		return nil, fmt.Errorf("failed to download manifest %s: %w", key, err)
	}
	data, err := os.ReadFile(tempPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", key, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", key, err)
	}
	return &snapshot, nil
}

func writeManifest(ctx context.Context, provider providers.BackupProvider, snapshot *Snapshot) error {
	tempFile, err := os.CreateTemp("", "snapshot-manifest-*.json")
	if err != nil {
		return fmt.Errorf("failed to create snapshot manifest: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	encoder := json.NewEncoder(tempFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snapshot); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("failed to encode snapshot manifest: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot manifest: %w", err)
	}
	if err := provider.Upload(ctx, tempPath, manifestKey(snapshot.Kind, snapshot.ID)); err != nil {
		return fmt.Errorf("failed to upload snapshot manifest: %w", err)
	}
	return nil
}

// deleteSnapshot removes every object of one snapshot, manifest first so a
// half-deleted snapshot is never listed.
func deleteSnapshot(ctx context.Context, provider providers.BackupProvider, kind SnapshotKind, id string) error {
	if err := provider.Delete(ctx, manifestKey(kind, id)); err != nil {
		return fmt.Errorf("failed to delete manifest of %s: %w", id, err)
	}
	items, err := provider.List(ctx, snapshotPrefix(kind, id))
	if err != nil {
		return fmt.Errorf("failed to list snapshot %s: %w", id, err)
	}
	var errs []error
	for _, item := range items {
		if err := provider.Delete(ctx, item); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", item, err))
		}
	}
	return errors.Join(errs...)
}

// pruneSnapshots deletes the oldest snapshots of kind beyond retention. keep
// is never deleted.
func pruneSnapshots(ctx context.Context, provider providers.BackupProvider, kind SnapshotKind, retention int, keep string) ([]string, error) {
	if retention <= 0 {
		return nil, nil
	}
	snapshots, err := ListSnapshots(ctx, provider, kind)
	if err != nil && len(snapshots) == 0 {
		return nil, err
	}
	if len(snapshots) <= retention {
		return nil, err
	}

	var deleted []string
	var errs []error
	for _, snapshot := range snapshots[:len(snapshots)-retention] {
		if snapshot.ID == keep {
			continue
		}
		if delErr := deleteSnapshot(ctx, provider, kind, snapshot.ID); delErr != nil {
			errs = append(errs, delErr)
			continue
		}
		deleted = append(deleted, snapshot.ID)
	}
	return deleted, errors.Join(err, errors.Join(errs...))
}

func isManifestPath(item string) bool {
	return path.Base(path.Clean(item)) == snapshotManifestKey
}

func newSnapshotID(kind SnapshotKind) string {
	random := make([]byte, 4)
	_, _ = rand.Read(random)
	return fmt.Sprintf("%s-%s-%x", kind, time.Now().UTC().Format("20060102T150405Z"), random)
}
