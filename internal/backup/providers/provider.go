// Package providers implements snapshot storage backends: the local snapshot
// store and the optional off-box mirrors.
package providers

import (
	"context"
	"path"
	"strings"
)

// BackupProvider stores snapshot objects under slash-separated keys.
type BackupProvider interface {
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, remotePath string) error
}

// joinKey prefixes key with an optional remote prefix.
func joinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

// trimKey strips the remote prefix from a listed key.
func trimKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}
