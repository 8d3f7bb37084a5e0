package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSProvider mirrors snapshots to a Google Cloud Storage bucket.
type GCSProvider struct {
	Bucket string
	Prefix string

	client *storage.Client
}

// NewGCSProvider creates a GCSProvider. An empty credentialsFile uses
// application default credentials.
func NewGCSProvider(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSProvider, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSProvider{Bucket: bucket, Prefix: prefix, client: client}, nil
}

func (g *GCSProvider) object(key string) *storage.ObjectHandle {
	return g.client.Bucket(g.Bucket).Object(joinKey(g.Prefix, key))
}

// Upload sends a local file to the bucket.
func (g *GCSProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	w := g.object(remotePath).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs upload %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload %s: %w", remotePath, err)
	}
	return nil
}

// Download retrieves an object into localPath.
func (g *GCSProvider) Download(ctx context.Context, remotePath, localPath string) error {
	r, err := g.object(remotePath).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("gcs open %s: %w", remotePath, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(localPath)
		return fmt.Errorf("gcs download %s: %w", remotePath, err)
	}
	return nil
}

// List returns keys under prefix, relative to the provider prefix.
func (g *GCSProvider) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.Bucket).Objects(ctx, &storage.Query{Prefix: joinKey(g.Prefix, prefix)})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list %s: %w", prefix, err)
		}
		keys = append(keys, trimKey(g.Prefix, attrs.Name))
	}
	return keys, nil
}

// Delete removes an object. A missing object is not an error.
func (g *GCSProvider) Delete(ctx context.Context, remotePath string) error {
	err := g.object(remotePath).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", remotePath, err)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCSProvider) Close() error {
	return g.client.Close()
}
