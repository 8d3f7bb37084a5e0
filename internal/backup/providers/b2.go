package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider mirrors snapshots to a Backblaze B2 bucket.
type B2Provider struct {
	Prefix string

	bucket *b2.Bucket
}

// NewB2Provider creates a B2Provider using an application key.
func NewB2Provider(ctx context.Context, keyID, applicationKey, bucket, prefix string) (*B2Provider, error) {
	if keyID == "" || applicationKey == "" || bucket == "" {
		return nil, errors.New("b2 key id, application key and bucket are required")
	}
	client, err := b2.NewClient(ctx, keyID, applicationKey)
	if err != nil {
		return nil, fmt.Errorf("create b2 client: %w", err)
	}
	b, err := client.Bucket(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("open b2 bucket %s: %w", bucket, err)
	}
	return &B2Provider{Prefix: prefix, bucket: b}, nil
}

// Upload sends a local file to the bucket.
func (p *B2Provider) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	w := p.bucket.Object(joinKey(p.Prefix, remotePath)).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("b2 upload %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 upload %s: %w", remotePath, err)
	}
	return nil
}

// Download retrieves an object into localPath.
func (p *B2Provider) Download(ctx context.Context, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}

	r := p.bucket.Object(joinKey(p.Prefix, remotePath)).NewReader(ctx)
	_, err = io.Copy(f, r)
	if closeErr := r.Close(); err == nil {
		err = closeErr
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(localPath)
		return fmt.Errorf("b2 download %s: %w", remotePath, err)
	}
	return nil
}

// List returns keys under prefix, relative to the provider prefix.
func (p *B2Provider) List(ctx context.Context, prefix string) ([]string, error) {
	iter := p.bucket.List(ctx, b2.ListPrefix(joinKey(p.Prefix, prefix)))
	var keys []string
	for iter.Next() {
		keys = append(keys, trimKey(p.Prefix, iter.Object().Name()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("b2 list %s: %w", prefix, err)
	}
	return keys, nil
}

// Delete removes an object. A missing object is not an error.
func (p *B2Provider) Delete(ctx context.Context, remotePath string) error {
	err := p.bucket.Object(joinKey(p.Prefix, remotePath)).Delete(ctx)
	if err != nil && !b2.IsNotExist(err) {
		return fmt.Errorf("b2 delete %s: %w", remotePath, err)
	}
	return nil
}
