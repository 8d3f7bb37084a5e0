package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureProvider mirrors snapshots to an Azure Blob Storage container.
type AzureProvider struct {
	Container string
	Prefix    string

	client *azblob.Client
}

// NewAzureProvider creates an AzureProvider from a storage account
// connection string.
func NewAzureProvider(connectionString, container, prefix string) (*AzureProvider, error) {
	if connectionString == "" || container == "" {
		return nil, errors.New("azure connection string and container are required")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &AzureProvider{Container: container, Prefix: prefix, client: client}, nil
}

// Upload sends a local file to the container.
func (a *AzureProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := a.client.UploadFile(ctx, a.Container, joinKey(a.Prefix, remotePath), f, nil); err != nil {
		return fmt.Errorf("azure upload %s: %w", remotePath, err)
	}
	return nil
}

// Download retrieves a blob into localPath.
func (a *AzureProvider) Download(ctx context.Context, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	_, err = a.client.DownloadFile(ctx, a.Container, joinKey(a.Prefix, remotePath), f, nil)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(localPath)
		return fmt.Errorf("azure download %s: %w", remotePath, err)
	}
	return nil
}

// List returns blob names under prefix, relative to the provider prefix.
func (a *AzureProvider) List(ctx context.Context, prefix string) ([]string, error) {
	full := joinKey(a.Prefix, prefix)
	pager := a.client.NewListBlobsFlatPager(a.Container, &azblob.ListBlobsFlatOptions{Prefix: &full})

	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, trimKey(a.Prefix, *item.Name))
			}
		}
	}
	return keys, nil
}

// Delete removes a blob. A missing blob is not an error.
func (a *AzureProvider) Delete(ctx context.Context, remotePath string) error {
	_, err := a.client.DeleteBlob(ctx, a.Container, joinKey(a.Prefix, remotePath), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("azure delete %s: %w", remotePath, err)
	}
	return nil
}
