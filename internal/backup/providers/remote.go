package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/breeze-rmm/installer/internal/config"
)

// NewRemote builds the mirror provider named by cfg. It returns nil when no
// mirror is configured.
func NewRemote(ctx context.Context, cfg config.RemoteBackup) (BackupProvider, error) {
	var (
		p   BackupProvider
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "s3":
		p, err = NewS3Provider(ctx, S3Options{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			Prefix:          cfg.Prefix,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	case "gcs":
		p, err = NewGCSProvider(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsFile)
	case "azure":
		p, err = NewAzureProvider(cfg.ConnString, cfg.Bucket, cfg.Prefix)
	case "b2":
		p, err = NewB2Provider(ctx, cfg.AccessKeyID, cfg.SecretAccessKey, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown remote backup provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
