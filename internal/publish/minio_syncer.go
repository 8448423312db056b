package publish

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/webordinary/edit-worker/internal/logging"
)

// MinioSyncer mirrors the dist/ tree directly through an S3-compatible
// SDK client rather than shelling out to the AWS CLI, for environments
// where only object-storage credentials (not the CLI binary) are
// available. It implements the same delete-stale-objects semantics as
// CLISyncer.
type MinioSyncer struct {
	client *minio.Client
	logger logging.Logger
}

// NewMinioSyncer builds a client against an S3-compatible endpoint.
func NewMinioSyncer(endpoint, accessKey, secretKey string, useSSL bool) (*MinioSyncer, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("construct object storage client: %w", err)
	}
	return &MinioSyncer{client: client, logger: logging.NewComponentLogger("Publisher/MinioSync")}, nil
}

// Sync walks localDir/dist, uploading every file and then deleting any
// bucket object with no local counterpart. A context cancellation mid-walk
// stops further uploads but does not undo what already landed, matching
// the partial-sync-on-interrupt policy.
func (s *MinioSyncer) Sync(ctx context.Context, localDir, bucket string) (*SyncStats, error) {
	root := filepath.Join(localDir, "dist")
	stats := &SyncStats{}
	uploadedKeys := make(map[string]struct{})

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)

		contentType := mime.TypeByExtension(filepath.Ext(path))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if _, err := s.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: contentType}); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		uploadedKeys[key] = struct{}{}
		stats.Uploaded++
		return nil
	})
	if walkErr != nil && ctx.Err() == nil {
		return stats, walkErr
	}
	if ctx.Err() != nil {
		return stats, nil
	}

	toDelete, err := s.staleObjects(ctx, bucket, uploadedKeys)
	if err != nil {
		return stats, err
	}
	for _, key := range toDelete {
		if ctx.Err() != nil {
			break
		}
		if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
			s.logger.Warn("failed to delete stale object %s: %v", key, err)
			continue
		}
		stats.Deleted++
	}
	return stats, nil
}

func (s *MinioSyncer) staleObjects(ctx context.Context, bucket string, current map[string]struct{}) ([]string, error) {
	var stale []string
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		key := strings.TrimPrefix(obj.Key, "/")
		if _, ok := current[key]; !ok {
			stale = append(stale, obj.Key)
		}
	}
	return stale, nil
}
