// Package minio mirrors resolved artifacts into an S3 compatible bucket.
package minio

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	config "github.com/yeepay/aigc-broker/config/utils"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.uber.org/zap"
)

const defaultBucket = "aigc-artifacts"

type artifactMirror struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// NewArtifactMirror connects to the endpoint and makes sure the bucket exists
func NewArtifactMirror(ctx context.Context, cfg *config.MinIO, log *zap.Logger) (port.ArtifactMirror, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when the artifact mirror is enabled")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
		log.Info("Created artifact bucket", zap.String("bucket", bucket))
	}
	return &artifactMirror{client: client, bucket: bucket, log: log}, nil
}

// ObjectName keys mirrored artifacts by task so a delete can drop them by prefix
func ObjectName(taskID, relPath string) string {
	return path.Join(taskID, path.Base(filepath.ToSlash(relPath)))
}

func (m *artifactMirror) Mirror(ctx context.Context, taskID string, localPath, relPath string) error {
	objectName := ObjectName(taskID, relPath)
	contentType := mime.TypeByExtension(path.Ext(objectName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := m.client.FPutObject(ctx, m.bucket, objectName, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return err
	}
	m.log.Debug("Mirrored artifact", zap.String("task_id", taskID), zap.String("object", objectName), zap.Int64("size", info.Size))
	return nil
}

func (m *artifactMirror) Remove(ctx context.Context, taskID string) error {
	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: taskID + "/", Recursive: true})
	for obj := range objects {
		if obj.Err != nil {
			return obj.Err
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}
