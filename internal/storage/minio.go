package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOArtifactStore keeps artifacts in an S3-compatible bucket.
type MinIOArtifactStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOClient connects to a MinIO endpoint with static credentials.
func NewMinIOClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	return client, nil
}

// NewMinIOArtifactStore wraps client and makes sure bucket exists.
func NewMinIOArtifactStore(ctx context.Context, client *minio.Client, bucket string) (*MinIOArtifactStore, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
	}
	return &MinIOArtifactStore{client: client, bucket: bucket}, nil
}

func (s *MinIOArtifactStore) Name() string { return "minio" }

func (s *MinIOArtifactStore) Put(ctx context.Context, key, localPath, contentType string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func (s *MinIOArtifactStore) Open(ctx context.Context, key string) (io.ReadCloser, ArtifactInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ArtifactInfo{}, fmt.Errorf("getting %s: %w", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ArtifactInfo{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
		}
		return nil, ArtifactInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, ArtifactInfo{
		Key:         key,
		Size:        st.Size,
		ContentType: st.ContentType,
		ModTime:     st.LastModified,
	}, nil
}

func (s *MinIOArtifactStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

// Sweep lists the bucket and removes objects by LastModified.
func (s *MinIOArtifactStore) Sweep(ctx context.Context, cutoff time.Time, keep func(key string) bool) (int, error) {
	removed := 0
	var errs []error
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("listing %s: %w", s.bucket, obj.Err)
		}
		if !obj.LastModified.Before(cutoff) || (keep != nil && keep(obj.Key)) {
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", obj.Key, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
