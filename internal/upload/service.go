// Package upload stores chat attachments in an S3-compatible bucket.
package upload

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxFileSize caps attachment uploads at 10MB.
const MaxFileSize = 10 << 20

var allowedExtensions = map[string]struct{}{
	".jpeg": {}, ".jpg": {}, ".png": {}, ".gif": {}, ".pdf": {},
	".mp4": {}, ".mp3": {}, ".wav": {}, ".webm": {}, ".ogg": {},
}

// AllowedExtension reports whether the filename carries an accepted extension.
func AllowedExtension(filename string) bool {
	_, ok := allowedExtensions[strings.ToLower(path.Ext(filename))]
	return ok
}

// Service provides attachment storage on MinIO.
type Service struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// New connects to MinIO and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, publicURL string) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + endpoint
	}

	return &Service{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// IsConfigured returns true when the service can store files.
func (s *Service) IsConfigured() bool {
	return s != nil && s.client != nil
}

// Store writes the attachment under a unique object name and returns the URL
// to serve it from.
func (s *Service) Store(ctx context.Context, filename, contentType string, size int64, reader io.Reader) (string, error) {
	if !s.IsConfigured() {
		return "", fmt.Errorf("upload storage not configured")
	}
	if !AllowedExtension(filename) {
		return "", fmt.Errorf("unsupported file type")
	}
	if size > MaxFileSize {
		return "", fmt.Errorf("file exceeds %d bytes", MaxFileSize)
	}

	objectName := fmt.Sprintf("file-%d-%09d%s", time.Now().UnixMilli(), rand.Intn(1e9), strings.ToLower(path.Ext(filename)))
	if _, err := s.client.PutObject(ctx, s.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("store attachment: %w", err)
	}

	return s.publicURL + "/" + s.bucket + "/" + objectName, nil
}
