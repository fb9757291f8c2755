package storage

import (
	"context"
	"time"
)

// ObjectInfo describes one archived object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// UploadOptions conveys the archive destination.
type UploadOptions struct {
	Bucket    string
	KeyPrefix string
}

// Service archives finished conversion outputs in remote object storage.
type Service interface {
	UploadFile(ctx context.Context, localPath string, opts UploadOptions) (string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}
