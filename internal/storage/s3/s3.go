package s3

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cineshorts/internal/storage"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config 包含 S3/MinIO 存储所需的配置。
type Config struct {
	Endpoint  string // 不含协议，如 "localhost:9000" 或 "s3.amazonaws.com"
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool // 是否使用 HTTPS
	PathStyle bool // 是否使用路径风格（MinIO 需要 true）
}

// Storage 实现了 storage.Storage 接口，使用 S3 兼容存储。
type Storage struct {
	client *minio.Client
	bucket string
}

// New 创建新的 S3 存储实例，bucket 不存在时自动创建。
func New(ctx context.Context, cfg Config) (*Storage, error) {
	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{
			Region: cfg.Region,
		}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Storage{client: client, bucket: cfg.Bucket}, nil
}

// objectKey 规范化 key，去掉前导斜杠和 ".." 片段。
func objectKey(key string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(key, "\\", "/")), "/")
}

// Write 将对象写入 S3 存储。
func (s *Storage) Write(ctx context.Context, key string, r io.Reader, contentType string) (storage.Location, error) {
	if s == nil || s.client == nil {
		return storage.Location{}, fmt.Errorf("s3 storage uninitialized")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	cleanKey := objectKey(key)
	if cleanKey == "" {
		return storage.Location{}, fmt.Errorf("empty storage key")
	}

	// -1 表示未知大小，由 SDK 分片上传
	info, err := s.client.PutObject(ctx, s.bucket, cleanKey, r, -1, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return storage.Location{}, fmt.Errorf("put object: %w", err)
	}

	return storage.Location{
		Path: cleanKey,
		URL:  fmt.Sprintf("s3://%s/%s", s.bucket, info.Key),
	}, nil
}

// Read 从 S3 存储读取对象。
func (s *Storage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 storage uninitialized")
	}

	cleanKey := objectKey(key)
	obj, err := s.client.GetObject(ctx, s.bucket, cleanKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}

	// GetObject 是惰性的，先 Stat 确认对象存在
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.statError(key, err)
	}

	return obj, nil
}

// Stat 返回对象大小与上传时记录的内容类型。
func (s *Storage) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if s == nil || s.client == nil {
		return storage.ObjectInfo{}, fmt.Errorf("s3 storage uninitialized")
	}

	info, err := s.client.StatObject(ctx, s.bucket, objectKey(key), minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, s.statError(key, err)
	}
	return storage.ObjectInfo{Key: key, Size: info.Size, ContentType: info.ContentType}, nil
}

func (s *Storage) statError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return fmt.Errorf("stat object: %w", err)
}
