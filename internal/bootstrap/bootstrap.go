// Package bootstrap 把配置组装成 cmd 下各程序共用的组件。
package bootstrap

import (
	"context"
	"fmt"

	"cineshorts/internal/config"
	"cineshorts/internal/storage"
	"cineshorts/internal/storage/local"
	"cineshorts/internal/storage/s3"
	"cineshorts/internal/transport"

	"github.com/rs/zerolog"
)

// Transport 按配置创建处理服务客户端。
func Transport(cfg *config.Config, logger zerolog.Logger) (*transport.Client, error) {
	return transport.New(transport.Options{
		BaseURL:        cfg.ServiceURL,
		DeleteStyle:    transport.DeleteStyle(cfg.DeleteStyle),
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		ProcessTimeout: cfg.ProcessTimeout,
	})
}

// Storage 按 STORAGE_DRIVER 打开上传源与导出目标。
func Storage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageDriver {
	case "s3":
		store, err := s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 storage: %w", err)
		}
		return store, nil
	case "local", "":
		return local.New(cfg.StorageDir, ""), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
