package storage

import (
	"context"
	"fmt"

	"github.com/bitfantasy/nimo-mes/internal/config"
	"go.uber.org/zap"
)

// 存储驱动
const (
	DriverLocal = "local"
	DriverMinIO = "minio"
	DriverS3    = "s3"
)

// New 按配置创建资源存储
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Storage.Driver {
	case "", DriverLocal:
		s, err := NewLocalStore(cfg.Storage.Root)
		if err != nil {
			return nil, err
		}
		logger.Info("Local asset store initialized", zap.String("root", s.Root()))
		return s, nil
	case DriverMinIO:
		return NewMinIOStore(ctx, MinIOOptions{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
			Prefix:    cfg.Storage.Prefix,
		}, logger)
	case DriverS3:
		s, err := NewS3Store(ctx, S3Options{
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
			Prefix:    cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("S3 asset store initialized", zap.String("bucket", cfg.S3.Bucket))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
