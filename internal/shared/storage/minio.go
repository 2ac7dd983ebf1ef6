package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOStore MinIO 对象存储
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// MinIOOptions MinIO 连接参数
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Prefix    string
}

// NewMinIOStore 连接 MinIO 并确保 bucket 存在
func NewMinIOStore(ctx context.Context, opts MinIOOptions, logger *zap.Logger) (*MinIOStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		logger.Info("MinIO bucket created", zap.String("bucket", opts.Bucket))
	}

	logger.Info("MinIO store initialized",
		zap.String("endpoint", opts.Endpoint),
		zap.String("bucket", opts.Bucket),
	)
	return &MinIOStore{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (s *MinIOStore) key(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return objectKey(s.prefix, cleaned), nil
}

func (s *MinIOStore) Save(ctx context.Context, kind, filename string, r io.Reader, size int64, contentType string) (string, error) {
	rel := NewAssetPath(kind, filename)
	key, err := s.key(rel)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = ContentType(rel)
	}
	if size <= 0 {
		size = -1
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload asset: %w", err)
	}
	return rel, nil
}

func (s *MinIOStore) Copy(ctx context.Context, src string) (string, error) {
	srcKey, err := s.key(src)
	if err != nil {
		return "", err
	}
	ok, err := s.Exists(ctx, src)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotExist
	}

	rel := copyPath(src)
	dstKey, err := s.key(rel)
	if err != nil {
		return "", err
	}
	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: s.bucket, Object: srcKey},
	)
	if err != nil {
		return "", fmt.Errorf("copy asset: %w", err)
	}
	return rel, nil
}

func (s *MinIOStore) Delete(ctx context.Context, p string) error {
	key, err := s.key(p)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isMinIONotFound(err) {
			return nil
		}
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

func (s *MinIOStore) Exists(ctx context.Context, p string) (bool, error) {
	key, err := s.key(p)
	if err != nil {
		return false, err
	}
	_, err = s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMinIONotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat asset: %w", err)
	}
	return true, nil
}

func (s *MinIOStore) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	ok, err := s.Exists(ctx, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotExist
	}
	key, _ := s.key(p)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return obj, nil
}

func isMinIONotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

var _ Store = (*MinIOStore)(nil)
