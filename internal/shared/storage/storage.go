// Package storage 图片资源存储，按内容根目录下的相对路径寻址
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotExist 资源不存在
	ErrNotExist = errors.New("asset does not exist")
	// ErrInvalidPath 路径为空、为绝对路径或越出内容根目录
	ErrInvalidPath = errors.New("invalid asset path")
)

// Store 资源存储。Delete 对不存在的资源返回 nil
type Store interface {
	// Save 写入新资源，返回生成的相对路径；filename 只用于取扩展名
	Save(ctx context.Context, kind, filename string, r io.Reader, size int64, contentType string) (string, error)
	// Copy 复制为新的物理文件，返回新路径；源不存在时返回 ErrNotExist
	Copy(ctx context.Context, src string) (string, error)
	Delete(ctx context.Context, p string) error
	Exists(ctx context.Context, p string) (bool, error)
	Open(ctx context.Context, p string) (io.ReadCloser, error)
}

// NewAssetPath 生成 kind/yyyy/mm/<id><ext> 形式的相对路径
func NewAssetPath(kind, filename string) string {
	now := time.Now()
	ext := strings.ToLower(filepath.Ext(filename))
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return path.Join(kind, fmt.Sprintf("%d", now.Year()), fmt.Sprintf("%02d", now.Month()), id+ext)
}

// CleanPath 规范化相对路径并拒绝越界路径
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// ContentType 按扩展名推断图片类型
func ContentType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".webp":
		return "image/webp"
	case ".svg":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}

// copyPath 为副本生成新路径，沿用源路径的 kind 与扩展名
func copyPath(src string) string {
	cleaned, err := CleanPath(src)
	if err != nil {
		return NewAssetPath("copy", src)
	}
	kind := path.Dir(path.Dir(path.Dir(cleaned)))
	if kind == "." || kind == "/" {
		kind = "copy"
	}
	return NewAssetPath(kind, cleaned)
}

func objectKey(prefix, p string) string {
	if prefix == "" {
		return p
	}
	return strings.TrimSuffix(prefix, "/") + "/" + p
}
