package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore 本地目录存储
type LocalStore struct {
	root string
}

// NewLocalStore 创建本地存储，root 不存在时自动创建
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create content root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Root 内容根目录
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) abs(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

func (s *LocalStore) Save(ctx context.Context, kind, filename string, r io.Reader, size int64, contentType string) (string, error) {
	rel := NewAssetPath(kind, filename)
	if err := s.write(rel, r); err != nil {
		return "", err
	}
	return rel, nil
}

func (s *LocalStore) write(rel string, r io.Reader) error {
	dst, err := s.abs(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create asset dir: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create asset: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(dst)
		return fmt.Errorf("write asset: %w", err)
	}
	return f.Close()
}

func (s *LocalStore) Copy(ctx context.Context, src string) (string, error) {
	in, err := s.Open(ctx, src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	rel := copyPath(src)
	if err := s.write(rel, in); err != nil {
		return "", err
	}
	return rel, nil
}

func (s *LocalStore) Delete(ctx context.Context, p string) error {
	full, err := s.abs(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, p string) (bool, error) {
	full, err := s.abs(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (s *LocalStore) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	full, err := s.abs(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("open asset: %w", err)
	}
	return f, nil
}

var _ Store = (*LocalStore)(nil)
