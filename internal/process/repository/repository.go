package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// 错误定义
var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict 行已被他人修改，或 (part_name, version) 已被占用
	ErrConflict = errors.New("record modified concurrently")
)

// Repositories 仓库集合
type Repositories struct {
	db      *gorm.DB
	Process *ProcessRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:      db,
		Process: NewProcessRepository(db),
	}
}

// DB 返回底层连接
func (r *Repositories) DB() *gorm.DB {
	return r.db
}

// Transaction 在同一事务中执行 fn，fn 返回错误时整体回滚
func (r *Repositories) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	default:
		return err
	}
}
