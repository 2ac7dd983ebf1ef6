package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitfantasy/nimo-mes/internal/shared/storage"
	"go.uber.org/zap"
)

// staging 记录一次保存产生的文件变更
// 新文件在提交数据库前写入，失败时回收；删除在提交成功后执行
type staging struct {
	store   storage.Store
	logger  *zap.Logger
	created []string
	deletes []string
	seen    map[string]bool
}

func newStaging(store storage.Store, logger *zap.Logger) *staging {
	return &staging{store: store, logger: logger, seen: make(map[string]bool)}
}

// save 写入上传文件
func (st *staging) save(ctx context.Context, kind string, up *Upload) (string, error) {
	if up.Reader == nil {
		return "", invalid("上传文件为空")
	}
	p, err := st.store.Save(ctx, kind, up.Filename, up.Reader, up.Size, up.ContentType)
	if err != nil {
		return "", fmt.Errorf("保存图片失败: %w", err)
	}
	st.created = append(st.created, p)
	return p, nil
}

// duplicate 复制为独立的物理文件；源为空、非法或已不存在时返回空引用
func (st *staging) duplicate(ctx context.Context, src string) (string, error) {
	if src == "" {
		return "", nil
	}
	p, err := st.store.Copy(ctx, src)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) || errors.Is(err, storage.ErrInvalidPath) {
			st.logger.Warn("source picture missing, reference cleared", zap.String("picture", src))
			return "", nil
		}
		return "", fmt.Errorf("复制图片失败: %w", err)
	}
	st.created = append(st.created, p)
	return p, nil
}

// scheduleDelete 登记待删除文件，同一路径只删除一次
func (st *staging) scheduleDelete(p string) {
	if p == "" || st.seen[p] {
		return
	}
	st.seen[p] = true
	st.deletes = append(st.deletes, p)
}

// commit 数据库提交后执行删除
func (st *staging) commit(ctx context.Context) {
	for _, p := range st.deletes {
		if err := st.store.Delete(ctx, p); err != nil {
			st.logger.Warn("delete picture failed", zap.String("picture", p), zap.Error(err))
		}
	}
	st.deletes = nil
}

// rollback 回收本次写入的文件，不执行登记的删除
func (st *staging) rollback(ctx context.Context) {
	for _, p := range st.created {
		if err := st.store.Delete(context.WithoutCancel(ctx), p); err != nil {
			st.logger.Warn("cleanup staged picture failed", zap.String("picture", p), zap.Error(err))
		}
	}
	st.created = nil
	st.deletes = nil
}
