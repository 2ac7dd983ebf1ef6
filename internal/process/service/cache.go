package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/process/entity"
	"github.com/redis/go-redis/v9"
)

// DetailCache 工艺文件详情缓存，rdb 为 nil 时所有操作均为空操作
type DetailCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDetailCache 创建详情缓存
func NewDetailCache(rdb *redis.Client, ttl time.Duration) *DetailCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DetailCache{rdb: rdb, ttl: ttl}
}

func detailKey(id uint64) string {
	return fmt.Sprintf("process:detail:%d", id)
}

// Enabled 是否启用缓存
func (c *DetailCache) Enabled() bool {
	return c != nil && c.rdb != nil
}

// Get 读取缓存，未命中返回 nil
func (c *DetailCache) Get(ctx context.Context, id uint64) *entity.ProcessDocument {
	if c == nil || c.rdb == nil {
		return nil
	}
	cached, err := c.rdb.Get(ctx, detailKey(id)).Result()
	if err != nil {
		return nil
	}
	var doc entity.ProcessDocument
	if err := json.Unmarshal([]byte(cached), &doc); err != nil {
		return nil
	}
	return &doc
}

// Set 写入缓存
func (c *DetailCache) Set(ctx context.Context, doc *entity.ProcessDocument) {
	if c == nil || c.rdb == nil || doc == nil {
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, detailKey(doc.ID), data, c.ttl)
}

// Invalidate 清除缓存
func (c *DetailCache) Invalidate(ctx context.Context, id uint64) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, detailKey(id)).Err()
}
