package service

import (
	"github.com/bitfantasy/nimo-mes/internal/config"
	"github.com/bitfantasy/nimo-mes/internal/process/repository"
	"github.com/bitfantasy/nimo-mes/internal/process/sse"
	"github.com/bitfantasy/nimo-mes/internal/shared/feishu"
	"github.com/bitfantasy/nimo-mes/internal/shared/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Services 服务集合
type Services struct {
	Process *ProcessService
	Export  *ExportService
}

// NewServices 创建服务集合；rdb 为 nil 时不启用详情缓存
func NewServices(repos *repository.Repositories, store storage.Store, rdb *redis.Client, hub *sse.Hub, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) *Services {
	// 初始化飞书升版通知
	var notifier Notifier
	if cfg.Feishu.Enabled() {
		client := feishu.NewClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret)
		notifier = NewFeishuNotifier(client, cfg.Feishu.NotifyChatID)
	}

	cache := NewDetailCache(rdb, cfg.Cache.DetailTTL)

	return &Services{
		Process: NewProcessService(repos, store, cache, hub, notifier, NewSaveMetrics(reg), logger),
		Export:  NewExportService(repos, store, logger),
	}
}
