package service

import (
	"context"

	"github.com/bitfantasy/nimo-mes/internal/process/entity"
	"github.com/bitfantasy/nimo-mes/internal/shared/feishu"
)

// Notifier 升版通知
type Notifier interface {
	NotifyRevision(ctx context.Context, doc *entity.ProcessDocument) error
}

// FeishuNotifier 将升版通知以消息卡片发送到飞书群
type FeishuNotifier struct {
	client *feishu.FeishuClient
	chatID string
}

// NewFeishuNotifier 创建飞书通知
func NewFeishuNotifier(client *feishu.FeishuClient, chatID string) *FeishuNotifier {
	return &FeishuNotifier{client: client, chatID: chatID}
}

// NotifyRevision 发送升版卡片
func (n *FeishuNotifier) NotifyRevision(ctx context.Context, doc *entity.ProcessDocument) error {
	operator := doc.CreatedByName
	if operator == "" {
		operator = doc.CreatedBy
	}
	card := feishu.NewProcessRevisionCard(doc.PartName, doc.Version, len(doc.Steps), doc.Material, operator)
	return n.client.SendCard(ctx, n.chatID, card)
}
