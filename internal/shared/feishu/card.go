package feishu

import (
	"context"
	"encoding/json"
	"fmt"
)

// =============================================================================
// 消息卡片服务：发送飞书交互式消息卡片
// =============================================================================

// SendCard 向群聊发送消息卡片
func (c *FeishuClient) SendCard(ctx context.Context, chatID string, card InteractiveCard) error {
	return c.sendCard(ctx, "chat_id", chatID, card)
}

// SendUserCard 向个人发送消息卡片（open_id）
func (c *FeishuClient) SendUserCard(ctx context.Context, userID string, card InteractiveCard) error {
	return c.sendCard(ctx, "open_id", userID, card)
}

func (c *FeishuClient) sendCard(ctx context.Context, idType, id string, card InteractiveCard) error {
	cardBytes, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("序列化卡片内容失败: %w", err)
	}

	reqBody := SendMessageRequest{
		ReceiveIDType: idType,
		ReceiveID:     id,
		MsgType:       "interactive",
		Content:       string(cardBytes),
	}

	path := fmt.Sprintf("/open-apis/im/v1/messages?receive_id_type=%s", idType)

	var resp SendMessageResponse
	if err := c.doRequest(ctx, "POST", path, reqBody, &resp); err != nil {
		return fmt.Errorf("发送消息卡片失败: %w", err)
	}

	return nil
}

// =============================================================================
// 预设卡片模板
// =============================================================================

// NewProcessRevisionCard 工艺文件升版通知卡片
// stepCount: 新版本工序数
// createdBy: 升版人名称
func NewProcessRevisionCard(partName string, version, stepCount int, material, createdBy string) InteractiveCard {
	if material == "" {
		material = "-"
	}
	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: "🛠 工艺文件升版通知"},
			Template: "turquoise",
		},
		Elements: []CardElement{
			{
				Tag: "div",
				Fields: []CardField{
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**零件名称**\n%s", partName)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**新版本**\nv%d", version)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**材料**\n%s", material)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**工序数**\n%d", stepCount)}},
				},
			},
			{Tag: "hr"},
			{
				Tag: "note",
				Elements: []CardElement{
					{Tag: "plain_text", Content: fmt.Sprintf("由 %s 发布，旧版本仍可在历史中查看", createdBy)},
				},
			},
		},
	}
}
