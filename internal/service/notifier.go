package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"bonusledger/internal/config"
	"bonusledger/internal/model"
	"bonusledger/internal/repository"

	"gorm.io/gorm"
)

// Notifier 通知接口
// 积分模块只管调用，不关心投递渠道。通知是尽力而为的：
// 返回的错误由调用方记日志后丢弃，绝不影响积分事务
type Notifier interface {
	NotifyBonusUpdate(ctx context.Context, tx *gorm.DB, userID int64, balance int64, payload map[string]interface{}) error
	NotifyLevelUp(ctx context.Context, tx *gorm.DB, userID int64, levelID int64, levelName string) error
}

// OutboxNotifier 生产实现
// 在业务事务内写发件箱，由 OutboxSender 异步投递到 Kafka，
// 保证「积分落库了通知一定会发、积分回滚了通知一定不发」
type OutboxNotifier struct {
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
}

func NewOutboxNotifier(db *gorm.DB, cfg *config.Config) *OutboxNotifier {
	return &OutboxNotifier{
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
	}
}

func (n *OutboxNotifier) NotifyBonusUpdate(ctx context.Context, tx *gorm.DB, userID int64, balance int64, payload map[string]interface{}) error {
	body := map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	}
	for k, v := range payload {
		body[k] = v
	}
	payloadBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}

	msg := &model.OutboxMessage{
		MessageKey: strconv.FormatInt(userID, 10),
		Topic:      n.cfg.Kafka.Topic.BonusUpdate,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	return n.outboxRepo.Create(ctx, tx, msg)
}

func (n *OutboxNotifier) NotifyLevelUp(ctx context.Context, tx *gorm.DB, userID int64, levelID int64, levelName string) error {
	payloadBytes, err := json.Marshal(map[string]interface{}{
		"user_id":    userID,
		"level_id":   levelID,
		"level_name": levelName,
	})
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}

	msg := &model.OutboxMessage{
		MessageKey: strconv.FormatInt(userID, 10),
		Topic:      n.cfg.Kafka.Topic.LevelUp,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	return n.outboxRepo.Create(ctx, tx, msg)
}

// NopNotifier 空实现（积分通知关闭或测试时使用）
type NopNotifier struct{}

func (NopNotifier) NotifyBonusUpdate(ctx context.Context, tx *gorm.DB, userID int64, balance int64, payload map[string]interface{}) error {
	return nil
}

func (NopNotifier) NotifyLevelUp(ctx context.Context, tx *gorm.DB, userID int64, levelID int64, levelName string) error {
	return nil
}
