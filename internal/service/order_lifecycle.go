package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"bonusledger/internal/model"
	"bonusledger/internal/repository"

	"gorm.io/gorm"
)

const (
	lifecycleMaxAttempts = 3
	lifecycleBaseBackoff = 100 * time.Millisecond
)

// OrderLifecycleService 订单状态流转的积分挂钩
// 订单的创建与计价归属订单模块，这里只接收状态变化并在约定的
// 生命周期点调用积分操作：
//   - 完成：抵扣流水生效 + 发放（回退后重新完成则按快照补发）
//   - 从完成回退：收回发放
//   - 取消：全量回滚
//
// 锁等待超时由这里做有限次重试（退避递增），重试整体重放操作，
// 幂等闸保证不会重复发放/抵扣。重试耗尽后把冲突抛给上层
type OrderLifecycleService struct {
	db        *gorm.DB
	orderRepo *repository.OrderRepository
	bonusSvc  *BonusService
}

func NewOrderLifecycleService(db *gorm.DB, bonusSvc *BonusService) *OrderLifecycleService {
	return &OrderLifecycleService{
		db:        db,
		orderRepo: repository.NewOrderRepository(db),
		bonusSvc:  bonusSvc,
	}
}

// withRetry 锁等待超时的有限次重试
func withRetry(op string, fn func() error) error {
	backoff := lifecycleBaseBackoff
	var err error
	for attempt := 1; attempt <= lifecycleMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrLockTimeout) {
			return err
		}
		log.Printf("[OrderLifecycle] %s 行锁超时，第 %d 次重试: %v", op, attempt, err)
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

// HandleStatusChange 订单状态流转入口
//
// 状态先落库、挂钩后执行：挂钩失败时状态已是目标值，调用方按
// 同状态重放即可补偿 —— 同状态调用不改状态、只幂等地重放挂钩，
// 这是挂钩失败后唯一的重试入口
func (s *OrderLifecycleService) HandleStatusChange(ctx context.Context, orderID int64, toStatus string) error {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return err
	}

	if toStatus != order.Status {
		if err := s.orderRepo.UpdateStatus(ctx, nil, orderID, order.Status, toStatus); err != nil {
			return err
		}
	}

	switch toStatus {
	case model.OrderStatusCompleted:
		if err := withRetry("promote_spends", func() error {
			return s.bonusSvc.PromoteSpends(ctx, orderID)
		}); err != nil {
			return fmt.Errorf("抵扣流水生效失败: %w", err)
		}
		// 发放快照非零说明首次发放已经做过（回退后重新完成、或重放），
		// 按快照补发；用快照而不是来源状态判断，重放时来源状态已经丢失
		if order.EarnedAmount > 0 {
			return withRetry("redelivery_earn", func() error {
				_, err := s.bonusSvc.RedeliveryEarn(ctx, orderID)
				return err
			})
		}
		return withRetry("earn", func() error {
			_, err := s.bonusSvc.Earn(ctx, orderID)
			return err
		})

	case model.OrderStatusReverted:
		return withRetry("remove_earned", func() error {
			return s.bonusSvc.RemoveEarned(ctx, orderID)
		})

	case model.OrderStatusCancelled:
		return withRetry("cancel", func() error {
			return s.bonusSvc.Cancel(ctx, orderID)
		})
	}

	return nil
}
