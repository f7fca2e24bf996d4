package repository

import (
	"context"
	"errors"
	"time"

	"bonusledger/internal/model"

	"gorm.io/gorm"
)

var ErrOrderStatusInvalid = errors.New("订单状态不合法")

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(order).Error
}

func (r *OrderRepository) GetByID(ctx context.Context, orderID int64) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// TryLockEarn 发放幂等标记的 CAS 置位
// 仅当标记为 false 时置为 true，返回是否抢到。没有唯一约束兜底，
// 并发发放全靠这一步互斥
func (r *OrderRepository) TryLockEarn(ctx context.Context, orderID int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND bonus_earn_locked = ?", orderID, false).
		Update("bonus_earn_locked", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UnlockEarn 发放失败时回滚幂等标记，让后续重试可以继续
// 发放成功后标记永久保持，防止重复发放
func (r *OrderRepository) UnlockEarn(ctx context.Context, orderID int64) error {
	return r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ?", orderID).
		Update("bonus_earn_locked", false).Error
}

// SaveEarnedAmount 记录发放快照（订单回退后重新完成时按快照补发）
func (r *OrderRepository) SaveEarnedAmount(ctx context.Context, tx *gorm.DB, orderID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ?", orderID).
		Update("earned_amount", amount).Error
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, orderID int64, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrOrderStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	if toStatus == model.OrderStatusCompleted {
		now := time.Now()
		updates["completed_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND status = ?", orderID, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}
	return nil
}

// SumQualifyingSpend 窗口期内计入等级的消费额
// 配送费和积分抵扣部分不计入
func (r *OrderRepository) SumQualifyingSpend(ctx context.Context, tx *gorm.DB, userID int64, since time.Time) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var total int64
	err := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("user_id = ? AND status = ? AND completed_at >= ?",
			userID, model.OrderStatusCompleted, since).
		Select("COALESCE(SUM(total - delivery_cost - bonus_spent), 0)").
		Scan(&total).Error
	return total, err
}

// LastCompletedAt 用户最近一次完成订单的时间（降级任务用）
// 从未完成过订单时返回 nil
func (r *OrderRepository) LastCompletedAt(ctx context.Context, userID int64) (*time.Time, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.OrderStatusCompleted).
		Order("completed_at DESC").
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return order.CompletedAt, nil
}
