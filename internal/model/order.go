package model

import (
	"time"
)

const (
	OrderStatusNew        = "NEW"
	OrderStatusCooking    = "COOKING"
	OrderStatusDelivering = "DELIVERING"
	OrderStatusCompleted  = "COMPLETED"
	OrderStatusReverted   = "REVERTED" // 误操作回退：从已完成退回处理中
	OrderStatusCancelled  = "CANCELLED"
)

var ValidStatusTransitions = map[string][]string{
	OrderStatusNew:        {OrderStatusCooking, OrderStatusCancelled},
	OrderStatusCooking:    {OrderStatusDelivering, OrderStatusCancelled},
	OrderStatusDelivering: {OrderStatusCompleted, OrderStatusCancelled},
	OrderStatusCompleted:  {OrderStatusReverted, OrderStatusCancelled},
	OrderStatusReverted:   {OrderStatusCompleted, OrderStatusCancelled},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Order 订单表（积分视角）
// 订单的创建与计价归属订单模块，积分模块只消费它的金额字段，
// 并在上面维护两个自己的字段：
//   - bonus_earn_locked: 发放幂等标记，CAS 置位，成功后永久保持
//   - earned_amount: 发放时的积分数量快照，订单重新完成时按快照补发，不重算
type Order struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64      `gorm:"index;not null" json:"user_id"`
	Total           int64      `gorm:"not null" json:"total"`         // 实付总额（含配送费，分）
	Subtotal        int64      `gorm:"not null" json:"subtotal"`      // 菜品小计（分）
	DeliveryCost    int64      `gorm:"not null" json:"delivery_cost"` // 配送费（分）
	BonusSpent      int64      `gorm:"not null;default:0" json:"bonus_spent"`
	Status          string     `gorm:"type:varchar(20);index;not null" json:"status"`
	BonusEarnLocked bool       `gorm:"not null;default:false" json:"bonus_earn_locked"`
	EarnedAmount    int64      `gorm:"not null;default:0" json:"earned_amount"`
	CompletedAt     *time.Time `gorm:"index" json:"completed_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "bonus_order"
}
