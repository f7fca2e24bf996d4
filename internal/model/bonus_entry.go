package model

import (
	"time"
)

// ============================================================================
// 积分流水类型常量
// ============================================================================

const (
	EntryTypeEarn         = "EARN"         // 下单获得
	EntryTypeSpend        = "SPEND"        // 下单抵扣
	EntryTypeAdjustment   = "ADJUSTMENT"   // 人工调整（可正可负）
	EntryTypeRegistration = "REGISTRATION" // 注册赠送
	EntryTypeBirthday     = "BIRTHDAY"     // 生日赠送
	EntryTypeExpire       = "EXPIRE"       // 过期扣除
)

const (
	EntryStatusPending   = "PENDING"   // 订单未完成，积分未生效
	EntryStatusCompleted = "COMPLETED" // 已生效
	EntryStatusCancelled = "CANCELLED" // 已作废（订单取消等）
)

// IsEarnLike 判断是否为入账类型
// 入账类型的流水持有 remaining_amount，可被后续抵扣和过期消耗
func IsEarnLike(entryType string) bool {
	switch entryType {
	case EntryTypeEarn, EntryTypeRegistration, EntryTypeBirthday, EntryTypeAdjustment:
		return true
	}
	return false
}

// ============================================================================
// 积分流水实体
// ============================================================================

// BonusEntry 积分流水表
// 记录每一笔积分变动，是余额的唯一事实来源
//
// 【重要】流水表设计原则：
// 1. 只追加，不删除 —— amount 和 type 一经写入永不修改
// 2. 只有 status 和 remaining_amount 允许变化
// 3. remaining_amount 仅对入账类型有意义，表示尚未被抵扣/过期的部分
// 4. 抵扣流水通过 related_entry_id 指向它消耗的入账流水，便于取消时回滚
type BonusEntry struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo         string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"entry_no"` // 流水号（全局唯一）
	UserID          int64      `gorm:"index;not null" json:"user_id"`
	Type            string     `gorm:"type:varchar(20);not null" json:"type"`
	Status          string     `gorm:"type:varchar(20);index;not null" json:"status"`
	Amount          int64      `gorm:"not null" json:"amount"`                     // 变动数量，仅 ADJUSTMENT 允许为负
	RemainingAmount int64      `gorm:"not null;default:0" json:"remaining_amount"` // 未消耗部分（入账类型）
	OrderID         *int64     `gorm:"index" json:"order_id"`                      // 关联订单
	RelatedEntryID  *int64     `gorm:"index" json:"related_entry_id"`              // 关联流水（抵扣来源/补偿对象）
	ExpiresAt       *time.Time `gorm:"index" json:"expires_at"`                    // 过期时间，空表示永不过期
	Description     string     `gorm:"type:varchar(256)" json:"description"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BonusEntry) TableName() string {
	return "bonus_entry"
}

// Active 入账流水是否仍可被抵扣
func (e *BonusEntry) Active(now time.Time) bool {
	if !IsEarnLike(e.Type) || e.Status != EntryStatusCompleted || e.RemainingAmount <= 0 {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}
