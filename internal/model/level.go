package model

import (
	"time"
)

// BonusLevel 会员等级表
// 等级按 threshold 全序排列，决定获得比例与单笔可抵扣比例
type BonusLevel struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name            string    `gorm:"type:varchar(64);not null" json:"name"`
	Threshold       int64     `gorm:"not null" json:"threshold"`         // 窗口期累计消费达到该值即可晋级
	EarnRate        float64   `gorm:"not null" json:"earn_rate"`         // 获得比例，如 0.03
	MaxSpendPercent float64   `gorm:"not null" json:"max_spend_percent"` // 单笔订单最多可抵扣比例
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (BonusLevel) TableName() string {
	return "bonus_level"
}

const (
	LevelReasonThreshold    = "THRESHOLD_REACHED" // 消费达标晋级
	LevelReasonDegradation  = "DEGRADATION"       // 长期不消费降级
	LevelReasonRegistration = "REGISTRATION"      // 注册初始化
)

// LevelHistory 等级变更历史表
// 每次升降级追加一条，便于排查等级计算问题
type LevelHistory struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64     `gorm:"index;not null" json:"user_id"`
	OldLevelID int64     `gorm:"not null" json:"old_level_id"`
	NewLevelID int64     `gorm:"not null" json:"new_level_id"`
	Reason     string    `gorm:"type:varchar(32);not null" json:"reason"`
	TotalSpent int64     `gorm:"not null" json:"total_spent"` // 计算时刻的窗口期消费额
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (LevelHistory) TableName() string {
	return "level_history"
}
