package model

import (
	"time"
)

// User 用户表（积分视角）
// 用户本身归属账户模块，这里只维护积分相关的两个字段：
// bonus_balance 是缓存余额，真正的余额以积分流水为准（见 BonusEntry）
type User struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BonusBalance   int64     `gorm:"not null;default:0" json:"bonus_balance"`      // 缓存的积分余额
	CurrentLevelID int64     `gorm:"not null;default:0" json:"current_level_id"`   // 当前等级ID
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "user"
}
