package model

import (
	"time"
)

const (
	AuditSeverityInfo     = "INFO"
	AuditSeverityWarning  = "WARNING"
	AuditSeverityCritical = "CRITICAL"
)

const (
	AuditEventEarn            = "BONUS_EARN"
	AuditEventSpend           = "BONUS_SPEND"
	AuditEventCancel          = "BONUS_CANCEL"
	AuditEventAdjust          = "BONUS_ADJUST"
	AuditEventExpire          = "BONUS_EXPIRE"
	AuditEventRemoveEarned    = "BONUS_REMOVE_EARNED"
	AuditEventRedelivery      = "BONUS_REDELIVERY"
	AuditEventLevelUp         = "LEVEL_UP"
	AuditEventLevelDegrade    = "LEVEL_DEGRADE"
	AuditEventReconciled      = "BALANCE_RECONCILED"
	AuditEventNegativeBalance = "NEGATIVE_BALANCE_DETECTED"
)

// AuditRecord 审计日志表
// 每次余额变动追加一条，用于事后排查。写入失败只记录运行日志，
// 绝不向调用方传播 —— 积分本身的正确性不依赖审计日志
type AuditRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string    `gorm:"type:varchar(40);index;not null" json:"event_type"`
	Severity  string    `gorm:"type:varchar(16);not null;default:INFO" json:"severity"`
	UserID    int64     `gorm:"index;not null" json:"user_id"`
	OrderID   *int64    `gorm:"index" json:"order_id"`
	OldValue  int64     `gorm:"not null" json:"old_value"` // 变动前余额
	NewValue  int64     `gorm:"not null" json:"new_value"` // 变动后余额
	Metadata  string    `gorm:"type:text" json:"metadata"` // JSON 附加信息
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AuditRecord) TableName() string {
	return "bonus_audit"
}
