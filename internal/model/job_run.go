package model

import (
	"time"
)

const (
	JobNameExpirySweep    = "EXPIRY_SWEEP"
	JobNameReconciliation = "RECONCILIATION"
	JobNameLevelDegrade   = "LEVEL_DEGRADE"
)

// JobRun 定时任务执行记录表
// 每个任务一行，记录最近一次执行的自然日。进程重启后据此去重，
// 避免同一天内重复执行（取代进程内的去重 map）
type JobRun struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	JobName     string    `gorm:"type:varchar(40);uniqueIndex;not null" json:"job_name"`
	LastRunDate string    `gorm:"type:varchar(10);not null" json:"last_run_date"` // YYYY-MM-DD
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (JobRun) TableName() string {
	return "job_run"
}
