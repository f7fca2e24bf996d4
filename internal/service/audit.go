package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"bonusledger/internal/model"
	"bonusledger/internal/repository"

	"gorm.io/gorm"
)

const (
	auditMaxAttempts  = 3
	auditRetryBackoff = 50 * time.Millisecond
)

// auditRecorder 审计日志写入器
// 有限次重试后放弃，失败只进运行日志 —— 积分正确性不依赖审计成功
type auditRecorder struct {
	auditRepo *repository.AuditRepository
}

func newAuditRecorder(db *gorm.DB) *auditRecorder {
	return &auditRecorder{auditRepo: repository.NewAuditRepository(db)}
}

func (a *auditRecorder) record(ctx context.Context, record *model.AuditRecord) {
	var err error
	for attempt := 0; attempt < auditMaxAttempts; attempt++ {
		if err = a.auditRepo.Create(ctx, record); err == nil {
			return
		}
		time.Sleep(auditRetryBackoff)
	}
	log.Printf("[Audit] 审计日志写入失败，已放弃: event=%s, userID=%d, err=%v",
		record.EventType, record.UserID, err)
}

// marshalMeta 组装审计附加信息，序列化失败时退化为空对象
func marshalMeta(meta map[string]interface{}) string {
	if len(meta) == 0 {
		return "{}"
	}
	data, err := json.Marshal(meta)
	if err != nil {
		log.Printf("[Audit] 附加信息序列化失败: %v", err)
		return "{}"
	}
	return string(data)
}
