package repository

import (
	"context"

	"bonusledger/internal/model"

	"gorm.io/gorm"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create 追加审计记录
// 刻意不走业务事务：业务回滚不应抹掉审计痕迹，审计失败也不应拖垮业务
func (r *AuditRepository) Create(ctx context.Context, record *model.AuditRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *AuditRepository) ListByUserID(ctx context.Context, userID int64, limit int) ([]*model.AuditRecord, error) {
	var records []*model.AuditRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *AuditRepository) ListByEventType(ctx context.Context, eventType string, limit int) ([]*model.AuditRecord, error) {
	var records []*model.AuditRecord
	err := r.db.WithContext(ctx).
		Where("event_type = ?", eventType).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
