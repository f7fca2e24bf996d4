package repository

import (
	"context"
	"errors"
	"time"

	"bonusledger/internal/model"

	"gorm.io/gorm"
)

var ErrEntryNotFound = errors.New("积分流水不存在")

type EntryRepository struct {
	db *gorm.DB
}

func NewEntryRepository(db *gorm.DB) *EntryRepository {
	return &EntryRepository{db: db}
}

func (r *EntryRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.BonusEntry) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *EntryRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.BonusEntry, error) {
	if tx == nil {
		tx = r.db
	}
	var entry model.BonusEntry
	err := tx.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// GetEarnByOrderID 查询订单的有效发放流水（幂等校验用）
// 不存在时返回 nil, nil
func (r *EntryRepository) GetEarnByOrderID(ctx context.Context, tx *gorm.DB, orderID int64) (*model.BonusEntry, error) {
	if tx == nil {
		tx = r.db
	}
	var entry model.BonusEntry
	err := tx.WithContext(ctx).
		Where("order_id = ? AND type = ? AND status <> ?",
			orderID, model.EntryTypeEarn, model.EntryStatusCancelled).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// SumSpendByOrderID 统计订单已记录的抵扣总额（幂等校验用）
// 抵扣流水的 amount 存正数，方向由 type 表达
func (r *EntryRepository) SumSpendByOrderID(ctx context.Context, tx *gorm.DB, orderID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var total int64
	err := tx.WithContext(ctx).
		Model(&model.BonusEntry{}).
		Where("order_id = ? AND type = ? AND status <> ?",
			orderID, model.EntryTypeSpend, model.EntryStatusCancelled).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

// ListActiveForUpdate 加锁取用户当前可抵扣的入账流水
// 按「先过期先消耗」排序：过期时间升序，永不过期的排最后，同期按ID升序
func (r *EntryRepository) ListActiveForUpdate(ctx context.Context, tx *gorm.DB, userID int64, now time.Time) ([]*model.BonusEntry, error) {
	var entries []*model.BonusEntry
	err := forUpdate(tx.WithContext(ctx)).
		Where("user_id = ? AND status = ? AND remaining_amount > 0 AND amount > 0", userID, model.EntryStatusCompleted).
		Where("type IN ?", []string{
			model.EntryTypeEarn, model.EntryTypeRegistration,
			model.EntryTypeBirthday, model.EntryTypeAdjustment,
		}).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("expires_at IS NULL, expires_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// ListByOrderID 取订单的全部未作废流水（取消订单时回滚用）
func (r *EntryRepository) ListByOrderID(ctx context.Context, tx *gorm.DB, orderID int64) ([]*model.BonusEntry, error) {
	if tx == nil {
		tx = r.db
	}
	var entries []*model.BonusEntry
	err := forUpdate(tx.WithContext(ctx)).
		Where("order_id = ? AND status <> ?", orderID, model.EntryStatusCancelled).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// AddRemaining 调整入账流水的未消耗部分
// delta 为负表示被抵扣，为正表示取消订单后返还
func (r *EntryRepository) AddRemaining(ctx context.Context, tx *gorm.DB, id int64, delta int64) error {
	result := tx.WithContext(ctx).
		Model(&model.BonusEntry{}).
		Where("id = ? AND remaining_amount + ? >= 0", id, delta).
		Update("remaining_amount", gorm.Expr("remaining_amount + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// MarkCancelled 作废流水并清零未消耗部分
func (r *EntryRepository) MarkCancelled(ctx context.Context, tx *gorm.DB, id int64) error {
	return tx.WithContext(ctx).
		Model(&model.BonusEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           model.EntryStatusCancelled,
			"remaining_amount": 0,
		}).Error
}

// PromoteSpendsByOrderID 订单完成时把待生效的抵扣流水转为已生效
func (r *EntryRepository) PromoteSpendsByOrderID(ctx context.Context, tx *gorm.DB, orderID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.BonusEntry{}).
		Where("order_id = ? AND type = ? AND status = ?",
			orderID, model.EntryTypeSpend, model.EntryStatusPending).
		Update("status", model.EntryStatusCompleted).Error
}

// ListExpiringUserIDs 取存在已过期未清零流水的用户（过期清扫任务用）
func (r *EntryRepository) ListExpiringUserIDs(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.BonusEntry{}).
		Where("status = ? AND remaining_amount > 0 AND expires_at IS NOT NULL AND expires_at <= ?",
			model.EntryStatusCompleted, now).
		Distinct("user_id").
		Limit(limit).
		Pluck("user_id", &ids).Error
	return ids, err
}

// ListExpiredForUpdate 加锁取用户已过期未清零的入账流水
func (r *EntryRepository) ListExpiredForUpdate(ctx context.Context, tx *gorm.DB, userID int64, now time.Time) ([]*model.BonusEntry, error) {
	var entries []*model.BonusEntry
	err := forUpdate(tx.WithContext(ctx)).
		Where("user_id = ? AND status = ? AND remaining_amount > 0 AND expires_at IS NOT NULL AND expires_at <= ?",
			userID, model.EntryStatusCompleted, now).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// ListByUserID 分页查询用户流水（积分明细接口）
func (r *EntryRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.BonusEntry, int64, error) {
	var entries []*model.BonusEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.BonusEntry{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}

// SumActiveRemaining 用户当前可用积分（有效入账流水的未消耗部分之和）
func (r *EntryRepository) SumActiveRemaining(ctx context.Context, userID int64, now time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.BonusEntry{}).
		Where("user_id = ? AND status = ? AND remaining_amount > 0 AND amount > 0", userID, model.EntryStatusCompleted).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Select("COALESCE(SUM(remaining_amount), 0)").
		Scan(&total).Error
	return total, err
}

// NextExpiry 用户最近一笔将要过期的有效积分的过期时间
// 没有带过期时间的有效流水时返回 nil
func (r *EntryRepository) NextExpiry(ctx context.Context, userID int64, now time.Time) (*time.Time, error) {
	var entry model.BonusEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND remaining_amount > 0 AND amount > 0", userID, model.EntryStatusCompleted).
		Where("expires_at IS NOT NULL AND expires_at > ?", now).
		Order("expires_at ASC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entry.ExpiresAt, nil
}

// CanonicalBalance 从流水重算用户的权威余额（对账任务用）
// 已生效入账 − 已生效抵扣（含负调整） − 过期扣除。
// 对账在用户行锁内调用，必须传入持锁事务，保证读到的流水
// 与被修正的余额在同一个一致性视图里
func (r *EntryRepository) CanonicalBalance(ctx context.Context, tx *gorm.DB, userID int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var credits, debits, expired int64

	err := tx.WithContext(ctx).
		Model(&model.BonusEntry{}).
		Where("user_id = ? AND status = ? AND amount > 0", userID, model.EntryStatusCompleted).
		Where("type IN ?", []string{
			model.EntryTypeEarn, model.EntryTypeRegistration,
			model.EntryTypeBirthday, model.EntryTypeAdjustment,
		}).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&credits).Error
	if err != nil {
		return 0, err
	}

	err = tx.WithContext(ctx).
		Model(&model.BonusEntry{}).
		Where("user_id = ? AND status = ?", userID, model.EntryStatusCompleted).
		Where("(type = ? AND amount > 0) OR (type = ? AND amount < 0)",
			model.EntryTypeSpend, model.EntryTypeAdjustment).
		Select("COALESCE(SUM(ABS(amount)), 0)").
		Scan(&debits).Error
	if err != nil {
		return 0, err
	}

	err = tx.WithContext(ctx).
		Model(&model.BonusEntry{}).
		Where("user_id = ? AND type = ?", userID, model.EntryTypeExpire).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&expired).Error
	if err != nil {
		return 0, err
	}

	return credits - debits - expired, nil
}
