package repository

import (
	"context"
	"errors"

	"bonusledger/internal/model"

	"gorm.io/gorm"
)

type LevelRepository struct {
	db *gorm.DB
}

func NewLevelRepository(db *gorm.DB) *LevelRepository {
	return &LevelRepository{db: db}
}

func (r *LevelRepository) Create(ctx context.Context, level *model.BonusLevel) error {
	return r.db.WithContext(ctx).Create(level).Error
}

// ListOrdered 按门槛升序取全部等级配置
// 每次操作即取即用，不做包级缓存
func (r *LevelRepository) ListOrdered(ctx context.Context, tx *gorm.DB) ([]*model.BonusLevel, error) {
	if tx == nil {
		tx = r.db
	}
	var levels []*model.BonusLevel
	err := tx.WithContext(ctx).Order("threshold ASC, id ASC").Find(&levels).Error
	return levels, err
}

func (r *LevelRepository) GetByID(ctx context.Context, tx *gorm.DB, levelID int64) (*model.BonusLevel, error) {
	if tx == nil {
		tx = r.db
	}
	var level model.BonusLevel
	err := tx.WithContext(ctx).Where("id = ?", levelID).First(&level).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLevelNotFound
		}
		return nil, err
	}
	return &level, nil
}

func (r *LevelRepository) CreateHistory(ctx context.Context, tx *gorm.DB, history *model.LevelHistory) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(history).Error
}

func (r *LevelRepository) ListHistoryByUserID(ctx context.Context, userID int64, limit int) ([]*model.LevelHistory, error) {
	var histories []*model.LevelHistory
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&histories).Error
	return histories, err
}
