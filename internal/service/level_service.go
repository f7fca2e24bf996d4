package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"bonusledger/internal/config"
	"bonusledger/internal/model"
	"bonusledger/internal/repository"

	"gorm.io/gorm"
)

// LevelService 会员等级计算
// 等级由窗口期内的消费额决定：配送费和积分抵扣部分不计入。
// 同步路径只升不降，降级由独立的定时任务处理
type LevelService struct {
	db        *gorm.DB
	cfg       *config.Config
	userRepo  *repository.UserRepository
	orderRepo *repository.OrderRepository
	levelRepo *repository.LevelRepository
	audit     *auditRecorder
	notifier  Notifier
}

func NewLevelService(db *gorm.DB, cfg *config.Config, notifier Notifier) *LevelService {
	return &LevelService{
		db:        db,
		cfg:       cfg,
		userRepo:  repository.NewUserRepository(db),
		orderRepo: repository.NewOrderRepository(db),
		levelRepo: repository.NewLevelRepository(db),
		audit:     newAuditRecorder(db),
		notifier:  notifier,
	}
}

// pickLevel 选出消费额能达到的最高等级
// levels 已按 threshold 升序；门槛相同取排序靠后的（配置里不应出现重复门槛）
func pickLevel(levels []*model.BonusLevel, totalSpent int64) *model.BonusLevel {
	var picked *model.BonusLevel
	for _, level := range levels {
		if level.Threshold <= totalSpent {
			picked = level
		}
	}
	return picked
}

func levelByID(levels []*model.BonusLevel, id int64) *model.BonusLevel {
	for _, level := range levels {
		if level.ID == id {
			return level
		}
	}
	return nil
}

// windowStart 等级消费统计窗口的起点
func (s *LevelService) windowStart(now time.Time) time.Time {
	days := s.cfg.Bonus.LevelWindowDays
	if days <= 0 {
		days = 60
	}
	return now.AddDate(0, 0, -days)
}

// CheckLevelUp 检查并执行晋级
// 在调用方的事务内执行（用户行已被锁住）。只升不降：
// 算出的等级门槛高于当前等级才更新
func (s *LevelService) CheckLevelUp(ctx context.Context, tx *gorm.DB, userID int64) error {
	levels, err := s.levelRepo.ListOrdered(ctx, tx)
	if err != nil {
		return fmt.Errorf("读取等级配置失败: %w", err)
	}
	if len(levels) == 0 {
		return nil
	}

	var user model.User
	if err := tx.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		return fmt.Errorf("读取用户失败: %w", err)
	}

	totalSpent, err := s.orderRepo.SumQualifyingSpend(ctx, tx, userID, s.windowStart(time.Now()))
	if err != nil {
		return fmt.Errorf("统计窗口期消费失败: %w", err)
	}

	target := pickLevel(levels, totalSpent)
	if target == nil {
		return nil
	}

	currentThreshold := int64(-1)
	if current := levelByID(levels, user.CurrentLevelID); current != nil {
		currentThreshold = current.Threshold
	}
	if target.Threshold <= currentThreshold {
		return nil
	}

	if err := s.userRepo.UpdateLevel(ctx, tx, userID, target.ID); err != nil {
		return fmt.Errorf("更新用户等级失败: %w", err)
	}

	history := &model.LevelHistory{
		UserID:     userID,
		OldLevelID: user.CurrentLevelID,
		NewLevelID: target.ID,
		Reason:     model.LevelReasonThreshold,
		TotalSpent: totalSpent,
	}
	if err := s.levelRepo.CreateHistory(ctx, tx, history); err != nil {
		return fmt.Errorf("写等级历史失败: %w", err)
	}

	if err := s.notifier.NotifyLevelUp(ctx, tx, userID, target.ID, target.Name); err != nil {
		log.Printf("[LevelService] 升级通知投递失败: userID=%d, err=%v", userID, err)
	}

	s.audit.record(ctx, &model.AuditRecord{
		EventType: model.AuditEventLevelUp,
		Severity:  model.AuditSeverityInfo,
		UserID:    userID,
		OldValue:  user.CurrentLevelID,
		NewValue:  target.ID,
		Metadata: marshalMeta(map[string]interface{}{
			"total_spent": totalSpent,
			"level_name":  target.Name,
		}),
	})

	log.Printf("[LevelService] 用户升级: userID=%d, %d -> %d (%s), totalSpent=%d",
		userID, user.CurrentLevelID, target.ID, target.Name, totalSpent)
	return nil
}

// Degrade 按当前窗口期消费重算等级并执行降级（降级任务专用）
// 算出的等级门槛低于当前等级才更新，reason 记为 DEGRADATION
func (s *LevelService) Degrade(ctx context.Context, userID int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		user, err := s.userRepo.GetByIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		levels, err := s.levelRepo.ListOrdered(ctx, tx)
		if err != nil {
			return err
		}
		if len(levels) == 0 {
			return nil
		}

		current := levelByID(levels, user.CurrentLevelID)
		if current == nil {
			return nil
		}

		totalSpent, err := s.orderRepo.SumQualifyingSpend(ctx, tx, userID, s.windowStart(time.Now()))
		if err != nil {
			return err
		}

		target := pickLevel(levels, totalSpent)
		if target == nil {
			target = levels[0]
		}
		if target.Threshold >= current.Threshold {
			return nil
		}

		if err := s.userRepo.UpdateLevel(ctx, tx, userID, target.ID); err != nil {
			return err
		}
		if err := s.levelRepo.CreateHistory(ctx, tx, &model.LevelHistory{
			UserID:     userID,
			OldLevelID: user.CurrentLevelID,
			NewLevelID: target.ID,
			Reason:     model.LevelReasonDegradation,
			TotalSpent: totalSpent,
		}); err != nil {
			return err
		}

		s.audit.record(ctx, &model.AuditRecord{
			EventType: model.AuditEventLevelDegrade,
			Severity:  model.AuditSeverityInfo,
			UserID:    userID,
			OldValue:  user.CurrentLevelID,
			NewValue:  target.ID,
			Metadata:  marshalMeta(map[string]interface{}{"total_spent": totalSpent}),
		})

		log.Printf("[LevelService] 用户降级: userID=%d, %d -> %d, totalSpent=%d",
			userID, user.CurrentLevelID, target.ID, totalSpent)
		return nil
	})
}

// LevelsSummaryResult 等级概览
type LevelsSummaryResult struct {
	UserID       int64               `json:"user_id"`
	CurrentLevel *model.BonusLevel   `json:"current_level"`
	TotalSpent   int64               `json:"total_spent"`
	NextLevel    *model.BonusLevel   `json:"next_level,omitempty"`
	AmountToNext int64               `json:"amount_to_next,omitempty"`
	WindowDays   int                 `json:"window_days"`
	AllLevels    []*model.BonusLevel `json:"all_levels"`
}

// LevelsSummary 用户等级概览（只读接口）
func (s *LevelService) LevelsSummary(ctx context.Context, userID int64) (*LevelsSummaryResult, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	levels, err := s.levelRepo.ListOrdered(ctx, nil)
	if err != nil {
		return nil, err
	}

	totalSpent, err := s.orderRepo.SumQualifyingSpend(ctx, nil, userID, s.windowStart(time.Now()))
	if err != nil {
		return nil, err
	}

	result := &LevelsSummaryResult{
		UserID:     userID,
		TotalSpent: totalSpent,
		WindowDays: s.cfg.Bonus.LevelWindowDays,
		AllLevels:  levels,
	}
	result.CurrentLevel = levelByID(levels, user.CurrentLevelID)

	currentThreshold := int64(-1)
	if result.CurrentLevel != nil {
		currentThreshold = result.CurrentLevel.Threshold
	}
	for _, level := range levels {
		if level.Threshold > currentThreshold {
			result.NextLevel = level
			result.AmountToNext = level.Threshold - totalSpent
			if result.AmountToNext < 0 {
				result.AmountToNext = 0
			}
			break
		}
	}

	return result, nil
}
