package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"bonusledger/internal/config"
	"bonusledger/internal/infrastructure/lock"
	"bonusledger/internal/model"
	"bonusledger/internal/repository"
	"bonusledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// BonusService 积分账本
// earn / spend / cancel / adjust 四个核心变更操作都在单个数据库事务内完成，
// 事务内先锁用户行，要么全部提交要么全部回滚，没有部分写入
type BonusService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	userRepo    *repository.UserRepository
	entryRepo   *repository.EntryRepository
	orderRepo   *repository.OrderRepository
	levelRepo   *repository.LevelRepository
	levelSvc    *LevelService
	audit       *auditRecorder
	notifier    Notifier
}

func NewBonusService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, notifier Notifier, levelSvc *LevelService) *BonusService {
	return &BonusService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		userRepo:    repository.NewUserRepository(db),
		entryRepo:   repository.NewEntryRepository(db),
		orderRepo:   repository.NewOrderRepository(db),
		levelRepo:   repository.NewLevelRepository(db),
		levelSvc:    levelSvc,
		audit:       newAuditRecorder(db),
		notifier:    notifier,
	}
}

func (s *BonusService) defaultExpiry(now time.Time) *time.Time {
	days := s.cfg.Bonus.DefaultExpiresDays
	if days <= 0 {
		return nil
	}
	expires := now.AddDate(0, 0, days)
	return &expires
}

// ============================================================================
// 发放（订单完成）
// ============================================================================

// Earn 订单完成后发放积分
//
// 【关键点】幂等性的两道闸：
// 1. 查流水：订单已有未作废的发放流水，直接返回（重试/重复调用）
// 2. CAS 标记：bonus_earn_locked 仅当为 false 时置位，没抢到说明
//    另一个并发调用正在发放，放弃即可。失败时回滚标记让重试可以继续，
//    成功后标记永久保持
func (s *BonusService) Earn(ctx context.Context, orderID int64) (*model.BonusEntry, error) {
	if !s.cfg.Bonus.Enabled {
		return nil, nil
	}

	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	// 幂等校验
	existing, err := s.entryRepo.GetEarnByOrderID(ctx, nil, orderID)
	if err != nil {
		return nil, fmt.Errorf("查询发放流水失败: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	// 多进程下先抢用户级分布式锁，缩短 CAS 标记上的争抢
	if s.redisClient != nil {
		earnLock := lock.NewEarnLock(s.redisClient, order.UserID)
		if err := earnLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer earnLock.Unlock(ctx)
	}

	locked, err := s.orderRepo.TryLockEarn(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("置发放标记失败: %w", err)
	}
	if !locked {
		// 并发调用已经在发放或已发放完成
		existing, err := s.entryRepo.GetEarnByOrderID(ctx, nil, orderID)
		if err != nil {
			return nil, err
		}
		return existing, nil
	}

	now := time.Now()
	var entry *model.BonusEntry
	var oldBalance int64

	err = s.db.Transaction(func(tx *gorm.DB) error {
		user, err := s.userRepo.GetByIDForUpdate(ctx, tx, order.UserID)
		if err != nil {
			return err
		}
		oldBalance = user.BonusBalance

		levels, err := s.levelRepo.ListOrdered(ctx, tx)
		if err != nil {
			return fmt.Errorf("读取等级配置失败: %w", err)
		}
		level := levelByID(levels, user.CurrentLevelID)
		if level == nil && len(levels) > 0 {
			level = levels[0]
		}
		if level == nil {
			return nil
		}

		base := order.Subtotal - order.BonusSpent
		if base < 0 {
			base = 0
		}
		amount := int64(math.Floor(float64(base) * level.EarnRate))
		if amount <= 0 {
			// 记录零发放快照后直接结束，不产生流水
			return s.orderRepo.SaveEarnedAmount(ctx, tx, orderID, 0)
		}

		entry = &model.BonusEntry{
			EntryNo:         idgen.GenerateEntryNo(),
			UserID:          order.UserID,
			Type:            model.EntryTypeEarn,
			Status:          model.EntryStatusCompleted,
			Amount:          amount,
			RemainingAmount: amount,
			OrderID:         &orderID,
			ExpiresAt:       s.defaultExpiry(now),
			Description:     fmt.Sprintf("订单完成发放-%s", level.Name),
		}
		if err := s.entryRepo.Create(ctx, tx, entry); err != nil {
			return fmt.Errorf("写发放流水失败: %w", err)
		}
		if err := s.userRepo.AddBalance(ctx, tx, order.UserID, amount); err != nil {
			return fmt.Errorf("增加余额失败: %w", err)
		}
		if err := s.orderRepo.SaveEarnedAmount(ctx, tx, orderID, amount); err != nil {
			return fmt.Errorf("记录发放快照失败: %w", err)
		}

		if err := s.levelSvc.CheckLevelUp(ctx, tx, order.UserID); err != nil {
			return err
		}

		if err := s.notifier.NotifyBonusUpdate(ctx, tx, order.UserID, oldBalance+amount, map[string]interface{}{
			"event":    "earn",
			"order_id": orderID,
			"amount":   amount,
		}); err != nil {
			log.Printf("[BonusService] 积分变动通知投递失败: userID=%d, err=%v", order.UserID, err)
		}
		return nil
	})

	if err != nil {
		// 回滚发放标记，让下一次重试可以继续
		if unlockErr := s.orderRepo.UnlockEarn(ctx, orderID); unlockErr != nil {
			log.Printf("[BonusService] 回滚发放标记失败: orderID=%d, err=%v", orderID, unlockErr)
		}
		return nil, wrapLockTimeout(err)
	}

	if entry != nil {
		s.audit.record(ctx, &model.AuditRecord{
			EventType: model.AuditEventEarn,
			Severity:  model.AuditSeverityInfo,
			UserID:    order.UserID,
			OrderID:   &orderID,
			OldValue:  oldBalance,
			NewValue:  oldBalance + entry.Amount,
			Metadata:  marshalMeta(map[string]interface{}{"entry_no": entry.EntryNo}),
		})
		log.Printf("[BonusService] 发放成功: orderID=%d, userID=%d, amount=%d",
			orderID, order.UserID, entry.Amount)
	}
	return entry, nil
}

// ============================================================================
// 抵扣（下单使用积分）
// ============================================================================

// Spend 按订单的 bonus_spent 扣减积分
//
// 消耗顺序是「先过期先消耗」：按过期时间升序逐笔扣减入账流水的
// remaining_amount，每笔扣减生成一条 PENDING 抵扣流水并指向来源，
// 订单完成时再转为 COMPLETED。缓存余额立即扣减
func (s *BonusService) Spend(ctx context.Context, orderID int64) (int64, error) {
	if !s.cfg.Bonus.Enabled {
		return 0, nil
	}

	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if order.BonusSpent <= 0 {
		return 0, nil
	}

	// 幂等快路径：已有抵扣流水直接返回，不开事务
	already, err := s.entryRepo.SumSpendByOrderID(ctx, nil, orderID)
	if err != nil {
		return 0, fmt.Errorf("查询抵扣流水失败: %w", err)
	}
	if already > 0 {
		return already, nil
	}

	now := time.Now()
	var oldBalance, recordedSpent int64

	err = s.db.Transaction(func(tx *gorm.DB) error {
		user, err := s.userRepo.GetByIDForUpdate(ctx, tx, order.UserID)
		if err != nil {
			return err
		}
		oldBalance = user.BonusBalance

		// 【关键点】锁内复核幂等：锁外的快路径挡不住并发 —— 两个调用
		// 可能同时读到「尚无抵扣流水」，必须在拿到用户行锁之后再查一次，
		// 否则同一订单会被扣两次
		recordedSpent, err = s.entryRepo.SumSpendByOrderID(ctx, tx, orderID)
		if err != nil {
			return fmt.Errorf("查询抵扣流水失败: %w", err)
		}
		if recordedSpent > 0 {
			return nil
		}

		if user.BonusBalance < order.BonusSpent {
			return ErrInsufficientBalance
		}

		entries, err := s.entryRepo.ListActiveForUpdate(ctx, tx, order.UserID, now)
		if err != nil {
			return fmt.Errorf("查询可用流水失败: %w", err)
		}

		left := order.BonusSpent
		for _, source := range entries {
			if left <= 0 {
				break
			}
			take := source.RemainingAmount
			if take > left {
				take = left
			}
			if err := s.entryRepo.AddRemaining(ctx, tx, source.ID, -take); err != nil {
				return fmt.Errorf("扣减入账流水失败: %w", err)
			}
			sourceID := source.ID
			spendEntry := &model.BonusEntry{
				EntryNo:        idgen.GenerateEntryNo(),
				UserID:         order.UserID,
				Type:           model.EntryTypeSpend,
				Status:         model.EntryStatusPending,
				Amount:         take,
				OrderID:        &orderID,
				RelatedEntryID: &sourceID,
				Description:    "下单抵扣",
			}
			if err := s.entryRepo.Create(ctx, tx, spendEntry); err != nil {
				return fmt.Errorf("写抵扣流水失败: %w", err)
			}
			left -= take
		}

		// 余额校验已经挡过一次，这里兜底并发竞态：可用流水凑不齐就整体回滚
		if left > 0 {
			return ErrInsufficientBalance
		}

		if err := s.userRepo.AddBalance(ctx, tx, order.UserID, -order.BonusSpent); err != nil {
			return fmt.Errorf("扣减余额失败: %w", err)
		}

		if err := s.notifier.NotifyBonusUpdate(ctx, tx, order.UserID, oldBalance-order.BonusSpent, map[string]interface{}{
			"event":    "spend",
			"order_id": orderID,
			"amount":   order.BonusSpent,
		}); err != nil {
			log.Printf("[BonusService] 积分变动通知投递失败: userID=%d, err=%v", order.UserID, err)
		}
		return nil
	})

	if err != nil {
		return 0, wrapLockTimeout(err)
	}
	if recordedSpent > 0 {
		// 并发调用已经落过抵扣，本次什么都没写
		return recordedSpent, nil
	}

	s.audit.record(ctx, &model.AuditRecord{
		EventType: model.AuditEventSpend,
		Severity:  model.AuditSeverityInfo,
		UserID:    order.UserID,
		OrderID:   &orderID,
		OldValue:  oldBalance,
		NewValue:  oldBalance - order.BonusSpent,
	})
	log.Printf("[BonusService] 抵扣成功: orderID=%d, userID=%d, amount=%d",
		orderID, order.UserID, order.BonusSpent)
	return order.BonusSpent, nil
}

// PromoteSpends 订单完成时把该订单的抵扣流水转为已生效
func (s *BonusService) PromoteSpends(ctx context.Context, orderID int64) error {
	return s.entryRepo.PromoteSpendsByOrderID(ctx, nil, orderID)
}

// ============================================================================
// 取消（订单取消，全量回滚）
// ============================================================================

// Cancel 回滚订单的全部积分变动
//
// 抵扣流水逐笔返还到来源入账流水；来源已作废或容量不足时，
// 改为生成一条补偿入账流水（绝不修改已作废的行）。
// 发放流水作废并清零，未消耗部分按没收处理。
// 回滚后余额可能为负 —— 照实写入并记告警审计，由对账任务自愈，
// 这里绝不做本地截断
func (s *BonusService) Cancel(ctx context.Context, orderID int64) error {
	if !s.cfg.Bonus.Enabled {
		return nil
	}

	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return err
	}

	now := time.Now()
	var oldBalance, newBalance int64
	var totalSpentReversed, totalEarnedReversed int64
	changed := false

	err = s.db.Transaction(func(tx *gorm.DB) error {
		user, err := s.userRepo.GetByIDForUpdate(ctx, tx, order.UserID)
		if err != nil {
			return err
		}
		oldBalance = user.BonusBalance

		entries, err := s.entryRepo.ListByOrderID(ctx, tx, orderID)
		if err != nil {
			return fmt.Errorf("查询订单流水失败: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		changed = true

		// 本次一并作废的入账流水，抵扣返还时不得写回这些行
		cancellingEarn := make(map[int64]bool)
		for _, entry := range entries {
			if model.IsEarnLike(entry.Type) {
				cancellingEarn[entry.ID] = true
			}
		}

		for _, entry := range entries {
			switch {
			case entry.Type == model.EntryTypeSpend:
				restore := entry.Amount
				restored := false
				if entry.RelatedEntryID != nil && !cancellingEarn[*entry.RelatedEntryID] {
					source, err := s.entryRepo.GetByID(ctx, tx, *entry.RelatedEntryID)
					if err != nil && !errors.Is(err, repository.ErrEntryNotFound) {
						return err
					}
					if source != nil &&
						source.Status != model.EntryStatusCancelled &&
						source.RemainingAmount+restore <= source.Amount {
						if err := s.entryRepo.AddRemaining(ctx, tx, source.ID, restore); err != nil {
							return fmt.Errorf("返还入账流水失败: %w", err)
						}
						restored = true
					}
				}
				if !restored {
					// 来源不可写，生成补偿入账
					spendID := entry.ID
					compensation := &model.BonusEntry{
						EntryNo:         idgen.GenerateEntryNo(),
						UserID:          order.UserID,
						Type:            model.EntryTypeEarn,
						Status:          model.EntryStatusCompleted,
						Amount:          restore,
						RemainingAmount: restore,
						RelatedEntryID:  &spendID,
						ExpiresAt:       s.defaultExpiry(now),
						Description:     "取消订单补偿返还",
					}
					if err := s.entryRepo.Create(ctx, tx, compensation); err != nil {
						return fmt.Errorf("写补偿流水失败: %w", err)
					}
				}
				if err := s.entryRepo.MarkCancelled(ctx, tx, entry.ID); err != nil {
					return fmt.Errorf("作废抵扣流水失败: %w", err)
				}
				totalSpentReversed += restore

			case model.IsEarnLike(entry.Type):
				// 未消耗部分没收
				totalEarnedReversed += entry.RemainingAmount
				if err := s.entryRepo.MarkCancelled(ctx, tx, entry.ID); err != nil {
					return fmt.Errorf("作废发放流水失败: %w", err)
				}
			}
		}

		delta := totalSpentReversed - totalEarnedReversed
		newBalance = oldBalance + delta
		if delta != 0 {
			if err := s.userRepo.AddBalance(ctx, tx, order.UserID, delta); err != nil {
				return fmt.Errorf("回滚余额失败: %w", err)
			}
		}

		// 消费额变了，等级需要重算
		if err := s.levelSvc.CheckLevelUp(ctx, tx, order.UserID); err != nil {
			return err
		}

		if err := s.notifier.NotifyBonusUpdate(ctx, tx, order.UserID, newBalance, map[string]interface{}{
			"event":    "cancel",
			"order_id": orderID,
		}); err != nil {
			log.Printf("[BonusService] 积分变动通知投递失败: userID=%d, err=%v", order.UserID, err)
		}
		return nil
	})

	if err != nil {
		return wrapLockTimeout(err)
	}
	if !changed {
		return nil
	}

	s.audit.record(ctx, &model.AuditRecord{
		EventType: model.AuditEventCancel,
		Severity:  model.AuditSeverityInfo,
		UserID:    order.UserID,
		OrderID:   &orderID,
		OldValue:  oldBalance,
		NewValue:  newBalance,
		Metadata: marshalMeta(map[string]interface{}{
			"spent_reversed":  totalSpentReversed,
			"earned_reversed": totalEarnedReversed,
		}),
	})

	if newBalance < 0 {
		// 负余额说明别处已经破坏了不变式，这里只报警，留给对账任务修复
		s.audit.record(ctx, &model.AuditRecord{
			EventType: model.AuditEventNegativeBalance,
			Severity:  model.AuditSeverityWarning,
			UserID:    order.UserID,
			OrderID:   &orderID,
			OldValue:  oldBalance,
			NewValue:  newBalance,
		})
		log.Printf("[BonusService] 检测到负余额: userID=%d, balance=%d", order.UserID, newBalance)
	}

	log.Printf("[BonusService] 取消回滚完成: orderID=%d, userID=%d, %d -> %d",
		orderID, order.UserID, oldBalance, newBalance)
	return nil
}

// ============================================================================
// 人工调整
// ============================================================================

// Adjust 管理员手工调整积分
// 正数生成一条入账流水（带默认有效期）；负数按「先过期先消耗」
// 扣减可用流水，凑不齐则整体失败
func (s *BonusService) Adjust(ctx context.Context, userID int64, delta int64, description string, adminID int64) (*model.BonusEntry, error) {
	if !s.cfg.Bonus.Enabled {
		return nil, ErrBonusDisabled
	}
	if delta == 0 {
		return nil, ErrInvalidAdjustment
	}

	now := time.Now()
	var entry *model.BonusEntry
	var oldBalance int64

	err := s.db.Transaction(func(tx *gorm.DB) error {
		user, err := s.userRepo.GetByIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		oldBalance = user.BonusBalance

		if delta > 0 {
			entry = &model.BonusEntry{
				EntryNo:         idgen.GenerateAdjustNo(),
				UserID:          userID,
				Type:            model.EntryTypeAdjustment,
				Status:          model.EntryStatusCompleted,
				Amount:          delta,
				RemainingAmount: delta,
				ExpiresAt:       s.defaultExpiry(now),
				Description:     description,
			}
			if err := s.entryRepo.Create(ctx, tx, entry); err != nil {
				return fmt.Errorf("写调整流水失败: %w", err)
			}
		} else {
			need := -delta
			if user.BonusBalance < need {
				return ErrInsufficientBalance
			}
			entries, err := s.entryRepo.ListActiveForUpdate(ctx, tx, userID, now)
			if err != nil {
				return fmt.Errorf("查询可用流水失败: %w", err)
			}
			left := need
			for _, source := range entries {
				if left <= 0 {
					break
				}
				take := source.RemainingAmount
				if take > left {
					take = left
				}
				if err := s.entryRepo.AddRemaining(ctx, tx, source.ID, -take); err != nil {
					return fmt.Errorf("扣减入账流水失败: %w", err)
				}
				left -= take
			}
			if left > 0 {
				return ErrInsufficientBalance
			}
			entry = &model.BonusEntry{
				EntryNo:     idgen.GenerateAdjustNo(),
				UserID:      userID,
				Type:        model.EntryTypeAdjustment,
				Status:      model.EntryStatusCompleted,
				Amount:      delta,
				Description: description,
			}
			if err := s.entryRepo.Create(ctx, tx, entry); err != nil {
				return fmt.Errorf("写调整流水失败: %w", err)
			}
		}

		if err := s.userRepo.AddBalance(ctx, tx, userID, delta); err != nil {
			return fmt.Errorf("调整余额失败: %w", err)
		}

		if err := s.notifier.NotifyBonusUpdate(ctx, tx, userID, oldBalance+delta, map[string]interface{}{
			"event":  "adjust",
			"amount": delta,
		}); err != nil {
			log.Printf("[BonusService] 积分变动通知投递失败: userID=%d, err=%v", userID, err)
		}
		return nil
	})

	if err != nil {
		return nil, wrapLockTimeout(err)
	}

	s.audit.record(ctx, &model.AuditRecord{
		EventType: model.AuditEventAdjust,
		Severity:  model.AuditSeverityInfo,
		UserID:    userID,
		OldValue:  oldBalance,
		NewValue:  oldBalance + delta,
		Metadata: marshalMeta(map[string]interface{}{
			"admin_id":    adminID,
			"description": description,
		}),
	})
	log.Printf("[BonusService] 人工调整: userID=%d, delta=%d, adminID=%d", userID, delta, adminID)
	return entry, nil
}

// ============================================================================
// 回退与补发
// ============================================================================

// RemoveEarned 订单从已完成回退时收回发放
// 只收回未消耗部分；发放快照和幂等标记保留，重新完成时走补发
func (s *BonusService) RemoveEarned(ctx context.Context, orderID int64) error {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return err
	}

	var oldBalance, forfeited int64
	removed := false

	err = s.db.Transaction(func(tx *gorm.DB) error {
		user, err := s.userRepo.GetByIDForUpdate(ctx, tx, order.UserID)
		if err != nil {
			return err
		}
		oldBalance = user.BonusBalance

		entry, err := s.entryRepo.GetEarnByOrderID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		removed = true
		forfeited = entry.RemainingAmount

		if err := s.entryRepo.MarkCancelled(ctx, tx, entry.ID); err != nil {
			return fmt.Errorf("作废发放流水失败: %w", err)
		}
		if forfeited > 0 {
			if err := s.userRepo.AddBalance(ctx, tx, order.UserID, -forfeited); err != nil {
				return fmt.Errorf("扣减余额失败: %w", err)
			}
		}
		return nil
	})

	if err != nil {
		return wrapLockTimeout(err)
	}
	if !removed {
		return nil
	}

	s.audit.record(ctx, &model.AuditRecord{
		EventType: model.AuditEventRemoveEarned,
		Severity:  model.AuditSeverityInfo,
		UserID:    order.UserID,
		OrderID:   &orderID,
		OldValue:  oldBalance,
		NewValue:  oldBalance - forfeited,
	})
	log.Printf("[BonusService] 回退收回发放: orderID=%d, userID=%d, forfeited=%d",
		orderID, order.UserID, forfeited)
	return nil
}

// RedeliveryEarn 订单回退后重新完成时补发
// 按发放时的快照数量补发，不按当前等级重算 —— 等级可能已经变了
func (s *BonusService) RedeliveryEarn(ctx context.Context, orderID int64) (*model.BonusEntry, error) {
	if !s.cfg.Bonus.Enabled {
		return nil, nil
	}

	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.EarnedAmount <= 0 {
		return nil, nil
	}

	// 幂等快路径：已有有效发放流水则不重复补发
	existing, err := s.entryRepo.GetEarnByOrderID(ctx, nil, orderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now()
	var entry *model.BonusEntry
	var oldBalance int64
	duplicate := false

	err = s.db.Transaction(func(tx *gorm.DB) error {
		user, err := s.userRepo.GetByIDForUpdate(ctx, tx, order.UserID)
		if err != nil {
			return err
		}
		oldBalance = user.BonusBalance

		// 锁内复核：并发补发可能在快路径之后已经提交
		existing, err := s.entryRepo.GetEarnByOrderID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if existing != nil {
			entry = existing
			duplicate = true
			return nil
		}

		entry = &model.BonusEntry{
			EntryNo:         idgen.GenerateEntryNo(),
			UserID:          order.UserID,
			Type:            model.EntryTypeEarn,
			Status:          model.EntryStatusCompleted,
			Amount:          order.EarnedAmount,
			RemainingAmount: order.EarnedAmount,
			OrderID:         &orderID,
			ExpiresAt:       s.defaultExpiry(now),
			Description:     "订单重新完成补发",
		}
		if err := s.entryRepo.Create(ctx, tx, entry); err != nil {
			return fmt.Errorf("写补发流水失败: %w", err)
		}
		if err := s.userRepo.AddBalance(ctx, tx, order.UserID, order.EarnedAmount); err != nil {
			return fmt.Errorf("增加余额失败: %w", err)
		}
		if err := s.levelSvc.CheckLevelUp(ctx, tx, order.UserID); err != nil {
			return err
		}
		if err := s.notifier.NotifyBonusUpdate(ctx, tx, order.UserID, oldBalance+order.EarnedAmount, map[string]interface{}{
			"event":    "redelivery_earn",
			"order_id": orderID,
			"amount":   order.EarnedAmount,
		}); err != nil {
			log.Printf("[BonusService] 积分变动通知投递失败: userID=%d, err=%v", order.UserID, err)
		}
		return nil
	})

	if err != nil {
		return nil, wrapLockTimeout(err)
	}
	if duplicate {
		return entry, nil
	}

	s.audit.record(ctx, &model.AuditRecord{
		EventType: model.AuditEventRedelivery,
		Severity:  model.AuditSeverityInfo,
		UserID:    order.UserID,
		OrderID:   &orderID,
		OldValue:  oldBalance,
		NewValue:  oldBalance + order.EarnedAmount,
	})
	return entry, nil
}

// ============================================================================
// 只读接口
// ============================================================================

// BalanceSummaryResult 余额概览
type BalanceSummaryResult struct {
	UserID          int64      `json:"user_id"`
	Balance         int64      `json:"balance"`          // 缓存余额
	ActiveRemaining int64      `json:"active_remaining"` // 有效入账流水未消耗之和
	NextExpiresAt   *time.Time `json:"next_expires_at,omitempty"`
	CurrentLevelID  int64      `json:"current_level_id"`
}

func (s *BonusService) BalanceSummary(ctx context.Context, userID int64) (*BalanceSummaryResult, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	activeRemaining, err := s.entryRepo.SumActiveRemaining(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	nextExpiry, err := s.entryRepo.NextExpiry(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	return &BalanceSummaryResult{
		UserID:          userID,
		Balance:         user.BonusBalance,
		ActiveRemaining: activeRemaining,
		NextExpiresAt:   nextExpiry,
		CurrentLevelID:  user.CurrentLevelID,
	}, nil
}

// History 分页查询积分明细
func (s *BonusService) History(ctx context.Context, userID int64, page, pageSize int) ([]*model.BonusEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.entryRepo.ListByUserID(ctx, userID, page, pageSize)
}
