package service

import (
	"context"
	"testing"
	"time"

	"bonusledger/internal/config"
	"bonusledger/internal/model"
	"bonusledger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newBonusService(t *testing.T) (*gorm.DB, *BonusService) {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := config.Default()
	levelSvc := NewLevelService(db, cfg, NopNotifier{})
	return db, NewBonusService(db, nil, cfg, NopNotifier{}, levelSvc)
}

func userBalance(t *testing.T, db *gorm.DB, userID int64) int64 {
	t.Helper()
	var user model.User
	require.NoError(t, db.First(&user, userID).Error)
	return user.BonusBalance
}

func reloadEntry(t *testing.T, db *gorm.DB, id int64) *model.BonusEntry {
	t.Helper()
	var entry model.BonusEntry
	require.NoError(t, db.First(&entry, id).Error)
	return &entry
}

func auditCount(t *testing.T, db *gorm.DB, eventType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&model.AuditRecord{}).
		Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

// ============================================================================
// 发放
// ============================================================================

func TestEarnByLevelRate(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:   user.ID,
		Total:    1000,
		Subtotal: 1000,
	})

	entry, err := svc.Earn(context.Background(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)

	// 青铜 3%：1000 * 0.03 = 30
	assert.Equal(t, int64(30), entry.Amount)
	assert.Equal(t, int64(30), entry.RemainingAmount)
	assert.Equal(t, model.EntryTypeEarn, entry.Type)
	assert.Equal(t, model.EntryStatusCompleted, entry.Status)
	assert.NotNil(t, entry.ExpiresAt)
	assert.Equal(t, int64(30), userBalance(t, db, user.ID))

	var reloaded model.Order
	require.NoError(t, db.First(&reloaded, order.ID).Error)
	assert.True(t, reloaded.BonusEarnLocked)
	assert.Equal(t, int64(30), reloaded.EarnedAmount)
	assert.Equal(t, int64(1), auditCount(t, db, model.AuditEventEarn))
}

func TestEarnExcludesBonusSpentFromBase(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:     user.ID,
		Total:      920,
		Subtotal:   1000,
		BonusSpent: 80,
	})

	entry, err := svc.Earn(context.Background(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)

	// 发放基数扣掉积分抵扣部分：(1000-80) * 0.03 = 27.6，向下取整
	assert.Equal(t, int64(27), entry.Amount)
}

func TestEarnIdempotent(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:   user.ID,
		Total:    1000,
		Subtotal: 1000,
	})

	first, err := svc.Earn(context.Background(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := svc.Earn(context.Background(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	var entryCount int64
	require.NoError(t, db.Model(&model.BonusEntry{}).
		Where("order_id = ? AND type = ?", order.ID, model.EntryTypeEarn).
		Count(&entryCount).Error)
	assert.Equal(t, int64(1), entryCount)
	assert.Equal(t, int64(30), userBalance(t, db, user.ID))
}

func TestEarnZeroAmountWritesNoEntry(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:   user.ID,
		Total:    10,
		Subtotal: 10,
	})

	// 10 * 0.03 = 0.3，向下取整为 0
	entry, err := svc.Earn(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, int64(0), userBalance(t, db, user.ID))

	var entryCount int64
	require.NoError(t, db.Model(&model.BonusEntry{}).Count(&entryCount).Error)
	assert.Equal(t, int64(0), entryCount)
}

func TestEarnDisabled(t *testing.T) {
	db, svc := newBonusService(t)
	svc.cfg.Bonus.Enabled = false
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:   user.ID,
		Total:    1000,
		Subtotal: 1000,
	})

	entry, err := svc.Earn(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, int64(0), userBalance(t, db, user.ID))
}

// ============================================================================
// 抵扣
// ============================================================================

func TestSpendConsumesEarliestExpiryFirst(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 100, levels[0].ID)
	now := time.Now()
	e1 := testutil.CreateEarnEntry(t, db, user.ID, 60, 60, now.AddDate(0, 0, 10))
	e2 := testutil.CreateEarnEntry(t, db, user.ID, 40, 40, now.AddDate(0, 0, 30))
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:     user.ID,
		Total:      920,
		Subtotal:   1000,
		BonusSpent: 80,
	})

	spent, err := svc.Spend(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(80), spent)

	// 先消耗快过期的 e1（60 全扣），再从 e2 扣 20
	assert.Equal(t, int64(0), reloadEntry(t, db, e1.ID).RemainingAmount)
	assert.Equal(t, int64(20), reloadEntry(t, db, e2.ID).RemainingAmount)
	assert.Equal(t, int64(20), userBalance(t, db, user.ID))

	var spends []*model.BonusEntry
	require.NoError(t, db.
		Where("order_id = ? AND type = ?", order.ID, model.EntryTypeSpend).
		Order("id ASC").Find(&spends).Error)
	require.Len(t, spends, 2)
	assert.Equal(t, int64(60), spends[0].Amount)
	assert.Equal(t, e1.ID, *spends[0].RelatedEntryID)
	assert.Equal(t, model.EntryStatusPending, spends[0].Status)
	assert.Equal(t, int64(20), spends[1].Amount)
	assert.Equal(t, e2.ID, *spends[1].RelatedEntryID)
}

func TestSpendNeverExpiringConsumedLast(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 100, levels[0].ID)

	// e1 永不过期，e2 十天后过期
	e1 := &model.BonusEntry{
		EntryNo:         "BNS-test-forever",
		UserID:          user.ID,
		Type:            model.EntryTypeEarn,
		Status:          model.EntryStatusCompleted,
		Amount:          50,
		RemainingAmount: 50,
	}
	require.NoError(t, db.Create(e1).Error)
	e2 := testutil.CreateEarnEntry(t, db, user.ID, 50, 50, time.Now().AddDate(0, 0, 10))
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:     user.ID,
		Total:      940,
		Subtotal:   1000,
		BonusSpent: 60,
	})

	_, err := svc.Spend(context.Background(), order.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(0), reloadEntry(t, db, e2.ID).RemainingAmount)
	assert.Equal(t, int64(40), reloadEntry(t, db, e1.ID).RemainingAmount)
}

func TestSpendIdempotent(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 100, levels[0].ID)
	testutil.CreateEarnEntry(t, db, user.ID, 100, 100, time.Now().AddDate(0, 0, 10))
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:     user.ID,
		Total:      920,
		Subtotal:   1000,
		BonusSpent: 80,
	})

	first, err := svc.Spend(context.Background(), order.ID)
	require.NoError(t, err)
	second, err := svc.Spend(context.Background(), order.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(20), userBalance(t, db, user.ID))

	var spendCount int64
	require.NoError(t, db.Model(&model.BonusEntry{}).
		Where("order_id = ? AND type = ?", order.ID, model.EntryTypeSpend).
		Count(&spendCount).Error)
	assert.Equal(t, int64(1), spendCount)
}

func TestSpendInsufficientBalance(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 30, levels[0].ID)
	testutil.CreateEarnEntry(t, db, user.ID, 30, 30, time.Now().AddDate(0, 0, 10))
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:     user.ID,
		Total:      950,
		Subtotal:   1000,
		BonusSpent: 50,
	})

	_, err := svc.Spend(context.Background(), order.ID)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(30), userBalance(t, db, user.ID))
}

func TestSpendRollsBackWhenEntriesShort(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	// 缓存余额虚高：流水只有 50，余额却是 100
	user := testutil.CreateUser(t, db, 100, levels[0].ID)
	e1 := testutil.CreateEarnEntry(t, db, user.ID, 50, 50, time.Now().AddDate(0, 0, 10))
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:     user.ID,
		Total:      920,
		Subtotal:   1000,
		BonusSpent: 80,
	})

	_, err := svc.Spend(context.Background(), order.ID)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// 整体回滚：流水和余额都不变
	assert.Equal(t, int64(50), reloadEntry(t, db, e1.ID).RemainingAmount)
	assert.Equal(t, int64(100), userBalance(t, db, user.ID))

	var spendCount int64
	require.NoError(t, db.Model(&model.BonusEntry{}).
		Where("type = ?", model.EntryTypeSpend).Count(&spendCount).Error)
	assert.Equal(t, int64(0), spendCount)
}

// injectAfterUserLock 在锁定用户行的查询完成后注入一条已提交的流水，
// 复现「锁外幂等校验通过、另一并发调用随即提交」的时间窗口
func injectAfterUserLock(t *testing.T, db *gorm.DB, insert func(tx *gorm.DB) error) {
	t.Helper()
	fired := false
	err := db.Callback().Query().After("gorm:query").Register("inject_concurrent_entry", func(gdb *gorm.DB) {
		if fired {
			return
		}
		if _, ok := gdb.Statement.Dest.(*model.User); !ok {
			return
		}
		fired = true
		if err := insert(gdb.Session(&gorm.Session{NewDB: true})); err != nil {
			t.Errorf("注入并发流水失败: %v", err)
		}
	})
	require.NoError(t, err)
}

func TestSpendDetectsConcurrentAllocationUnderLock(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 100, levels[0].ID)
	e1 := testutil.CreateEarnEntry(t, db, user.ID, 100, 100, time.Now().AddDate(0, 0, 10))
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:     user.ID,
		Total:      920,
		Subtotal:   1000,
		BonusSpent: 80,
	})

	// 拿到行锁之前，另一个调用已经为同一订单落了抵扣流水
	orderID := order.ID
	injectAfterUserLock(t, db, func(tx *gorm.DB) error {
		return tx.Create(&model.BonusEntry{
			EntryNo: "BNS-concurrent-spend",
			UserID:  user.ID,
			Type:    model.EntryTypeSpend,
			Status:  model.EntryStatusPending,
			Amount:  80,
			OrderID: &orderID,
		}).Error
	})

	spent, err := svc.Spend(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(80), spent)

	// 锁内复核挡下重复：本次调用不扣余额、不扣来源、不再记流水
	assert.Equal(t, int64(100), userBalance(t, db, user.ID))
	assert.Equal(t, int64(100), reloadEntry(t, db, e1.ID).RemainingAmount)
	var spendCount int64
	require.NoError(t, db.Model(&model.BonusEntry{}).
		Where("order_id = ? AND type = ?", order.ID, model.EntryTypeSpend).
		Count(&spendCount).Error)
	assert.Equal(t, int64(1), spendCount)
}

func TestRedeliveryEarnDetectsConcurrentIssueUnderLock(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 30, levels[0].ID)
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:          user.ID,
		Total:           1000,
		Subtotal:        1000,
		EarnedAmount:    30,
		BonusEarnLocked: true,
	})

	orderID := order.ID
	injectAfterUserLock(t, db, func(tx *gorm.DB) error {
		return tx.Create(&model.BonusEntry{
			EntryNo:         "BNS-concurrent-earn",
			UserID:          user.ID,
			Type:            model.EntryTypeEarn,
			Status:          model.EntryStatusCompleted,
			Amount:          30,
			RemainingAmount: 30,
			OrderID:         &orderID,
		}).Error
	})

	entry, err := svc.RedeliveryEarn(context.Background(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(30), entry.Amount)

	// 不重复加余额，不重复落流水
	assert.Equal(t, int64(30), userBalance(t, db, user.ID))
	var earnCount int64
	require.NoError(t, db.Model(&model.BonusEntry{}).
		Where("order_id = ? AND type = ?", order.ID, model.EntryTypeEarn).
		Count(&earnCount).Error)
	assert.Equal(t, int64(1), earnCount)
}

// ============================================================================
// 取消
// ============================================================================

func TestCancelRestoresSpendAndForfeitsEarn(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 100, levels[0].ID)
	now := time.Now()
	e1 := testutil.CreateEarnEntry(t, db, user.ID, 60, 60, now.AddDate(0, 0, 10))
	e2 := testutil.CreateEarnEntry(t, db, user.ID, 40, 40, now.AddDate(0, 0, 30))
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:     user.ID,
		Total:      920,
		Subtotal:   1000,
		BonusSpent: 80,
	})

	ctx := context.Background()
	_, err := svc.Spend(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, svc.PromoteSpends(ctx, order.ID))
	earn, err := svc.Earn(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, earn)
	require.Equal(t, int64(47), userBalance(t, db, user.ID)) // 100 - 80 + 27

	require.NoError(t, svc.Cancel(ctx, order.ID))

	// 抵扣全额返还到来源，发放没收，回到下单前的 100
	assert.Equal(t, int64(100), userBalance(t, db, user.ID))
	assert.Equal(t, int64(60), reloadEntry(t, db, e1.ID).RemainingAmount)
	assert.Equal(t, int64(40), reloadEntry(t, db, e2.ID).RemainingAmount)

	cancelled := reloadEntry(t, db, earn.ID)
	assert.Equal(t, model.EntryStatusCancelled, cancelled.Status)
	assert.Equal(t, int64(0), cancelled.RemainingAmount)

	var activeSpends int64
	require.NoError(t, db.Model(&model.BonusEntry{}).
		Where("order_id = ? AND type = ? AND status <> ?",
			order.ID, model.EntryTypeSpend, model.EntryStatusCancelled).
		Count(&activeSpends).Error)
	assert.Equal(t, int64(0), activeSpends)
	assert.Equal(t, int64(1), auditCount(t, db, model.AuditEventCancel))
}

func TestCancelCreatesCompensationWhenSourceCancelled(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 60, levels[0].ID)
	e1 := testutil.CreateEarnEntry(t, db, user.ID, 60, 60, time.Now().AddDate(0, 0, 10))
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:     user.ID,
		Total:      940,
		Subtotal:   1000,
		BonusSpent: 60,
	})

	ctx := context.Background()
	_, err := svc.Spend(ctx, order.ID)
	require.NoError(t, err)

	// 来源流水在取消前被作废（如已被过期清扫处理）
	require.NoError(t, db.Model(&model.BonusEntry{}).
		Where("id = ?", e1.ID).
		Update("status", model.EntryStatusCancelled).Error)

	require.NoError(t, svc.Cancel(ctx, order.ID))

	// 不写回已作废的行，改为生成补偿入账
	assert.Equal(t, int64(0), reloadEntry(t, db, e1.ID).RemainingAmount)

	var compensation model.BonusEntry
	require.NoError(t, db.
		Where("user_id = ? AND type = ? AND order_id IS NULL", user.ID, model.EntryTypeEarn).
		First(&compensation).Error)
	assert.Equal(t, int64(60), compensation.Amount)
	assert.Equal(t, int64(60), compensation.RemainingAmount)
	assert.NotNil(t, compensation.RelatedEntryID)
	assert.Equal(t, int64(60), userBalance(t, db, user.ID))
}

func TestCancelWritesNegativeBalanceAndWarns(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:   user.ID,
		Total:    1000,
		Subtotal: 1000,
	})

	ctx := context.Background()
	_, err := svc.Earn(ctx, order.ID)
	require.NoError(t, err)

	// 人为制造缓存漂移：余额被改小
	require.NoError(t, db.Model(&model.User{}).
		Where("id = ?", user.ID).
		Update("bonus_balance", 10).Error)

	require.NoError(t, svc.Cancel(ctx, order.ID))

	// 负余额照实写入，不做截断，留给对账任务修复
	assert.Equal(t, int64(-20), userBalance(t, db, user.ID))
	assert.Equal(t, int64(1), auditCount(t, db, model.AuditEventNegativeBalance))
}

func TestCancelNoEntriesIsNoop(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 50, levels[0].ID)
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:   user.ID,
		Total:    1000,
		Subtotal: 1000,
	})

	require.NoError(t, svc.Cancel(context.Background(), order.ID))
	assert.Equal(t, int64(50), userBalance(t, db, user.ID))
	assert.Equal(t, int64(0), auditCount(t, db, model.AuditEventCancel))
}

// ============================================================================
// 人工调整
// ============================================================================

func TestAdjustPositive(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)

	entry, err := svc.Adjust(context.Background(), user.ID, 50, "客诉补偿", 9)
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, model.EntryTypeAdjustment, entry.Type)
	assert.Equal(t, int64(50), entry.Amount)
	assert.Equal(t, int64(50), entry.RemainingAmount)
	assert.NotNil(t, entry.ExpiresAt)
	assert.Equal(t, int64(50), userBalance(t, db, user.ID))
	assert.Equal(t, int64(1), auditCount(t, db, model.AuditEventAdjust))
}

func TestAdjustNegativeConsumesEntries(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 30, levels[0].ID)
	e1 := testutil.CreateEarnEntry(t, db, user.ID, 30, 30, time.Now().AddDate(0, 0, 10))

	entry, err := svc.Adjust(context.Background(), user.ID, -20, "误发扣回", 9)
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, int64(-20), entry.Amount)
	assert.Equal(t, int64(0), entry.RemainingAmount)
	assert.Equal(t, int64(10), reloadEntry(t, db, e1.ID).RemainingAmount)
	assert.Equal(t, int64(10), userBalance(t, db, user.ID))
}

func TestAdjustNegativeInsufficient(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 10, levels[0].ID)
	testutil.CreateEarnEntry(t, db, user.ID, 10, 10, time.Now().AddDate(0, 0, 10))

	_, err := svc.Adjust(context.Background(), user.ID, -20, "误发扣回", 9)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(10), userBalance(t, db, user.ID))
}

func TestAdjustZeroRejected(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)

	_, err := svc.Adjust(context.Background(), user.ID, 0, "", 9)
	assert.ErrorIs(t, err, ErrInvalidAdjustment)
}

func TestAdjustRejectedWhenDisabled(t *testing.T) {
	db, svc := newBonusService(t)
	svc.cfg.Bonus.Enabled = false
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)

	_, err := svc.Adjust(context.Background(), user.ID, 50, "客诉补偿", 9)
	assert.ErrorIs(t, err, ErrBonusDisabled)
}

// ============================================================================
// 回退与补发
// ============================================================================

func TestRemoveEarnedForfeitsOnlyRemaining(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	order1 := testutil.CreateOrder(t, db, &model.Order{
		UserID:   user.ID,
		Total:    1000,
		Subtotal: 1000,
	})

	ctx := context.Background()
	earn, err := svc.Earn(ctx, order1.ID)
	require.NoError(t, err)
	require.Equal(t, int64(30), earn.Amount)

	// 另一单抵扣掉 10，发放流水只剩 20 未消耗
	order2 := testutil.CreateOrder(t, db, &model.Order{
		UserID:     user.ID,
		Total:      990,
		Subtotal:   1000,
		BonusSpent: 10,
	})
	_, err = svc.Spend(ctx, order2.ID)
	require.NoError(t, err)
	require.Equal(t, int64(20), userBalance(t, db, user.ID))

	require.NoError(t, svc.RemoveEarned(ctx, order1.ID))

	// 只收回未消耗的 20，已消耗部分不追回
	assert.Equal(t, int64(0), userBalance(t, db, user.ID))
	assert.Equal(t, model.EntryStatusCancelled, reloadEntry(t, db, earn.ID).Status)

	// 发放快照和幂等标记保留，等重新完成时补发
	var reloaded model.Order
	require.NoError(t, db.First(&reloaded, order1.ID).Error)
	assert.Equal(t, int64(30), reloaded.EarnedAmount)
	assert.True(t, reloaded.BonusEarnLocked)
}

func TestRedeliveryEarnUsesSnapshot(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:   user.ID,
		Total:    1000,
		Subtotal: 1000,
	})

	ctx := context.Background()
	_, err := svc.Earn(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, svc.RemoveEarned(ctx, order.ID))
	require.Equal(t, int64(0), userBalance(t, db, user.ID))

	entry, err := svc.RedeliveryEarn(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, int64(30), entry.Amount)
	assert.Equal(t, int64(30), userBalance(t, db, user.ID))

	// 补发幂等
	again, err := svc.RedeliveryEarn(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)
	assert.Equal(t, int64(30), userBalance(t, db, user.ID))
}

// ============================================================================
// 只读接口
// ============================================================================

func TestBalanceSummary(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 100, levels[0].ID)
	now := time.Now()
	testutil.CreateEarnEntry(t, db, user.ID, 60, 60, now.AddDate(0, 0, 10))
	testutil.CreateEarnEntry(t, db, user.ID, 40, 40, now.AddDate(0, 0, 30))

	summary, err := svc.BalanceSummary(context.Background(), user.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(100), summary.Balance)
	assert.Equal(t, int64(100), summary.ActiveRemaining)
	require.NotNil(t, summary.NextExpiresAt)
	assert.WithinDuration(t, now.AddDate(0, 0, 10), *summary.NextExpiresAt, time.Minute)
	assert.Equal(t, levels[0].ID, summary.CurrentLevelID)
}

func TestHistoryPaging(t *testing.T) {
	db, svc := newBonusService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	for i := 0; i < 5; i++ {
		testutil.CreateEarnEntry(t, db, user.ID, 10, 10, time.Now().AddDate(0, 0, 10))
	}

	entries, total, err := svc.History(context.Background(), user.ID, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, entries, 3)

	entries, total, err = svc.History(context.Background(), user.ID, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, entries, 2)
}
