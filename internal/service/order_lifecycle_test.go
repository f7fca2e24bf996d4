package service

import (
	"context"
	"testing"
	"time"

	"bonusledger/internal/config"
	"bonusledger/internal/model"
	"bonusledger/internal/repository"
	"bonusledger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newLifecycleService(t *testing.T) (*gorm.DB, *OrderLifecycleService) {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := config.Default()
	levelSvc := NewLevelService(db, cfg, NopNotifier{})
	bonusSvc := NewBonusService(db, nil, cfg, NopNotifier{}, levelSvc)
	return db, NewOrderLifecycleService(db, bonusSvc)
}

func orderStatus(t *testing.T, db *gorm.DB, orderID int64) string {
	t.Helper()
	var order model.Order
	require.NoError(t, db.First(&order, orderID).Error)
	return order.Status
}

// 完成 → 回退 → 重新完成的完整链路：
// 发放、收回、按快照补发依次触发，余额始终与状态一致
func TestLifecycleCompleteRevertRecomplete(t *testing.T) {
	db, svc := newLifecycleService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:   user.ID,
		Total:    1000,
		Subtotal: 1000,
		Status:   model.OrderStatusDelivering,
	})

	ctx := context.Background()

	require.NoError(t, svc.HandleStatusChange(ctx, order.ID, model.OrderStatusCompleted))
	assert.Equal(t, model.OrderStatusCompleted, orderStatus(t, db, order.ID))
	assert.Equal(t, int64(30), userBalance(t, db, user.ID))

	require.NoError(t, svc.HandleStatusChange(ctx, order.ID, model.OrderStatusReverted))
	assert.Equal(t, model.OrderStatusReverted, orderStatus(t, db, order.ID))
	assert.Equal(t, int64(0), userBalance(t, db, user.ID))

	require.NoError(t, svc.HandleStatusChange(ctx, order.ID, model.OrderStatusCompleted))
	assert.Equal(t, int64(30), userBalance(t, db, user.ID))

	// 发放 + 补发各一条有效流水，回退作废一条
	var validEarns, cancelledEarns int64
	require.NoError(t, db.Model(&model.BonusEntry{}).
		Where("order_id = ? AND type = ? AND status <> ?",
			order.ID, model.EntryTypeEarn, model.EntryStatusCancelled).
		Count(&validEarns).Error)
	require.NoError(t, db.Model(&model.BonusEntry{}).
		Where("order_id = ? AND type = ? AND status = ?",
			order.ID, model.EntryTypeEarn, model.EntryStatusCancelled).
		Count(&cancelledEarns).Error)
	assert.Equal(t, int64(1), validEarns)
	assert.Equal(t, int64(1), cancelledEarns)
}

func TestLifecycleCompletePromotesSpends(t *testing.T) {
	db, svc := newLifecycleService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 100, levels[0].ID)
	testutil.CreateEarnEntry(t, db, user.ID, 100, 100, time.Now().AddDate(0, 0, 10))
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:     user.ID,
		Total:      920,
		Subtotal:   1000,
		BonusSpent: 80,
		Status:     model.OrderStatusDelivering,
	})

	ctx := context.Background()
	_, err := svc.bonusSvc.Spend(ctx, order.ID)
	require.NoError(t, err)

	require.NoError(t, svc.HandleStatusChange(ctx, order.ID, model.OrderStatusCompleted))

	var spend model.BonusEntry
	require.NoError(t, db.
		Where("order_id = ? AND type = ?", order.ID, model.EntryTypeSpend).
		First(&spend).Error)
	assert.Equal(t, model.EntryStatusCompleted, spend.Status)

	// 完成后发放：(1000-80) * 0.03 = 27
	assert.Equal(t, int64(47), userBalance(t, db, user.ID))
}

func TestLifecycleCancelRollsBack(t *testing.T) {
	db, svc := newLifecycleService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 100, levels[0].ID)
	testutil.CreateEarnEntry(t, db, user.ID, 100, 100, time.Now().AddDate(0, 0, 10))
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:     user.ID,
		Total:      920,
		Subtotal:   1000,
		BonusSpent: 80,
		Status:     model.OrderStatusDelivering,
	})

	ctx := context.Background()
	_, err := svc.bonusSvc.Spend(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(20), userBalance(t, db, user.ID))

	require.NoError(t, svc.HandleStatusChange(ctx, order.ID, model.OrderStatusCancelled))

	assert.Equal(t, model.OrderStatusCancelled, orderStatus(t, db, order.ID))
	assert.Equal(t, int64(100), userBalance(t, db, user.ID))
}

// 状态已落为完成但发放挂钩当时失败的现场：
// 按同状态重放即可补上发放，再重放也不会重复
func TestLifecycleReplayRecoversLostEarn(t *testing.T) {
	db, svc := newLifecycleService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	completedAt := time.Now()
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:      user.ID,
		Total:       1000,
		Subtotal:    1000,
		Status:      model.OrderStatusCompleted,
		CompletedAt: &completedAt,
	})

	ctx := context.Background()
	require.NoError(t, svc.HandleStatusChange(ctx, order.ID, model.OrderStatusCompleted))
	assert.Equal(t, model.OrderStatusCompleted, orderStatus(t, db, order.ID))
	assert.Equal(t, int64(30), userBalance(t, db, user.ID))

	// 再重放一次：幂等闸挡住，不会二次发放
	require.NoError(t, svc.HandleStatusChange(ctx, order.ID, model.OrderStatusCompleted))
	assert.Equal(t, int64(30), userBalance(t, db, user.ID))
}

// 回退后重新完成、补发挂钩当时失败的现场：
// 发放快照已非零，重放走按快照补发的分支
func TestLifecycleReplayRecoversLostRedelivery(t *testing.T) {
	db, svc := newLifecycleService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	completedAt := time.Now()
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:          user.ID,
		Total:           1000,
		Subtotal:        1000,
		Status:          model.OrderStatusCompleted,
		CompletedAt:     &completedAt,
		EarnedAmount:    30,
		BonusEarnLocked: true,
	})

	// 首次发放的流水已在回退时作废
	orderID := order.ID
	require.NoError(t, db.Create(&model.BonusEntry{
		EntryNo: "BNS-replay-earn",
		UserID:  user.ID,
		Type:    model.EntryTypeEarn,
		Status:  model.EntryStatusCancelled,
		Amount:  30,
		OrderID: &orderID,
	}).Error)

	ctx := context.Background()
	require.NoError(t, svc.HandleStatusChange(ctx, order.ID, model.OrderStatusCompleted))
	assert.Equal(t, int64(30), userBalance(t, db, user.ID))

	var activeEarns int64
	require.NoError(t, db.Model(&model.BonusEntry{}).
		Where("order_id = ? AND type = ? AND status <> ?",
			order.ID, model.EntryTypeEarn, model.EntryStatusCancelled).
		Count(&activeEarns).Error)
	assert.Equal(t, int64(1), activeEarns)
}

func TestLifecycleRejectsInvalidTransition(t *testing.T) {
	db, svc := newLifecycleService(t)
	levels := testutil.SeedLevels(t, db)
	user := testutil.CreateUser(t, db, 0, levels[0].ID)
	order := testutil.CreateOrder(t, db, &model.Order{
		UserID:   user.ID,
		Total:    1000,
		Subtotal: 1000,
		Status:   model.OrderStatusNew,
	})

	err := svc.HandleStatusChange(context.Background(), order.ID, model.OrderStatusCompleted)
	assert.ErrorIs(t, err, repository.ErrOrderStatusInvalid)

	// 状态不变，也没有发放
	assert.Equal(t, model.OrderStatusNew, orderStatus(t, db, order.ID))
	assert.Equal(t, int64(0), userBalance(t, db, user.ID))
}
