package testutil

import (
	"fmt"
	"testing"
	"time"

	"bonusledger/internal/model"
	"bonusledger/pkg/idgen"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB 每个测试一个独立的内存库
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:test%d?mode=memory&cache=shared", idgen.NextID())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开 sqlite 失败: %v", err)
	}
	err = db.AutoMigrate(
		&model.User{},
		&model.Order{},
		&model.BonusEntry{},
		&model.BonusLevel{},
		&model.LevelHistory{},
		&model.AuditRecord{},
		&model.JobRun{},
		&model.OutboxMessage{},
	)
	if err != nil {
		t.Fatalf("迁移表结构失败: %v", err)
	}
	return db
}

// SeedLevels 三档标准等级配置
func SeedLevels(t *testing.T, db *gorm.DB) []*model.BonusLevel {
	t.Helper()
	levels := []*model.BonusLevel{
		{Name: "青铜", Threshold: 0, EarnRate: 0.03, MaxSpendPercent: 0.2},
		{Name: "白银", Threshold: 100000, EarnRate: 0.05, MaxSpendPercent: 0.3},
		{Name: "黄金", Threshold: 300000, EarnRate: 0.07, MaxSpendPercent: 0.5},
	}
	for _, level := range levels {
		if err := db.Create(level).Error; err != nil {
			t.Fatalf("写等级配置失败: %v", err)
		}
	}
	return levels
}

// CreateUser 建用户
func CreateUser(t *testing.T, db *gorm.DB, balance int64, levelID int64) *model.User {
	t.Helper()
	user := &model.User{
		BonusBalance:   balance,
		CurrentLevelID: levelID,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("写用户失败: %v", err)
	}
	return user
}

// CreateOrder 建订单
func CreateOrder(t *testing.T, db *gorm.DB, order *model.Order) *model.Order {
	t.Helper()
	if order.Status == "" {
		order.Status = model.OrderStatusDelivering
	}
	if err := db.Create(order).Error; err != nil {
		t.Fatalf("写订单失败: %v", err)
	}
	return order
}

// CreateEarnEntry 建一条已生效的入账流水并同步缓存余额
func CreateEarnEntry(t *testing.T, db *gorm.DB, userID int64, amount, remaining int64, expiresAt time.Time) *model.BonusEntry {
	t.Helper()
	entry := &model.BonusEntry{
		EntryNo:         idgen.GenerateEntryNo(),
		UserID:          userID,
		Type:            model.EntryTypeEarn,
		Status:          model.EntryStatusCompleted,
		Amount:          amount,
		RemainingAmount: remaining,
		ExpiresAt:       &expiresAt,
	}
	if err := db.Create(entry).Error; err != nil {
		t.Fatalf("写入账流水失败: %v", err)
	}
	return entry
}
