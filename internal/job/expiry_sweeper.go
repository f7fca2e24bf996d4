package job

import (
	"context"
	"fmt"
	"log"
	"time"

	"bonusledger/internal/config"
	"bonusledger/internal/infrastructure/lock"
	"bonusledger/internal/model"
	"bonusledger/internal/repository"
	"bonusledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// ExpirySweeper 积分过期清扫任务
// 每天在配置的时间窗口执行一次：找出持有已过期未清零积分的用户，
// 逐用户在独立事务内清零并扣减缓存余额。单个用户失败不影响其他
// 用户，也不在本轮重试 —— 条件还在，下一轮自然会再处理
type ExpirySweeper struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	userRepo    *repository.UserRepository
	entryRepo   *repository.EntryRepository
	auditRepo   *repository.AuditRepository
	jobRunRepo  *repository.JobRunRepository
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewExpirySweeper(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *ExpirySweeper {
	return &ExpirySweeper{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		userRepo:    repository.NewUserRepository(db),
		entryRepo:   repository.NewEntryRepository(db),
		auditRepo:   repository.NewAuditRepository(db),
		jobRunRepo:  repository.NewJobRunRepository(db),
		stopCh:      make(chan struct{}),
		interval:    time.Minute,
		batchSize:   200,
	}
}

func (j *ExpirySweeper) Start(ctx context.Context) {
	log.Println("[ExpirySweeper] 过期清扫任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ExpirySweeper] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ExpirySweeper] 任务停止")
			return
		case <-ticker.C:
			j.maybeRun(ctx, time.Now())
		}
	}
}

func (j *ExpirySweeper) Stop() {
	close(j.stopCh)
}

// maybeRun 到达执行窗口且当天未执行过时才真正清扫
// 执行记录落库，进程重启后依然去重；多进程部署时再用分布式锁兜底
func (j *ExpirySweeper) maybeRun(ctx context.Context, now time.Time) {
	if now.Hour() != j.cfg.Bonus.ExpirySweepHour {
		return
	}
	today := now.Format("2006-01-02")

	done, err := j.jobRunRepo.HasRunOn(ctx, model.JobNameExpirySweep, today)
	if err != nil {
		log.Printf("[ExpirySweeper] 查询执行记录失败: %v", err)
		return
	}
	if done {
		return
	}

	if j.redisClient != nil {
		jobLock := lock.NewJobLock(j.redisClient, model.JobNameExpirySweep)
		ok, err := jobLock.TryLock(ctx)
		if err != nil || !ok {
			return
		}
		defer jobLock.Unlock(ctx)
	}

	if err := j.jobRunRepo.MarkRun(ctx, model.JobNameExpirySweep, today); err != nil {
		log.Printf("[ExpirySweeper] 写执行记录失败: %v", err)
		return
	}

	j.Run(ctx, now)
}

// Run 执行一轮清扫
func (j *ExpirySweeper) Run(ctx context.Context, now time.Time) {
	sweptUsers := 0
	for {
		userIDs, err := j.entryRepo.ListExpiringUserIDs(ctx, now, j.batchSize)
		if err != nil {
			log.Printf("[ExpirySweeper] 查询待清扫用户失败: %v", err)
			return
		}
		if len(userIDs) == 0 {
			break
		}

		progressed := false
		for _, userID := range userIDs {
			if err := j.sweepUser(ctx, userID, now); err != nil {
				log.Printf("[ExpirySweeper] 清扫用户失败: userID=%d, err=%v", userID, err)
				continue
			}
			progressed = true
			sweptUsers++
		}
		// 整批都失败时退出，避免对同一批用户空转
		if !progressed {
			break
		}
	}

	log.Printf("[ExpirySweeper] 本轮清扫完成: users=%d", sweptUsers)
}

// sweepUser 清扫单个用户，独立事务 + 用户行锁
func (j *ExpirySweeper) sweepUser(ctx context.Context, userID int64, now time.Time) error {
	var total, oldBalance int64

	err := j.db.Transaction(func(tx *gorm.DB) error {
		user, err := j.userRepo.GetByIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		oldBalance = user.BonusBalance

		entries, err := j.entryRepo.ListExpiredForUpdate(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		for _, entry := range entries {
			expired := entry.RemainingAmount
			if err := j.entryRepo.AddRemaining(ctx, tx, entry.ID, -expired); err != nil {
				return fmt.Errorf("清零流水失败: %w", err)
			}
			sourceID := entry.ID
			expireEntry := &model.BonusEntry{
				EntryNo:        idgen.GenerateEntryNo(),
				UserID:         userID,
				Type:           model.EntryTypeExpire,
				Status:         model.EntryStatusCompleted,
				Amount:         expired,
				OrderID:        entry.OrderID,
				RelatedEntryID: &sourceID,
				Description:    "积分过期",
			}
			if err := j.entryRepo.Create(ctx, tx, expireEntry); err != nil {
				return fmt.Errorf("写过期流水失败: %w", err)
			}
			total += expired
		}

		return j.userRepo.AddBalance(ctx, tx, userID, -total)
	})
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}

	if auditErr := j.auditRepo.Create(ctx, &model.AuditRecord{
		EventType: model.AuditEventExpire,
		Severity:  model.AuditSeverityInfo,
		UserID:    userID,
		OldValue:  oldBalance,
		NewValue:  oldBalance - total,
	}); auditErr != nil {
		log.Printf("[ExpirySweeper] 审计日志写入失败: userID=%d, err=%v", userID, auditErr)
	}

	log.Printf("[ExpirySweeper] 用户积分过期: userID=%d, expired=%d", userID, total)
	return nil
}
