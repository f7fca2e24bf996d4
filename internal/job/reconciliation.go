package job

import (
	"context"
	"log"
	"time"

	"bonusledger/internal/config"
	"bonusledger/internal/infrastructure/lock"
	"bonusledger/internal/model"
	"bonusledger/internal/repository"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// ReconciliationAuditor 对账任务
// 每天在与过期清扫错开的时间窗口执行：逐用户从流水重算权威余额，
// 与缓存余额不一致时用权威值覆盖缓存并记告警审计。
// 这是系统唯一的自愈机制 —— 任何 bug、进程崩溃或人工改数引入的
// 漂移最终都在这里修正
type ReconciliationAuditor struct {
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

func NewReconciliationAuditor(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *ReconciliationAuditor {
	return &ReconciliationAuditor{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		userRepo:    repository.NewUserRepository(db),
		entryRepo:   repository.NewEntryRepository(db),
		auditRepo:   repository.NewAuditRepository(db),
		jobRunRepo:  repository.NewJobRunRepository(db),
		stopCh:      make(chan struct{}),
		interval:    time.Minute,
		batchSize:   500,
	}
}

func (j *ReconciliationAuditor) Start(ctx context.Context) {
	log.Println("[Reconciliation] 对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Reconciliation] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[Reconciliation] 任务停止")
			return
		case <-ticker.C:
			j.maybeRun(ctx, time.Now())
		}
	}
}

func (j *ReconciliationAuditor) Stop() {
	close(j.stopCh)
}

func (j *ReconciliationAuditor) maybeRun(ctx context.Context, now time.Time) {
	if now.Hour() != j.cfg.Bonus.ReconcileHour {
		return
	}
	today := now.Format("2006-01-02")

	done, err := j.jobRunRepo.HasRunOn(ctx, model.JobNameReconciliation, today)
	if err != nil {
		log.Printf("[Reconciliation] 查询执行记录失败: %v", err)
		return
	}
	if done {
		return
	}

	if j.redisClient != nil {
		jobLock := lock.NewJobLock(j.redisClient, model.JobNameReconciliation)
		ok, err := jobLock.TryLock(ctx)
		if err != nil || !ok {
			return
		}
		defer jobLock.Unlock(ctx)
	}

	if err := j.jobRunRepo.MarkRun(ctx, model.JobNameReconciliation, today); err != nil {
		log.Printf("[Reconciliation] 写执行记录失败: %v", err)
		return
	}

	j.Run(ctx)
}

// Run 全量对账一轮
func (j *ReconciliationAuditor) Run(ctx context.Context) {
	var afterID int64
	checked, corrected := 0, 0

	for {
		userIDs, err := j.userRepo.ListIDsAfter(ctx, afterID, j.batchSize)
		if err != nil {
			log.Printf("[Reconciliation] 查询用户失败: %v", err)
			return
		}
		if len(userIDs) == 0 {
			break
		}
		afterID = userIDs[len(userIDs)-1]

		for _, userID := range userIDs {
			checked++
			fixed, err := j.ReconcileUser(ctx, userID)
			if err != nil {
				log.Printf("[Reconciliation] 用户对账失败: userID=%d, err=%v", userID, err)
				continue
			}
			if fixed {
				corrected++
			}
		}
	}

	log.Printf("[Reconciliation] 本轮对账完成: checked=%d, corrected=%d", checked, corrected)
}

// ReconcileUser 单用户对账，独立事务 + 用户行锁
// 返回是否发生了修正
func (j *ReconciliationAuditor) ReconcileUser(ctx context.Context, userID int64) (bool, error) {
	var cached, canonical int64
	fixed := false

	err := j.db.Transaction(func(tx *gorm.DB) error {
		user, err := j.userRepo.GetByIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		cached = user.BonusBalance

		canonical, err = j.entryRepo.CanonicalBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if canonical == cached {
			return nil
		}

		fixed = true
		return j.userRepo.SetBalance(ctx, tx, userID, canonical)
	})
	if err != nil || !fixed {
		return false, err
	}

	if auditErr := j.auditRepo.Create(ctx, &model.AuditRecord{
		EventType: model.AuditEventReconciled,
		Severity:  model.AuditSeverityWarning,
		UserID:    userID,
		OldValue:  cached,
		NewValue:  canonical,
	}); auditErr != nil {
		log.Printf("[Reconciliation] 审计日志写入失败: userID=%d, err=%v", userID, auditErr)
	}

	log.Printf("[Reconciliation] 发现余额漂移并修正: userID=%d, cached=%d, canonical=%d",
		userID, cached, canonical)
	return true, nil
}
