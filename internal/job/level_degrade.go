package job

import (
	"context"
	"log"
	"time"

	"bonusledger/internal/config"
	"bonusledger/internal/infrastructure/lock"
	"bonusledger/internal/model"
	"bonusledger/internal/repository"
	"bonusledger/internal/service"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// LevelDegradeJob 等级降级任务
// 同步路径只升不降（见 LevelService.CheckLevelUp），降级在这里做：
// 每天一次，找出超过配置天数没有完成订单的用户，按当前窗口期
// 消费重算等级并下调
type LevelDegradeJob struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	userRepo    *repository.UserRepository
	orderRepo   *repository.OrderRepository
	jobRunRepo  *repository.JobRunRepository
	levelSvc    *service.LevelService
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewLevelDegradeJob(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, levelSvc *service.LevelService) *LevelDegradeJob {
	return &LevelDegradeJob{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		userRepo:    repository.NewUserRepository(db),
		orderRepo:   repository.NewOrderRepository(db),
		jobRunRepo:  repository.NewJobRunRepository(db),
		levelSvc:    levelSvc,
		stopCh:      make(chan struct{}),
		interval:    time.Minute,
		batchSize:   500,
	}
}

func (j *LevelDegradeJob) Start(ctx context.Context) {
	log.Println("[LevelDegrade] 降级任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[LevelDegrade] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[LevelDegrade] 任务停止")
			return
		case <-ticker.C:
			j.maybeRun(ctx, time.Now())
		}
	}
}

func (j *LevelDegradeJob) Stop() {
	close(j.stopCh)
}

func (j *LevelDegradeJob) maybeRun(ctx context.Context, now time.Time) {
	// 与对账共用一个执行窗口，跟在对账之后即可，不需要独立配置
	if now.Hour() != j.cfg.Bonus.ReconcileHour {
		return
	}
	today := now.Format("2006-01-02")

	done, err := j.jobRunRepo.HasRunOn(ctx, model.JobNameLevelDegrade, today)
	if err != nil {
		log.Printf("[LevelDegrade] 查询执行记录失败: %v", err)
		return
	}
	if done {
		return
	}

	if j.redisClient != nil {
		jobLock := lock.NewJobLock(j.redisClient, model.JobNameLevelDegrade)
		ok, err := jobLock.TryLock(ctx)
		if err != nil || !ok {
			return
		}
		defer jobLock.Unlock(ctx)
	}

	if err := j.jobRunRepo.MarkRun(ctx, model.JobNameLevelDegrade, today); err != nil {
		log.Printf("[LevelDegrade] 写执行记录失败: %v", err)
		return
	}

	j.Run(ctx, now)
}

// Run 执行一轮降级检查
func (j *LevelDegradeJob) Run(ctx context.Context, now time.Time) {
	days := j.cfg.Bonus.LevelDegradeAfterDays
	if days <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -days)

	var afterID int64
	degradeChecked := 0

	for {
		userIDs, err := j.userRepo.ListIDsAfter(ctx, afterID, j.batchSize)
		if err != nil {
			log.Printf("[LevelDegrade] 查询用户失败: %v", err)
			return
		}
		if len(userIDs) == 0 {
			break
		}
		afterID = userIDs[len(userIDs)-1]

		for _, userID := range userIDs {
			lastCompleted, err := j.orderRepo.LastCompletedAt(ctx, userID)
			if err != nil {
				log.Printf("[LevelDegrade] 查询最近订单失败: userID=%d, err=%v", userID, err)
				continue
			}
			// 从未消费或近期有消费的都不动
			if lastCompleted == nil || lastCompleted.After(cutoff) {
				continue
			}
			if err := j.levelSvc.Degrade(ctx, userID); err != nil {
				log.Printf("[LevelDegrade] 降级失败: userID=%d, err=%v", userID, err)
				continue
			}
			degradeChecked++
		}
	}

	log.Printf("[LevelDegrade] 本轮降级检查完成: candidates=%d", degradeChecked)
}
