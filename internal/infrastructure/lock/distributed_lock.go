package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//
// 释放：Lua 脚本先验证 value 再删除，保证不误删别人的锁
//
// 积分模块的正确性不依赖这把锁 —— 数据库侧的行锁和 CAS 幂等标记
// 才是兜底。分布式锁只用来减少多进程下无意义的争抢
// ============================================================================

var ErrLockFailed = errors.New("获取分布式锁失败")

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// Lua 脚本保证「验证持有者 + 删除」的原子性
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewEarnLock 发放锁（按用户维度）
// 同一用户的发放串行，不同用户互不影响。value 带时间戳便于追踪
func NewEarnLock(client *redis.Client, userID int64) *DistributedLock {
	key := fmt.Sprintf("bonus:earn:lock:user:%d", userID)
	value := fmt.Sprintf("%d-%d", userID, time.Now().UnixNano())
	return NewDistributedLock(client, key, value, 30*time.Second)
}

// NewJobLock 定时任务锁（按任务维度）
// 多进程部署时保证同一任务同一时刻只有一个实例在跑
func NewJobLock(client *redis.Client, jobName string) *DistributedLock {
	key := fmt.Sprintf("bonus:job:lock:%s", jobName)
	value := fmt.Sprintf("%s-%d", jobName, time.Now().UnixNano())
	return NewDistributedLock(client, key, value, 10*time.Minute)
}
