package lock

import (
	"context"
	"errors"
	"time"

	"cardbank/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// 卡号维度的 Redis 分布式锁
// ============================================================================
//
// 同一张卡的并发转账必须串行：
//   请求1: 加锁 -> 读余额=100 -> 转出100 -> 余额=0 -> 解锁
//   请求2: 等待... -> 加锁 -> 读余额=0 -> 余额不足，拒绝
//
// 加锁：SET key owner NX PX ttl
// 解锁：Lua 脚本比对 owner 后 DEL，锁过期被他人持有时不会误删
//
// ============================================================================

var ErrLockFailed = errors.New("acquire distributed lock: retries exhausted")

const keyPrefix = "cardbank:lock:card:"

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// DistributedLock 单把锁
type DistributedLock struct {
	client     redis.UniversalClient
	key        string
	owner      string
	expiration time.Duration
}

func NewDistributedLock(client redis.UniversalClient, key, owner string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		owner:      owner,
		expiration: expiration,
	}
}

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.expiration).Result()
}

// Lock 阻塞式加锁，最多重试 maxRetries 次
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
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

// Unlock 仅删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}

// RedisLocker 按卡号加锁，供 LedgerService.WithLocker 使用
type RedisLocker struct {
	client   redis.UniversalClient
	ttl      time.Duration
	retries  int
	interval time.Duration
	logger   *zap.Logger
}

func NewRedisLocker(client redis.UniversalClient, cfg *config.LockConfig, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := cfg.Retries
	if retries < 1 {
		retries = 1
	}
	return &RedisLocker{
		client:   client,
		ttl:      cfg.TTL,
		retries:  retries,
		interval: cfg.Interval,
		logger:   logger.Named("lock"),
	}
}

// Acquire 获取卡号锁，返回的 release 可重复调用
func (r *RedisLocker) Acquire(ctx context.Context, number string) (func(), error) {
	l := NewDistributedLock(r.client, keyPrefix+number, uuid.NewString(), r.ttl)
	if err := l.Lock(ctx, r.interval, r.retries); err != nil {
		return nil, err
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// 调用方 ctx 可能已取消，解锁使用独立超时
		uctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := l.Unlock(uctx); err != nil {
			r.logger.Warn("释放卡号锁失败", zap.String("key", l.key), zap.Error(err))
		}
	}, nil
}
