package redis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/vault"
)

// 只删除自己持有的锁。
var releaseLockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockerConfig 控制锁的租期与重试间隔。
type LockerConfig struct {
	Prefix     string
	TTL        time.Duration
	RetryEvery time.Duration
}

// Locker 基于 SET NX PX 实现 vault.Locker。
type Locker struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

var _ vault.Locker = (*Locker)(nil)

// NewLocker 创建分布式锁。TTL 需要覆盖一次完整执行的耗时。
func NewLocker(client goredis.UniversalClient, cfg LockerConfig) (*Locker, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端不能为空")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	retry := cfg.RetryEvery
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	return &Locker{client: client, prefix: cfg.Prefix, ttl: ttl, retry: retry}, nil
}

// Lock 阻塞直到获得锁或 ctx 结束。
func (l *Locker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	full := prefixed(l.prefix, key)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取 Redis 锁失败")
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待 Redis 锁超时")
		case <-timer.C:
		}
	}

	var (
		once   sync.Once
		relErr error
	)
	return func(ctx context.Context) error {
		once.Do(func() {
			if err := releaseLockScript.Run(ctx, l.client, []string{full}, token).Err(); err != nil {
				relErr = xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放 Redis 锁失败")
			}
		})
		return relErr
	}, nil
}
