package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"AgentVault/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列参数。
type RedisQueueConfig struct {
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现队列，LPUSH 入队、BRPOP 出队。
type RedisQueue struct {
	client redis.UniversalClient
	queue  string
	wait   time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue 基于已建立的客户端创建队列，客户端由调用方关闭。
func NewRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentvault:plans"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}, nil
}

// Publish 将提交 ID 推入队列。
func (q *RedisQueue) Publish(ctx context.Context, submissionID string) error {
	if err := q.client.LPush(ctx, q.queue, submissionID).Err(); err != nil {
		return fmt.Errorf("Redis 发布计划失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 取出提交。处理失败只记录日志，不重新入队。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				switch {
				case errors.Is(err, redis.Nil):
					continue
				case errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed):
					errCh <- err
					return
				case err != nil:
					errCh <- fmt.Errorf("Redis 取计划失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				if handlerErr := handler(ctx, values[1]); handlerErr != nil {
					logger.L().Warn("计划处理失败", slog.String("submission_id", values[1]), slog.Any("error", handlerErr))
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 客户端由创建方管理，这里无需操作。
func (q *RedisQueue) Close() error { return nil }
