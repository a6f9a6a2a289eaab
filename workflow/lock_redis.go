package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
	// 抢锁失败后的重试间隔
	lockRetryInterval = 50 * time.Millisecond
)

func NewRedisWorkflowLock(redisClient redis.Cmdable) WorkflowLock {
	return &redisWorkflowLock{redisClient: redisClient}
}

// redisWorkflowLock 分布式锁,多副本部署时用这个
// SetNX抢锁,抢不到轮询重试直到waitTimeout,释放用Lua比对value防止删掉别人的锁
type redisWorkflowLock struct {
	redisClient redis.Cmdable
}

func (d *redisWorkflowLock) BlockingSynchronized(ctx context.Context, key string, waitTimeout time.Duration, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	valueInterface := ctx.Value(lockKey(key))
	if _, ok := valueInterface.(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}

	value := d.getRandomValue()
	deadline := time.Now().Add(waitTimeout)
	for {
		isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
		if err != nil {
			return errors.WithMessagef(ErrConcurrencyTimeout, "[redisWorkflowLock.BlockingSynchronized] setnx failed, key: %s, err: %v", key, err)
		}
		if isLock {
			break
		}
		if time.Now().After(deadline) {
			return errors.WithMessagef(ErrConcurrencyTimeout, "[redisWorkflowLock.BlockingSynchronized] wait lock timeout, key: %s", key)
		}
		select {
		case <-time.After(lockRetryInterval):
		case <-ctx.Done():
			return errors.WithMessagef(ErrConcurrencyTimeout, "[redisWorkflowLock.BlockingSynchronized] ctx done while waiting, key: %s, err: %v", key, ctx.Err())
		}
	}

	withKeyCtx := context.WithValue(ctx, lockKey(key), value)
	defer d.releaseKey(key, value)
	return f(withKeyCtx)
}

func (d *redisWorkflowLock) getRandomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}

func (d *redisWorkflowLock) releaseKey(key string, value string) {
	// 释放锁, 因为context可能会被cancel,确保释放锁需要新开一个context,不能用原来的
	replyInterface, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Result()
	if err != nil {
		slog.Error(fmt.Sprintf("[redisWorkflowLock.releaseKey] release key failed, key: %s, err: %v", key, err))
		return
	}
	reply, ok := replyInterface.(int64)
	if !ok || reply != 1 {
		// 没有成功释放,多半是锁已经到期被redis清掉了
		slog.Warn(fmt.Sprintf("[redisWorkflowLock.releaseKey] key not released, key: %s, reply: %v", key, replyInterface))
	}
}
