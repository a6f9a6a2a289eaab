package workflow

import (
	"context"
	"time"
)

type lockKey string

type WorkflowLock interface {
	// BlockingSynchronized
	//  @Description:  1.阻塞同步块,锁被占用时等待,等待超过waitTimeout返回ErrConcurrencyTimeout
	//                 2.可以重入锁
	//                 3.等锁超时只返回错误,不会抢占别人的锁
	//  @param ctx 原来的ctx
	//  @param key 锁的key,引擎用实例ID做key
	//  @param waitTimeout 最长等待时间
	//  @param maxLockTimeDuration 持有锁的最大时间
	//  @param f 具体执行函数的闭包
	//  @return error
	BlockingSynchronized(ctx context.Context, key string, waitTimeout time.Duration, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}
