package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

func NewLocalWorkflowLock() WorkflowLock {
	return &localWorkflowLock{
		locks: &sync.Map{},
	}
}

// localWorkflowLock 单进程锁,key维度的容量为1的channel当信号量
// 等锁的顺序交给channel的调度,不承诺FIFO公平
type localWorkflowLock struct {
	locks *sync.Map // key -> chan struct{} (cap 1)
}

// BlockingSynchronized 阻塞同步执行,等待超过waitTimeout返回ErrConcurrencyTimeout
func (l *localWorkflowLock) BlockingSynchronized(ctx context.Context, key string, waitTimeout time.Duration, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	// 检查是否已经持有锁(可重入)
	valueInterface := ctx.Value(lockKey(key))
	if _, ok := valueInterface.(string); ok {
		// 已经持有锁,可重入,直接执行
		return f(ctx)
	}

	semInterface, _ := l.locks.LoadOrStore(key, make(chan struct{}, 1))
	sem := semInterface.(chan struct{})

	waitTimer := time.NewTimer(waitTimeout)
	defer waitTimer.Stop()
	select {
	case sem <- struct{}{}:
		// 拿到锁
	case <-waitTimer.C:
		return errors.WithMessagef(ErrConcurrencyTimeout, "[localWorkflowLock.BlockingSynchronized] wait lock timeout, key: %s", key)
	case <-ctx.Done():
		return errors.WithMessagef(ErrConcurrencyTimeout, "[localWorkflowLock.BlockingSynchronized] ctx done while waiting, key: %s, err: %v", key, ctx.Err())
	}
	// 本地锁不做maxLockTimeDuration的强制释放
	// 强制释放会出现两个持有者,破坏互斥,宁可让慢的持有者拿满
	defer func() { <-sem }()

	withKeyCtx := context.WithValue(ctx, lockKey(key), l.getRandomValue())
	return f(withKeyCtx)
}

// getRandomValue 生成随机值,标识一次持有
func (l *localWorkflowLock) getRandomValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}
