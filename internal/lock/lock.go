package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/farepass/config"
)

// Lock 分布式锁接口
type Lock interface {
	// Acquire 获取分布式锁
	// 返回值：bool表示是否成功获取锁，锁被占用不算错误
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Refresh 刷新锁的过期时间
	// 返回值：锁已丢失时返回false
	Refresh(ctx context.Context, name string, ttl time.Duration) (bool, error)

	Release(ctx context.Context, name string) error

	// Close 释放所有持有的锁并关闭客户端
	Close() error
}

// New 按 lock.backend 创建分布式锁
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Lock, error) {
	switch cfg.Lock.Backend {
	case "redis":
		return NewRedLock(ctx, cfg.Redis, cfg.Lock, logger)
	case "etcd":
		return NewEtcdLock(cfg.ETCD, logger)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}

// Hold 每 ttl/3 刷新一次调用方已获取的锁, 锁丢失时返回的context被取消.
// release 停止刷新并释放锁, 只调用一次
func Hold(ctx context.Context, l Lock, name string, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) (context.Context, func()) {
	held, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := clock.NewTicker(ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-held.Done():
				return
			case <-ticker.Chan():
				ok, err := l.Refresh(held, name, ttl)
				if err != nil {
					logger.Warn("refresh lease failed", zap.String("lock", name), zap.Error(err))
				}
				if !ok {
					logger.Warn("lease lost", zap.String("lock", name))
					cancel()
					return
				}
			}
		}
	}()

	release := func() {
		cancel()
		<-done

		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), ttl)
		defer rcancel()
		if err := l.Release(rctx, name); err != nil {
			logger.Warn("release lease failed", zap.String("lock", name), zap.Error(err))
		}
	}
	return held, release
}
