package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/farepass/config"
)

var (
	// 只有持有者可以续期
	refreshScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	// 只有持有者可以删除
	unlockScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
)

// RedLock 基于多个独立Redis节点的Redlock分布式锁. 持有者暂停时锁可能先过期
type RedLock struct {
	clients    []*redis.Client
	addrs      []string
	retries    int
	retryDelay time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[string]string // lock name -> token
}

// NewRedLock 创建新的分布式锁客户端
func NewRedLock(ctx context.Context, rc config.RedisConfig, lc config.LockConfig, logger *zap.Logger) (*RedLock, error) {
	var clients []*redis.Client

	for _, addr := range rc.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     rc.Password,
			PoolSize:     rc.PoolSize,
			DialTimeout:  rc.Timeout,
			ReadTimeout:  rc.Timeout,
			WriteTimeout: rc.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, fmt.Errorf("ping redis lock node %s: %w", addr, err)
		}

		clients = append(clients, client)
	}

	return NewRedLockWithClients(clients, rc.LockAddresses, lc.RetryCount, lc.RetryDelay, logger), nil
}

func NewRedLockWithClients(clients []*redis.Client, addrs []string, retries int, retryDelay time.Duration, logger *zap.Logger) *RedLock {
	if retries < 1 {
		retries = 1
	}
	return &RedLock{
		clients:    clients,
		addrs:      addrs,
		retries:    retries,
		retryDelay: retryDelay,
		logger:     logger,
		locks:      make(map[string]string),
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

// 节点间时钟漂移的余量
func drift(ttl time.Duration) time.Duration {
	return ttl/100 + 2*time.Millisecond
}

// Acquire 在有效期内于多数节点上加锁
func (r *RedLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()

	for attempt := 0; attempt < r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}

		start := time.Now()
		success := 0
		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, name, token, ttl).Result()
			if err != nil {
				r.logger.Debug("acquire on lock node failed",
					zap.String("node", r.addrs[i]), zap.String("lock", name), zap.Error(err))
				continue
			}
			if ok {
				success++
			}
		}

		validity := ttl - time.Since(start) - drift(ttl)
		if success >= r.quorum() && validity > 0 {
			r.mu.Lock()
			r.locks[name] = token
			r.mu.Unlock()
			return true, nil
		}

		r.unlockAll(ctx, name, token)
	}

	return false, nil
}

// Refresh 刷新锁的过期时间
func (r *RedLock) Refresh(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	token, ok := r.locks[name]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("lock %s not held", name)
	}

	success := 0
	for i, client := range r.clients {
		n, err := refreshScript.Run(ctx, client, []string{name}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			r.logger.Debug("refresh on lock node failed",
				zap.String("node", r.addrs[i]), zap.String("lock", name), zap.Error(err))
			continue
		}
		if n == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}

	r.mu.Lock()
	delete(r.locks, name)
	r.mu.Unlock()
	r.unlockAll(ctx, name, token)
	return false, nil
}

// Release 释放分布式锁
func (r *RedLock) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	token, ok := r.locks[name]
	delete(r.locks, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.unlockAll(ctx, name, token)
	return nil
}

func (r *RedLock) unlockAll(ctx context.Context, name, token string) {
	for i, client := range r.clients {
		if err := unlockScript.Run(ctx, client, []string{name}, token).Err(); err != nil {
			r.logger.Debug("release on lock node failed",
				zap.String("node", r.addrs[i]), zap.String("lock", name), zap.Error(err))
		}
	}
}

func (r *RedLock) Close() error {
	r.mu.Lock()
	held := r.locks
	r.locks = make(map[string]string)
	r.mu.Unlock()

	ctx := context.Background()
	for name, token := range held {
		r.unlockAll(ctx, name, token)
	}

	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.Warn("close redis lock client", zap.Error(err))
		}
	}
	return nil
}
