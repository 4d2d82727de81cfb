package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/farepass/config"
)

const etcdLockPrefix = "/farepass/locks/"

// EtcdLock 实现分布式锁接口, 每把锁对应一个etcd租约
type EtcdLock struct {
	client *clientv3.Client
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]clientv3.LeaseID
}

func NewEtcdLock(cfg config.ETCDConfig, logger *zap.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	return NewEtcdLockWithClient(cli, logger), nil
}

func NewEtcdLockWithClient(cli *clientv3.Client, logger *zap.Logger) *EtcdLock {
	return &EtcdLock{
		client: cli,
		logger: logger,
		locks:  make(map[string]clientv3.LeaseID),
	}
}

// leaseSeconds 将ttl向上取整到秒, etcd租约以秒为单位
func leaseSeconds(ttl time.Duration) int64 {
	s := int64((ttl + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (el *EtcdLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if _, ok := el.locks[name]; ok {
		return false, fmt.Errorf("lock %s already held by this instance", name)
	}

	key := etcdLockPrefix + name
	grant, err := el.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("grant lease: %w", err)
	}

	// 尝试获取锁, 键不存在时才写入
	resp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		el.revoke(grant.ID)
		return false, fmt.Errorf("lock txn: %w", err)
	}
	if !resp.Succeeded {
		el.revoke(grant.ID)
		return false, nil
	}

	el.locks[name] = grant.ID
	return true, nil
}

// Refresh 续约一次. etcd租约的TTL在创建时确定, 忽略ttl参数
func (el *EtcdLock) Refresh(ctx context.Context, name string, _ time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	leaseID, ok := el.locks[name]
	if !ok {
		return false, fmt.Errorf("lock %s not held", name)
	}

	if _, err := el.client.KeepAliveOnce(ctx, leaseID); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			delete(el.locks, name)
			return false, nil
		}
		return false, fmt.Errorf("keep alive lease: %w", err)
	}
	return true, nil
}

// Release 撤销租约, 键随之删除
func (el *EtcdLock) Release(ctx context.Context, name string) error {
	el.mu.Lock()
	leaseID, ok := el.locks[name]
	delete(el.locks, name)
	el.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := el.client.Revoke(ctx, leaseID); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

func (el *EtcdLock) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := el.client.Revoke(ctx, id); err != nil {
		el.logger.Debug("revoke unused lease", zap.Error(err))
	}
}

func (el *EtcdLock) Close() error {
	el.mu.Lock()
	names := make([]string, 0, len(el.locks))
	for name := range el.locks {
		names = append(names, name)
	}
	el.mu.Unlock()

	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := el.Release(ctx, name); err != nil {
			el.logger.Warn("release etcd lock", zap.String("lock", name), zap.Error(err))
		}
		cancel()
	}
	return el.client.Close()
}
