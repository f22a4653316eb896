package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// 联邦加入需要跨副本互斥：同一个 federation id 同时只能有一个实例在执行
// 网络层的 join。进程内的并发合并靠 singleflight，跨进程靠这把 redis 锁。
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时设置，保证互斥
//   - EX: 过期时间，持锁进程崩溃后锁自动释放
//   - value: 持有者标识，释放时校验，避免删掉别人的锁
//
// 释放：Lua 脚本保证"校验 value + DEL"的原子性

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
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
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 先校验 value 是自己的再删，防止误删：A 持锁超时过期后 B 拿到锁，
// A 执行完毕调 Unlock 时不能把 B 的锁删掉
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

// NewJoinLock 按 federation id 维度的加入锁
//
// join 一个联邦要走网络握手，可能耗时数十秒，锁的过期时间给到 60s。
// value 用调用方生成的 token，便于追踪是哪个请求持有锁。
func NewJoinLock(client *redis.Client, federationID, token string) *DistributedLock {
	key := fmt.Sprintf("federation:join:lock:%s", federationID)
	return NewDistributedLock(client, key, token, 60*time.Second)
}
