package federation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"fedipay/internal/infrastructure/lock"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Registry 进程内唯一的联邦连接表
//
// 每个 federation id 至多持有一条连接。注册表被所有 handler 并发读，
// 新 join 按 id 串行：进程内用 singleflight 合并并发调用，
// 多副本部署时再加一层 redis 锁
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client

	dial  Dialer
	group singleflight.Group
	// redisClient 可为 nil（单副本 / 测试），为 nil 时只有进程内互斥
	redisClient *redis.Client
}

func NewRegistry(dial Dialer, redisClient *redis.Client) *Registry {
	return &Registry{
		clients:     make(map[string]Client),
		dial:        dial,
		redisClient: redisClient,
	}
}

// Resolve 按 federation id 查连接，不触发网络操作
func (r *Registry) Resolve(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[id]
	return client, ok
}

// Has 是否已加入该联邦
func (r *Registry) Has(id string) bool {
	_, ok := r.Resolve(id)
	return ok
}

// Register 手动挂一条连接（启动预热、测试注入用）
func (r *Registry) Register(client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.FederationID()] = client
}

// EnsureJoined 幂等加入
//
// 已加入直接返回现有连接；否则执行网络 join 并登记。并发调用同一个
// invite code 只会发起一次 join，后来者等第一个的结果。
// join 失败不会留下半截连接。
func (r *Registry) EnsureJoined(ctx context.Context, inviteCode string) (Client, error) {
	id := DeriveFederationID(inviteCode)

	if client, ok := r.Resolve(id); ok {
		return client, nil
	}

	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		// 拿到 singleflight 后再查一次，输掉竞态的调用在这里短路
		if client, ok := r.Resolve(id); ok {
			return client, nil
		}
		return r.join(ctx, id, inviteCode)
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

func (r *Registry) join(ctx context.Context, id, inviteCode string) (Client, error) {
	if r.redisClient != nil {
		joinLock := lock.NewJoinLock(r.redisClient, id, uuid.NewString())
		if err := joinLock.Lock(ctx, 500*time.Millisecond, 120); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFederationUnreachable, err)
		}
		defer joinLock.Unlock(ctx)

		// 别的副本可能已经替我们 join 完了，但连接是进程内资源，
		// 本进程没有就还是要 dial；锁只是避免对联邦的并发 join 握手
		if client, ok := r.Resolve(id); ok {
			return client, nil
		}
	}

	client, err := r.dial(ctx, inviteCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFederationUnreachable, err)
	}

	r.mu.Lock()
	r.clients[id] = client
	r.mu.Unlock()

	log.Printf("[Federation] 已加入联邦: federationId=%s", id)
	return client, nil
}
