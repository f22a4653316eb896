package nostrauth

import (
	"context"
	"errors"
	"log"
	"time"

	"fedipay/internal/infrastructure/cache"

	"github.com/go-redis/redis/v8"
	"github.com/nbd-wtf/go-nostr"
)

// 账户变更类端点不走登录态，靠签名事件信封鉴权：
// 作者公钥 + 创建时间 + 事件类型 + 内容 + schnorr 签名

var (
	// ErrBadEvent 签名无效、类型不符、时间戳出窗或事件重放
	ErrBadEvent = errors.New("签名事件校验失败")
)

// 每个端点一个事件类型，防止签好的事件被挪用到别的端点
const (
	KindCheckRegistration = 11530
	KindChangeFederation  = 11531
	KindDisableZaps       = 11532
)

// TimestampTolerance 事件声明时间与当前时间的容忍偏差
const TimestampTolerance = 120 * time.Second

type Verifier struct {
	// redisClient 可为 nil，nil 时跳过重放去重，只做签名和时间窗校验
	redisClient *redis.Client
}

func NewVerifier(redisClient *redis.Client) *Verifier {
	return &Verifier{redisClient: redisClient}
}

// Verify 校验一个签名事件信封
//
// 时间窗语义：created_at 落在 now±120s 之外即拒绝。
// 签名合法但过期/超前的事件同样拒绝，这是防重放的第一道闸，
// redis 去重是第二道。
func (v *Verifier) Verify(ctx context.Context, evt *nostr.Event, kind int) error {
	if evt.Kind != kind {
		return ErrBadEvent
	}

	ok, err := evt.CheckSignature()
	if err != nil || !ok {
		return ErrBadEvent
	}

	now := time.Now()
	created := evt.CreatedAt.Time()
	if created.Before(now.Add(-TimestampTolerance)) || created.After(now.Add(TimestampTolerance)) {
		return ErrBadEvent
	}

	if v.redisClient != nil {
		fresh, err := cache.MarkEventSeen(ctx, v.redisClient, evt.ID)
		if err != nil {
			// redis 故障时放行：时间窗校验还在，不能因缓存不可用拒掉所有控制请求
			log.Printf("[NostrAuth] 事件去重查询失败: eventId=%s, err=%v", evt.ID, err)
			return nil
		}
		if !fresh {
			return ErrBadEvent
		}
	}

	return nil
}
