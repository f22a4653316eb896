package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"fedipay/internal/config"

	"github.com/go-redis/redis/v8"
)

var RedisClient *redis.Client

func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("连接 Redis 失败: %v", err)
	}

	RedisClient = client
	log.Println("Redis 连接成功")
	return client
}

// eventSeenTTL 事件去重窗口要盖住 ±120 秒的时间戳容忍带，取 10 分钟
const eventSeenTTL = 10 * time.Minute

// MarkEventSeen 签名事件防重放：第一次见到返回 true，重放返回 false
func MarkEventSeen(ctx context.Context, client *redis.Client, eventID string) (bool, error) {
	key := fmt.Sprintf("event:seen:%s", eventID)
	return client.SetNX(ctx, key, 1, eventSeenTTL).Result()
}
