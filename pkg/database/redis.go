package database

import (
	"context"

	"llm-webui-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接。addr 为空时不启用（历史缓存退化为纯 MySQL）。
func InitRedis(addr, password string, db int) {
	if addr == "" {
		log.Info("Redis not configured, conversation history cache disabled")
		return
	}

	RDB = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// 测试连接；失败时降级而不是退出，聊天与持久化不依赖缓存
	ctx := context.Background()
	if err := RDB.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis, cache disabled", err)
		RDB = nil
		return
	}

	log.Info("Redis client connected successfully")
}
