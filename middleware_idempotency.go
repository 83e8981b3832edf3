package vqs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// KV 是幂等中间件依赖的最小键值接口，便于单元测试注入 mock。
type KV interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// IdempotencyConfig 配置幂等中间件。
// 默认 key 为 groupKey|messageId|attempt；最终存储 key 为 Prefix + ":" + sha1(keyRaw)。
type IdempotencyConfig struct {
	// KV 可选：键值存储（生产用 RedisKV），若为 nil 且提供 RedisAddr，则自动创建
	KV KV `env:"-"`

	// 可选 Redis 连接参数（若 KV 为空则使用这些参数自动启用）
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisUsername string `env:"REDIS_USERNAME"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`

	Prefix string        `env:"PREFIX" envDefault:"vqs:idem"` // key 前缀
	TTL    time.Duration `env:"TTL" envDefault:"24h"`         // 幂等键过期时间

	// KeyFunc 可选：自定义业务唯一键，返回空串时回退到默认 key
	KeyFunc func(ctx context.Context, body json.RawMessage, meta MessageMetadata) (string, error) `env:"-"`
}

// Enabled 报告是否启用幂等中间件。
func (c IdempotencyConfig) Enabled() bool { return c.KV != nil || c.RedisAddr != "" }

// IdempotencyKey 返回一次投递尝试的默认幂等键。
func IdempotencyKey(meta MessageMetadata) string {
	return meta.GroupKey + "|" + meta.MessageID + "|" + strconv.Itoa(meta.Attempt)
}

// NewIdempotencyMiddleware 生成接收侧幂等中间件：
// 同一尝试重复到达时直接返回完成，不再调用业务；业务出错或请求退避时释放 key。
func NewIdempotencyMiddleware(cfg IdempotencyConfig, logger Logger) HandlerMiddleware {
	if cfg.KV == nil {
		panic("IdempotencyMiddleware requires KV")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "vqs:idem"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if logger == nil {
		logger = newDefaultLogger(LoggerConfig{})
	}
	return func(next QueueHandlerFunc) QueueHandlerFunc {
		return func(ctx context.Context, body json.RawMessage, meta MessageMetadata) (*HandlerResult, error) {
			keyRaw := IdempotencyKey(meta)
			if cfg.KeyFunc != nil {
				if s, err := cfg.KeyFunc(ctx, body, meta); err == nil && s != "" {
					keyRaw = s
				}
			}
			// sha1 规整 key
			h := sha1.Sum([]byte(keyRaw))
			storeKey := fmt.Sprintf("%s:%s", prefix, hex.EncodeToString(h[:]))
			ok, err := cfg.KV.SetNX(ctx, storeKey, "1", cfg.TTL)
			if err != nil {
				return nil, err
			}
			if !ok {
				logger.Info(ctx, "duplicate delivery skipped", "group_key", meta.GroupKey, "message_id", meta.MessageID, "attempt", meta.Attempt)
				return nil, nil
			}
			res, err := next(ctx, body, meta)
			if err != nil || (res != nil && res.TimeoutSeconds > 0) {
				if derr := cfg.KV.Delete(context.WithoutCancel(ctx), storeKey); derr != nil {
					logger.Warn(ctx, "release idempotency key failed", "key", storeKey, "error", derr.Error())
				}
			}
			return res, err
		}
	}
}
