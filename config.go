package vqs

import (
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// DelayMode 用于 RabbitMQ 延时消息兼容模式。
type DelayMode string

const (
	DelayModeStandard DelayMode = "standard" // 使用 x-delayed-message 插件（x-delay）
	DelayModeAliyun   DelayMode = "aliyun"   // 使用阿里云原生（delay）
)

const (
	DefaultMaxAttempts        = 3
	DefaultLongDelayThreshold = 15 * time.Minute
	DefaultDeploymentID       = "dpl_embedded"
	DefaultTargetID           = "vqs-forwarder"
)

// Config 为包总配置，应用通过 New 传入，或用 LoadConfig 从环境变量读取。
type Config struct {
	// ServerURL 为 webhook 所在服务的基础地址，例如 https://app.example.com
	ServerURL    string `env:"SERVER_URL"`
	DeploymentID string `env:"DEPLOYMENT_ID" envDefault:"dpl_embedded"`
	// WebhookTimeout 单次 webhook 调用超时。
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"30s"`

	Queue       QueueConfig       `envPrefix:"QUEUE_"`
	Scheduler   SchedulerConfig   `envPrefix:"SCHEDULER_"`
	Retry       RetryConfig       `envPrefix:"RETRY_"`
	Logger      LoggerConfig      `envPrefix:"LOG_"`
	Idempotency IdempotencyConfig `envPrefix:"IDEMPOTENCY_"`
}

type MQProvider string

const (
	MQProviderMemory   MQProvider = "memory"
	MQProviderRabbitMQ MQProvider = "rabbitmq"
	MQProviderRedis    MQProvider = "redis"
)

type QueueConfig struct {
	Provider MQProvider     `env:"PROVIDER" envDefault:"memory"`
	RabbitMQ RabbitMQConfig `envPrefix:"RABBITMQ_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	// ConsumerConcurrency 为分组通道数：同一分组键始终落在同一通道内串行处理。
	ConsumerConcurrency int `env:"CONSUMER_CONCURRENCY" envDefault:"4"`
	// BatchSize 单次拉取的最大消息数。
	BatchSize int `env:"BATCH_SIZE" envDefault:"10"`
}

type RabbitMQConfig struct {
	URI             string `env:"URI"`
	Exchange        string `env:"EXCHANGE"`
	DelayedExchange string `env:"DELAYED_EXCHANGE"`
	Queue           string `env:"QUEUE" envDefault:"vqs.queue"`
	Prefetch        int    `env:"PREFETCH"`
	// DelayMode 选择延时消息兼容模式；默认 standard。
	DelayMode DelayMode `env:"DELAY_MODE" envDefault:"standard"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB"`
	Stream   string `env:"STREAM" envDefault:"vqs:queue"`
	Group    string `env:"GROUP" envDefault:"vqs-forwarder"`
	// VisibilityTimeout 之后未确认的消息会被重新认领，接收次数 +1。
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"5m"`
}

type SchedulerProvider string

const (
	SchedulerProviderLocal SchedulerProvider = "local"
	SchedulerProviderRedis SchedulerProvider = "redis"
)

type SchedulerConfig struct {
	Provider SchedulerProvider `env:"PROVIDER" envDefault:"local"`
	// Redis 为空时复用 Queue.Redis 的连接参数。
	Redis        RedisConfig   `envPrefix:"REDIS_"`
	KeyPrefix    string        `env:"KEY_PREFIX" envDefault:"vqs:trigger"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	Timezone     string        `env:"TIMEZONE" envDefault:"UTC"`
	// TargetID 标识触发器回调的 Forwarder；触发时不匹配则丢弃。
	TargetID string `env:"TARGET_ID" envDefault:"vqs-forwarder"`
	// ExecutionRole 为触发器执行凭据，redis 调度器必填。
	ExecutionRole string `env:"EXECUTION_ROLE"`
}

type RetryConfig struct {
	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"3"`
	// LongDelayThreshold 及以上的退避走定时触发器，以下走队列原生延时。
	LongDelayThreshold time.Duration `env:"LONG_DELAY_THRESHOLD" envDefault:"15m"`
}

type LoggerConfig struct {
	Level string `env:"LEVEL" envDefault:"info"`
}

// LoadConfig 从 VQS_ 前缀的环境变量解析配置并校验。
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "VQS_"})
	if err != nil {
		return Config{}, configWrapError(err, "parse config from environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// withDefaults 补齐零值字段，使代码构造的 Config 与环境变量默认值一致。
func (c Config) withDefaults() Config {
	if c.DeploymentID == "" {
		c.DeploymentID = DefaultDeploymentID
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = 30 * time.Second
	}
	if c.Queue.Provider == "" {
		c.Queue.Provider = MQProviderMemory
	}
	if c.Queue.ConsumerConcurrency <= 0 {
		c.Queue.ConsumerConcurrency = 4
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "vqs.queue"
	}
	if c.Queue.RabbitMQ.DelayMode == "" {
		c.Queue.RabbitMQ.DelayMode = DelayModeStandard
	}
	c.Queue.Redis = c.Queue.Redis.withDefaults()
	if c.Scheduler.Provider == "" {
		c.Scheduler.Provider = SchedulerProviderLocal
	}
	if c.Scheduler.Redis.Addr == "" {
		c.Scheduler.Redis = c.Queue.Redis
	}
	if c.Scheduler.KeyPrefix == "" {
		c.Scheduler.KeyPrefix = "vqs:trigger"
	}
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = time.Second
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if c.Scheduler.TargetID == "" {
		c.Scheduler.TargetID = DefaultTargetID
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.LongDelayThreshold == 0 {
		c.Retry.LongDelayThreshold = DefaultLongDelayThreshold
	}
	return c
}

func (r RedisConfig) withDefaults() RedisConfig {
	if r.Stream == "" {
		r.Stream = "vqs:queue"
	}
	if r.Group == "" {
		r.Group = "vqs-forwarder"
	}
	if r.VisibilityTimeout <= 0 {
		r.VisibilityTimeout = 5 * time.Minute
	}
	return r
}

// Validate 启动时校验配置，错误信息指明具体字段。
func (c Config) Validate() error {
	c = c.withDefaults()
	u, err := url.Parse(strings.TrimSpace(c.ServerURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return configError("server_url must be an absolute http(s) url")
	}
	if c.Retry.MaxAttempts < 1 {
		return configError("retry.max_attempts must be at least 1")
	}
	if c.Retry.LongDelayThreshold <= 0 {
		return configError("retry.long_delay_threshold must be positive")
	}
	switch c.Queue.Provider {
	case MQProviderMemory:
	case MQProviderRedis:
		if c.Queue.Redis.Addr == "" {
			return configError("queue.redis.addr is required for the redis provider")
		}
	case MQProviderRabbitMQ:
		rc := c.Queue.RabbitMQ
		if rc.URI == "" || rc.Exchange == "" {
			return configError("queue.rabbitmq.uri and queue.rabbitmq.exchange are required")
		}
		if rc.DelayMode != DelayModeStandard && rc.DelayMode != DelayModeAliyun {
			return configError("queue.rabbitmq.delay_mode must be standard or aliyun")
		}
		if rc.DelayMode == DelayModeStandard && rc.DelayedExchange == "" {
			return configError("queue.rabbitmq.delayed_exchange is required in standard mode")
		}
	default:
		return configError("unsupported queue provider: " + string(c.Queue.Provider))
	}
	switch c.Scheduler.Provider {
	case SchedulerProviderLocal:
	case SchedulerProviderRedis:
		if c.Scheduler.Redis.Addr == "" {
			return configError("scheduler.redis.addr is required for the redis scheduler")
		}
		if strings.TrimSpace(c.Scheduler.ExecutionRole) == "" {
			return configError("scheduler.execution_role is required for the redis scheduler")
		}
	default:
		return configError("unsupported scheduler provider: " + string(c.Scheduler.Provider))
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return configError("scheduler.timezone is invalid: " + c.Scheduler.Timezone)
	}
	return nil
}
