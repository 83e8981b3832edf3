package vqs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client 对外统一入口，聚合队列、调度器、Dispatcher 与 Forwarder。
// 通过 New 构造，按配置选择具体适配器；所有客户端句柄只在此构造一次并注入各组件。
// 所有方法要求调用方传递 context 控制超时/取消。
//
// 线程安全：实现需保障并发安全。
type Client interface {
	// Start 启动消费者与定时触发器轮询。
	Start(ctx context.Context) error
	// Close 优雅关闭，等待在途批次，遵循 ctx 超时。
	Close(ctx context.Context) error

	// Enqueue 等价于 Dispatcher().Enqueue。
	Enqueue(ctx context.Context, groupKey string, trigger Trigger) (EnqueueResult, error)
	// DeploymentID 返回当前部署标识。
	DeploymentID(ctx context.Context) (string, error)

	Queue() Queue
	Scheduler() Scheduler
	Dispatcher() *Dispatcher
	Forwarder() *Forwarder
	Routes() RoutingTable
	// WebhookMux 按路由表挂载业务处理函数，并带上配置的幂等中间件。
	WebhookMux(handlers map[Kind]QueueHandlerFunc, mws ...HandlerMiddleware) (http.Handler, error)
}

// New 创建 Client 实例。配置在构造任何资源前校验。
func New(ctx context.Context, cfg Config, opts ...Option) (Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &client{cfg: cfg, routes: DefaultRoutingTable()}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = newDefaultLogger(cfg.Logger)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: cfg.WebhookTimeout}
	}
	c.target = Target{ID: cfg.Scheduler.TargetID, Role: cfg.Scheduler.ExecutionRole}

	// 根据 Provider 装配队列
	if c.queue == nil {
		q, err := newQueue(cfg.Queue, c.logger)
		if err != nil {
			return nil, err
		}
		c.queue = q
		c.ownQueue = true
	}
	if c.scheduler == nil {
		s, err := newScheduler(cfg.Scheduler, c.logger)
		if err != nil {
			_ = c.closeOwned(ctx)
			return nil, err
		}
		c.scheduler = s
		c.ownScheduler = true
	}

	fwd, err := NewForwarder(ForwarderConfig{
		ServerURL:          cfg.ServerURL,
		HTTPClient:         c.httpClient,
		Queue:              c.queue,
		Scheduler:          c.scheduler,
		Target:             c.target,
		MaxAttempts:        cfg.Retry.MaxAttempts,
		LongDelayThreshold: cfg.Retry.LongDelayThreshold,
		Logger:             c.logger,
		Now:                c.now,
	})
	if err != nil {
		_ = c.closeOwned(ctx)
		return nil, err
	}
	c.forwarder = fwd
	c.dispatcher = NewDispatcher(c.queue, c.routes, c.logger)

	// 幂等中间件集成（可选启用）：提供 KV 或 Redis 参数即开启
	if cfg.Idempotency.Enabled() {
		idemCfg := cfg.Idempotency
		if idemCfg.KV == nil {
			c.idemRedis = redis.NewClient(&redis.Options{Addr: idemCfg.RedisAddr, Username: idemCfg.RedisUsername, Password: idemCfg.RedisPassword, DB: idemCfg.RedisDB})
			idemCfg.KV = RedisKV{R: c.idemRedis}
		}
		c.idem = NewIdempotencyMiddleware(idemCfg, c.logger)
	}
	return c, nil
}

func newQueue(cfg QueueConfig, logger Logger) (Queue, error) {
	switch cfg.Provider {
	case MQProviderRabbitMQ:
		return newRabbitMQAdapterWithMode(cfg, cfg.RabbitMQ.DelayMode, logger)
	case MQProviderRedis:
		return newRedisAdapter(cfg, logger)
	case MQProviderMemory, "":
		return NewMemoryQueue(cfg, logger), nil
	default:
		return nil, configError("unsupported queue provider: " + string(cfg.Provider))
	}
}

func newScheduler(cfg SchedulerConfig, logger Logger) (Scheduler, error) {
	switch cfg.Provider {
	case SchedulerProviderRedis:
		return newRedisScheduler(cfg, logger)
	case SchedulerProviderLocal, "":
		return NewLocalScheduler(cfg.Timezone, logger)
	default:
		return nil, configError("unsupported scheduler provider: " + string(cfg.Provider))
	}
}

type client struct {
	cfg        Config
	logger     Logger
	httpClient *http.Client
	routes     RoutingTable
	target     Target
	now        func() time.Time

	queue        Queue
	ownQueue     bool
	scheduler    Scheduler
	ownScheduler bool
	dispatcher   *Dispatcher
	forwarder    *Forwarder
	idem         HandlerMiddleware
	idemRedis    *redis.Client

	mu           sync.Mutex
	started      bool
	stopConsumer func(context.Context) error
}

func (c *client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("client already started")
	}
	if err := c.scheduler.Start(ctx, c.fireTrigger); err != nil {
		return err
	}
	stop, err := c.queue.Consume(ctx, c.forwarder.HandleBatch, RecoverMiddleware(c.logger))
	if err != nil {
		return err
	}
	c.stopConsumer = stop
	c.started = true
	c.logger.Info(ctx, "vqs started", "deployment_id", c.cfg.DeploymentID, "queue", string(c.cfg.Queue.Provider), "scheduler", string(c.cfg.Scheduler.Provider))
	return nil
}

// fireTrigger 校验触发器目标后，把合成投递交给 Forwarder。
func (c *client) fireTrigger(ctx context.Context, t TimedTrigger) error {
	if t.Target.ID != c.target.ID || t.Target.Role != c.target.Role {
		c.logger.Warn(ctx, "trigger target mismatch", "trigger", t.Name, "target_id", t.Target.ID)
		return routingError("trigger target mismatch", map[string]any{"trigger": t.Name, "target_id": t.Target.ID})
	}
	c.logger.Info(ctx, "timed trigger fired", "trigger", t.Name, "records", len(t.Input.Records))
	c.forwarder.HandleBatch(ctx, t.Input.Records)
	return nil
}

func (c *client) Close(ctx context.Context) error {
	c.mu.Lock()
	stop := c.stopConsumer
	c.stopConsumer = nil
	c.mu.Unlock()

	var errs []error
	if stop != nil {
		if err := stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.closeOwned(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.idemRedis != nil {
		if err := c.idemRedis.Close(); err != nil {
			errs = append(errs, err)
		}
		c.idemRedis = nil
	}
	return errors.Join(errs...)
}

func (c *client) closeOwned(ctx context.Context) error {
	var errs []error
	if c.ownScheduler && c.scheduler != nil {
		if err := c.scheduler.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		c.ownScheduler = false
	}
	if c.ownQueue && c.queue != nil {
		if err := c.queue.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		c.ownQueue = false
	}
	return errors.Join(errs...)
}

func (c *client) Enqueue(ctx context.Context, groupKey string, trigger Trigger) (EnqueueResult, error) {
	return c.dispatcher.Enqueue(ctx, groupKey, trigger)
}

func (c *client) DeploymentID(ctx context.Context) (string, error) { return c.cfg.DeploymentID, nil }

func (c *client) Queue() Queue            { return c.queue }
func (c *client) Scheduler() Scheduler    { return c.scheduler }
func (c *client) Dispatcher() *Dispatcher { return c.dispatcher }
func (c *client) Forwarder() *Forwarder   { return c.forwarder }
func (c *client) Routes() RoutingTable    { return c.routes }

func (c *client) WebhookMux(handlers map[Kind]QueueHandlerFunc, mws ...HandlerMiddleware) (http.Handler, error) {
	if c.idem != nil {
		mws = append([]HandlerMiddleware{c.idem}, mws...)
	}
	return NewWebhookMux(c.routes, handlers, mws...)
}

// Option 允许注入替换默认行为（如 Logger）。
type Option func(*client)

// WithLogger 注入自定义日志实现。
func WithLogger(l Logger) Option {
	return func(c *client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient 注入调用 webhook 的 HTTP 客户端。
func WithHTTPClient(h *http.Client) Option {
	return func(c *client) { c.httpClient = h }
}

// WithQueue 注入已构造的队列；Client 关闭时不会关闭它。
func WithQueue(q Queue) Option {
	return func(c *client) { c.queue = q }
}

// WithScheduler 注入已构造的调度器；Client 关闭时不会关闭它。
func WithScheduler(s Scheduler) Option {
	return func(c *client) { c.scheduler = s }
}

func WithRoutingTable(t RoutingTable) Option {
	return func(c *client) { c.routes = t }
}

// WithClock 替换 Forwarder 计算触发时间所用的时钟。
func WithClock(now func() time.Time) Option {
	return func(c *client) { c.now = now }
}
