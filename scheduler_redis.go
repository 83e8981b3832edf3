package vqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// redisScheduler 基于 Redis 的一次性定时触发器：
//   - 触发器内容存于 <prefix>:<name>（SET NX，同名重复创建为幂等）
//   - 到期时间索引于 ZSET <prefix>:due
//   - 轮询时先 ZREM 认领，认领成功的实例读取并删除内容后触发，保证至多触发一次
type redisScheduler struct {
	rdb          *redis.Client
	prefix       string
	pollInterval time.Duration
	logger       Logger

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// 触发器内容保留到 fireAt 之后这么久，防止未被认领的 key 永久残留。
const triggerRetention = 24 * time.Hour

func newRedisScheduler(cfg SchedulerConfig, logger Logger) (Scheduler, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr empty")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Username: cfg.Redis.Username, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	return NewRedisScheduler(rdb, cfg.KeyPrefix, cfg.PollInterval, logger), nil
}

// NewRedisScheduler 使用已有的 Redis 客户端创建调度器。
func NewRedisScheduler(rdb *redis.Client, prefix string, pollInterval time.Duration, logger Logger) Scheduler {
	if prefix == "" {
		prefix = "vqs:trigger"
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if logger == nil {
		logger = newDefaultLogger(LoggerConfig{})
	}
	return &redisScheduler{rdb: rdb, prefix: prefix, pollInterval: pollInterval, logger: logger, stopCh: make(chan struct{})}
}

func (s *redisScheduler) dueKey() string              { return s.prefix + ":due" }
func (s *redisScheduler) itemKey(name string) string { return s.prefix + ":" + name }

func (s *redisScheduler) Schedule(ctx context.Context, t TimedTrigger) error {
	if t.Name == "" {
		return fmt.Errorf("trigger name empty")
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ttl := time.Until(t.FireAt) + triggerRetention
	ok, err := s.rdb.SetNX(ctx, s.itemKey(t.Name), b, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info(ctx, "trigger already scheduled", "trigger", t.Name)
		return nil
	}
	score := float64(t.FireAt.UnixMilli())
	if err := s.rdb.ZAdd(ctx, s.dueKey(), redis.Z{Score: score, Member: t.Name}).Err(); err != nil {
		_ = s.rdb.Del(ctx, s.itemKey(t.Name)).Err()
		return err
	}
	return nil
}

func (s *redisScheduler) Start(ctx context.Context, fire TriggerFunc) error {
	if fire == nil {
		return fmt.Errorf("nil trigger func")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.pollInterval)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				s.fireDue(ctx, fire)
			}
		}
	}()
	return nil
}

func (s *redisScheduler) fireDue(ctx context.Context, fire TriggerFunc) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	names, err := s.rdb.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{Min: "-inf", Max: now, Offset: 0, Count: 100}).Result()
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error(ctx, "poll triggers failed", "error", err.Error())
		}
		return
	}
	for _, name := range names {
		n, err := s.rdb.ZRem(ctx, s.dueKey(), name).Result()
		if err != nil || n == 0 {
			continue
		}
		// 触发即删除
		raw, err := s.rdb.GetDel(ctx, s.itemKey(name)).Bytes()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				s.logger.Error(ctx, "load trigger failed", "trigger", name, "error", err.Error())
			}
			continue
		}
		var t TimedTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			s.logger.Error(ctx, "drop malformed trigger", "trigger", name, "error", err.Error())
			continue
		}
		if err := fire(ctx, t); err != nil {
			s.logger.Error(ctx, "trigger fire failed", "trigger", name, "error", err.Error())
		}
	}
}

func (s *redisScheduler) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.stopCh) })
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return s.rdb.Close()
}
