package vqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisAdapter 基于 Redis Streams 实现 Queue；延时消息通过 ZSET 调度器转存至 Streams。
// 同一消费组内单实例串行拉取批次，批内按分组键分通道处理。

type redisAdapter struct {
	rdb      *redis.Client
	cfg      RedisConfig
	qcfg     QueueConfig
	logger   Logger
	consumer string

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type delayItem struct {
	ID       string            `json:"id"`
	GroupKey string            `json:"group_key"`
	Body     []byte            `json:"body"`
	Headers  map[string]string `json:"headers,omitempty"`
}

func newRedisAdapter(qcfg QueueConfig, logger Logger) (Queue, error) {
	cfg := qcfg.Redis.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr empty")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
	ad := &redisAdapter{
		rdb:      rdb,
		cfg:      cfg,
		qcfg:     qcfg,
		logger:   logger,
		consumer: cfg.Group + "-" + uuid.NewString(),
		stopCh:   make(chan struct{}),
	}
	ad.startDelayScheduler()
	return ad, nil
}

func (r *redisAdapter) delayKey() string { return r.cfg.Stream + ":delay" }

func (r *redisAdapter) startDelayScheduler() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx := context.Background()
		for {
			select {
			case <-r.stopCh:
				return
			case <-time.After(200 * time.Millisecond):
				r.moveDue(ctx)
			}
		}
	}()
}

// moveDue 将到期的延时消息转入 Stream。先 ZREM 认领，多实例下只有一个会转存。
func (r *redisAdapter) moveDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	items, err := r.rdb.ZRangeByScore(ctx, r.delayKey(), &redis.ZRangeBy{Min: "-inf", Max: now, Offset: 0, Count: 100}).Result()
	if err != nil {
		return
	}
	for _, s := range items {
		n, err := r.rdb.ZRem(ctx, r.delayKey(), s).Result()
		if err != nil || n == 0 {
			continue
		}
		var di delayItem
		if err := json.Unmarshal([]byte(s), &di); err != nil {
			r.logger.Error(ctx, "drop malformed delayed message", "error", err.Error())
			continue
		}
		if _, err := r.publishStream(ctx, di.ID, Message{GroupKey: di.GroupKey, Body: di.Body, Headers: di.Headers}); err != nil {
			// 转存失败放回 ZSET，下轮重试
			_ = r.rdb.ZAdd(ctx, r.delayKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: s}).Err()
			r.logger.Error(ctx, "move delayed message failed", "message_id", di.ID, "error", err.Error())
		}
	}
}

func (r *redisAdapter) Publish(ctx context.Context, msg Message) (string, error) {
	return r.publishStream(ctx, uuid.NewString(), msg)
}

func (r *redisAdapter) PublishDelay(ctx context.Context, msg Message, delay time.Duration) (string, error) {
	if delay <= 0 {
		return r.Publish(ctx, msg)
	}
	di := delayItem{ID: uuid.NewString(), GroupKey: msg.GroupKey, Body: msg.Body, Headers: msg.Headers}
	b, err := json.Marshal(di)
	if err != nil {
		return "", err
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	if err := r.rdb.ZAdd(ctx, r.delayKey(), redis.Z{Score: score, Member: string(b)}).Err(); err != nil {
		return "", err
	}
	return di.ID, nil
}

func (r *redisAdapter) publishStream(ctx context.Context, id string, msg Message) (string, error) {
	fields := map[string]interface{}{"id": id, "group": msg.GroupKey, "body": string(msg.Body)}
	for k, v := range msg.Headers {
		fields["h:"+k] = v
	}
	streamID, err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: r.cfg.Stream, Values: fields}).Result()
	if err != nil {
		return "", err
	}
	if streamID == "" {
		return "", nil
	}
	return id, nil
}

func (r *redisAdapter) Consume(ctx context.Context, handler BatchHandler, mws ...Middleware) (func(context.Context) error, error) {
	// 确保 group 存在，使用 "0" 从头开始读取
	if err := r.rdb.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "0").Err(); err != nil && !isBusyGroup(err) {
		return nil, err
	}
	final := chain(handler, mws)
	lanes := r.qcfg.ConsumerConcurrency
	if lanes <= 0 {
		lanes = 1
	}
	count := r.qcfg.BatchSize
	if count <= 0 {
		count = 10
	}

	done := make(chan struct{})
	cctx, cancel := context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer func() { r.wg.Done(); close(done) }()
		lastReclaim := time.Time{}
		for {
			select {
			case <-cctx.Done():
				return
			case <-r.stopCh:
				return
			default:
			}
			// 周期性认领超时未确认的消息（进程崩溃等），接收次数由 XPENDING 给出
			if time.Since(lastReclaim) >= r.cfg.VisibilityTimeout/2 {
				lastReclaim = time.Now()
				if batch := r.reclaim(cctx, int64(count)); len(batch) > 0 {
					runLanes(cctx, batch, lanes, final, r.logger)
					continue
				}
			}
			// BLOCK 2s 读取
			res, err := r.rdb.XReadGroup(cctx, &redis.XReadGroupArgs{
				Group:    r.cfg.Group,
				Consumer: r.consumer,
				Streams:  []string{r.cfg.Stream, ">"},
				Count:    int64(count),
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && cctx.Err() == nil {
					r.logger.Error(cctx, "xreadgroup failed", "stream", r.cfg.Stream, "error", err.Error())
					select {
					case <-time.After(time.Second):
					case <-cctx.Done():
					case <-r.stopCh:
					}
				}
				continue
			}
			var batch []Delivery
			for _, str := range res {
				for _, xmsg := range str.Messages {
					batch = append(batch, r.decodeXMessage(xmsg, 1))
				}
			}
			runLanes(cctx, batch, lanes, final, r.logger)
		}
	}()
	stop := func(sctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}
	return stop, nil
}

func (r *redisAdapter) reclaim(ctx context.Context, count int64) []Delivery {
	msgs, _, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.cfg.Stream,
		Group:    r.cfg.Group,
		Consumer: r.consumer,
		MinIdle:  r.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return nil
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		receiveCount := 2
		pending, err := r.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: r.cfg.Stream,
			Group:  r.cfg.Group,
			Start:  m.ID,
			End:    m.ID,
			Count:  1,
		}).Result()
		if err == nil && len(pending) == 1 && pending[0].RetryCount > 0 {
			receiveCount = int(pending[0].RetryCount)
		}
		out = append(out, r.decodeXMessage(m, receiveCount))
	}
	return out
}

func (r *redisAdapter) decodeXMessage(xm redis.XMessage, receiveCount int) Delivery {
	d := Delivery{MessageID: xm.ID, ReceiveCount: receiveCount}
	headers := make(map[string]string)
	for k, v := range xm.Values {
		s, _ := v.(string)
		switch k {
		case "id":
			if s != "" {
				d.MessageID = s
			}
		case "group":
			d.GroupKey = s
		case "body":
			d.Body = []byte(s)
		default:
			if name, ok := strings.CutPrefix(k, "h:"); ok && name != "" {
				headers[name] = s
			}
		}
	}
	if len(headers) > 0 {
		d.Headers = headers
	}
	streamID := xm.ID
	d.ack = func(ctx context.Context) error {
		return r.rdb.XAck(ctx, r.cfg.Stream, r.cfg.Group, streamID).Err()
	}
	return d
}

func (r *redisAdapter) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.stopCh) })
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return r.rdb.Close()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
