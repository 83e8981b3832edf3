package integration

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/northseadl/vqs"
	"github.com/redis/go-redis/v9"
)

func redisQueueConfig(t *testing.T) vqs.Config {
	addr := os.Getenv("VQS_REDIS_ADDR")
	if addr == "" {
		t.Skip("redis env not set; skipping test")
	}
	suffix := uuid.NewString()[:8]
	return vqs.Config{
		ServerURL: "http://127.0.0.1:1",
		Queue: vqs.QueueConfig{
			Provider:            vqs.MQProviderRedis,
			Redis:               vqs.RedisConfig{Addr: addr, Stream: "it:vqs:" + suffix, Group: "it-" + suffix},
			ConsumerConcurrency: 4,
		},
	}
}

func TestRedis_DelayedMessage_Flow(t *testing.T) {
	cfg := redisQueueConfig(t)
	ctx := context.Background()
	c, err := vqs.New(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close(ctx)

	recv := make(chan time.Time, 1)
	stop, err := c.Queue().Consume(ctx, func(ctx context.Context, batch []vqs.Delivery) {
		for range batch {
			recv <- time.Now()
		}
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer stop(ctx)

	start := time.Now()
	delay := 1200 * time.Millisecond
	if _, err := c.Queue().PublishDelay(ctx, vqs.Message{GroupKey: "g1", Body: []byte(`{}`)}, delay); err != nil {
		t.Fatalf("publishDelay: %v", err)
	}
	select {
	case got := <-recv:
		elapsed := got.Sub(start)
		if elapsed < delay {
			t.Fatalf("too early: %v < %v", elapsed, delay)
		}
		if elapsed > delay+3*time.Second {
			t.Fatalf("too late: %v > %v", elapsed, delay+3*time.Second)
		}
	case <-time.After(6 * time.Second):
		t.Fatalf("timeout waiting delayed message")
	}
}

func TestRedis_PerGroupOrder(t *testing.T) {
	cfg := redisQueueConfig(t)
	ctx := context.Background()
	c, err := vqs.New(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close(ctx)

	const n = 30
	var mu sync.Mutex
	seen := map[string][]string{}
	done := make(chan struct{})
	total := 0
	stop, err := c.Queue().Consume(ctx, func(ctx context.Context, batch []vqs.Delivery) {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range batch {
			seen[d.GroupKey] = append(seen[d.GroupKey], string(d.Body))
			total++
			if total == 2*n {
				close(done)
			}
		}
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer stop(ctx)

	for i := 0; i < n; i++ {
		for _, g := range []string{"ga", "gb"} {
			if _, err := c.Queue().Publish(ctx, vqs.Message{GroupKey: g, Body: []byte(fmt.Sprintf("%d", i))}); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout; got %d messages", total)
	}
	mu.Lock()
	defer mu.Unlock()
	for g, bodies := range seen {
		for i, b := range bodies {
			if b != fmt.Sprintf("%d", i) {
				t.Fatalf("group %s out of order: %v", g, bodies)
			}
		}
	}
}

func TestRedis_SchedulerFiresOnce(t *testing.T) {
	addr := os.Getenv("VQS_REDIS_ADDR")
	if addr == "" {
		t.Skip("redis env not set; skipping test")
	}
	ctx := context.Background()
	prefix := "it:vqs:trigger:" + uuid.NewString()[:8]

	// 两个实例共享同一前缀，模拟多副本
	s1 := vqs.NewRedisScheduler(redis.NewClient(&redis.Options{Addr: addr}), prefix, 100*time.Millisecond, nil)
	s2 := vqs.NewRedisScheduler(redis.NewClient(&redis.Options{Addr: addr}), prefix, 100*time.Millisecond, nil)
	defer s1.Close(ctx)
	defer s2.Close(ctx)

	fired := make(chan vqs.TimedTrigger, 4)
	fire := func(ctx context.Context, t vqs.TimedTrigger) error { fired <- t; return nil }
	if err := s1.Start(ctx, fire); err != nil {
		t.Fatalf("start s1: %v", err)
	}
	if err := s2.Start(ctx, fire); err != nil {
		t.Fatalf("start s2: %v", err)
	}

	trig := vqs.TimedTrigger{
		Name:   vqs.TriggerName("m-" + uuid.NewString()),
		FireAt: time.Now().Add(time.Second).Truncate(time.Second),
		Target: vqs.Target{ID: "vqs-forwarder", Role: "it-role"},
		Input:  vqs.TriggerInput{Records: []vqs.Delivery{{MessageID: "m1", GroupKey: "g1", Body: []byte(`{"attempt":2}`), ReceiveCount: 1}}},
	}
	for i := 0; i < 3; i++ {
		if err := s1.Schedule(ctx, trig); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	select {
	case got := <-fired:
		if got.Name != trig.Name || len(got.Input.Records) != 1 || got.Input.Records[0].MessageID != "m1" {
			t.Fatalf("unexpected trigger %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("trigger did not fire")
	}
	select {
	case got := <-fired:
		t.Fatalf("trigger fired twice: %+v", got)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestRedis_IdempotencyKV(t *testing.T) {
	addr := os.Getenv("VQS_REDIS_ADDR")
	if addr == "" {
		t.Skip("redis env not set; skipping test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	kv := vqs.RedisKV{R: rdb}
	key := "it:vqs:idem:" + uuid.NewString()
	ok, err := kv.SetNX(ctx, key, "1", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("first setnx: %v %v", ok, err)
	}
	if ok, _ := kv.SetNX(ctx, key, "1", 10*time.Second); ok {
		t.Fatalf("second setnx should fail")
	}
	if err := kv.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := kv.SetNX(ctx, key, "1", 10*time.Second); !ok {
		t.Fatalf("setnx after delete should succeed")
	}
}

func TestRedis_StopDuringReadErrors(t *testing.T) {
	cfg := redisQueueConfig(t)
	ctx := context.Background()
	c, err := vqs.New(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close(ctx)

	stop, err := c.Queue().Consume(ctx, func(context.Context, []vqs.Delivery) {})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Queue.Redis.Addr})
	defer rdb.Close()
	defer rdb.Del(ctx, cfg.Queue.Redis.Stream)

	// 删除消费组后 XREADGROUP 持续返回 NOGROUP
	if err := rdb.XGroupDestroy(ctx, cfg.Queue.Redis.Stream, cfg.Queue.Redis.Group).Err(); err != nil {
		t.Fatalf("xgroup destroy: %v", err)
	}
	time.Sleep(2500 * time.Millisecond)

	sctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := stop(sctx); err != nil {
		t.Fatalf("stop should not wait out the error backoff: %v", err)
	}
}
