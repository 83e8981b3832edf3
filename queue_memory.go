package vqs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryQueue 进程内队列，用于本地运行与测试。延时消息到期前对消费者不可见。
type memoryQueue struct {
	cfg    QueueConfig
	logger Logger
	now    func() time.Time

	mu     sync.Mutex
	items  []memoryItem
	closed bool
	notify chan struct{}
}

type memoryItem struct {
	id      string
	msg     Message
	readyAt time.Time
}

// NewMemoryQueue 创建进程内队列。
func NewMemoryQueue(cfg QueueConfig, logger Logger) Queue {
	if logger == nil {
		logger = newDefaultLogger(LoggerConfig{})
	}
	return &memoryQueue{cfg: cfg, logger: logger, now: time.Now, notify: make(chan struct{}, 1)}
}

func (q *memoryQueue) Publish(ctx context.Context, msg Message) (string, error) {
	return q.PublishDelay(ctx, msg, 0)
}

func (q *memoryQueue) PublishDelay(ctx context.Context, msg Message, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", fmt.Errorf("memory queue closed")
	}
	id := uuid.NewString()
	q.items = append(q.items, memoryItem{id: id, msg: msg, readyAt: q.now().Add(delay)})
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return id, nil
}

// take 按入队顺序取出已到期的消息。某分组存在未到期消息时，其后同组消息也暂不投递。
func (q *memoryQueue) take(max int) []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	blocked := map[string]bool{}
	var out []Delivery
	rest := q.items[:0]
	for _, it := range q.items {
		if len(out) < max && !blocked[it.msg.GroupKey] && !it.readyAt.After(now) {
			out = append(out, Delivery{
				MessageID:    it.id,
				GroupKey:     it.msg.GroupKey,
				Body:         append([]byte(nil), it.msg.Body...),
				ReceiveCount: 1,
				Headers:      copyHeaders(it.msg.Headers),
			})
			continue
		}
		if it.readyAt.After(now) {
			blocked[it.msg.GroupKey] = true
		}
		rest = append(rest, it)
	}
	q.items = rest
	return out
}

func (q *memoryQueue) Consume(ctx context.Context, handler BatchHandler, mws ...Middleware) (func(context.Context) error, error) {
	final := chain(handler, mws)
	batchSize := q.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	lanes := q.cfg.ConsumerConcurrency
	if lanes <= 0 {
		lanes = 1
	}
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			batch := q.take(batchSize)
			if len(batch) > 0 {
				runLanes(cctx, batch, lanes, final, q.logger)
				continue
			}
			select {
			case <-cctx.Done():
				return
			case <-q.notify:
			case <-ticker.C:
			}
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

func (q *memoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for k, v := range h {
		m[k] = v
	}
	return m
}
