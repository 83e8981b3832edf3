package vqs

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
)

// Message 为待发布的消息。GroupKey 为 FIFO 分组键。
type Message struct {
	GroupKey string
	Body     []byte
	Headers  map[string]string
}

// Delivery 为一次投递到消费者的记录。ReceiveCount 为队列原生的接收次数（从 1 开始）。
type Delivery struct {
	MessageID    string            `json:"messageId"`
	GroupKey     string            `json:"groupKey"`
	Body         json.RawMessage   `json:"body"`
	ReceiveCount int               `json:"receiveCount"`
	Headers      map[string]string `json:"headers,omitempty"`

	ack func(ctx context.Context) error
}

// BatchHandler 处理一批有序记录。不返回错误：终态由处理方自行记录。
type BatchHandler func(ctx context.Context, batch []Delivery)

// Producer 统一发布接口，返回队列分配的消息 ID。
type Producer interface {
	Publish(ctx context.Context, msg Message) (string, error)
	PublishDelay(ctx context.Context, msg Message, delay time.Duration) (string, error)
}

// Consumer 统一消费接口；返回停止函数。
type Consumer interface {
	Consume(ctx context.Context, handler BatchHandler, mws ...Middleware) (stop func(context.Context) error, err error)
}

// Queue 聚合 Producer 与 Consumer，并暴露 Close 以释放资源。
type Queue interface {
	Producer
	Consumer
	Close(ctx context.Context) error
}

// partition 按分组键哈希把一批记录拆到 n 个通道，通道内保持原顺序。
func partition(batch []Delivery, n int) [][]Delivery {
	if n <= 1 {
		return [][]Delivery{batch}
	}
	lanes := make([][]Delivery, n)
	for _, d := range batch {
		i := int(xxhash.Sum64String(d.GroupKey) % uint64(n))
		lanes[i] = append(lanes[i], d)
	}
	return lanes
}

// runLanes 并发执行各通道，通道内串行；每个通道处理完后确认其记录。
// 全部通道结束才返回，调用方据此保证同一分组不会被并发处理。
// 已取出的批次在停止消费后仍会处理完毕并确认。
func runLanes(ctx context.Context, batch []Delivery, lanes int, handler BatchHandler, logger Logger) {
	ctx = context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, lane := range partition(batch, lanes) {
		if len(lane) == 0 {
			continue
		}
		wg.Add(1)
		go func(lane []Delivery) {
			defer wg.Done()
			handler(ctx, lane)
			for _, d := range lane {
				if d.ack == nil {
					continue
				}
				if err := d.ack(ctx); err != nil {
					logger.Error(ctx, "ack failed", "message_id", d.MessageID, "group_key", d.GroupKey, "error", err.Error())
				}
			}
		}(lane)
	}
	wg.Wait()
}
