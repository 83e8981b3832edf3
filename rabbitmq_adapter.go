package vqs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// rabbitMQAdapter 实现 Queue 接口。单个持久队列保证整体顺序，分组键放在 x-vqs-group-key 头中。
// 延时发布可使用 x-delayed-message 插件（standard），或阿里云 delay 头（aliyun）。

const (
	headerGroupKey      = "x-vqs-group-key"
	headerDeliveryCount = "x-delivery-count"
	routingKeyQueue     = "vqs.deliver"
)

type rabbitMQAdapter struct {
	cfg    RabbitMQConfig
	qcfg   QueueConfig
	logger Logger
	mode   DelayMode

	conn   *amqp.Connection
	connMu sync.Mutex
}

func newRabbitMQAdapterWithMode(qcfg QueueConfig, mode DelayMode, logger Logger) (Queue, error) {
	cfg := qcfg.RabbitMQ
	if cfg.URI == "" || cfg.Exchange == "" {
		return nil, fmt.Errorf("rabbitmq config invalid")
	}
	if mode == DelayModeStandard && cfg.DelayedExchange == "" {
		return nil, fmt.Errorf("delayed exchange required in standard mode")
	}
	if cfg.Queue == "" {
		cfg.Queue = "vqs.queue"
	}
	ad := &rabbitMQAdapter{cfg: cfg, qcfg: qcfg, mode: mode, logger: logger}
	if err := ad.ensureConnection(); err != nil {
		return nil, err
	}
	if err := ad.declareTopology(); err != nil {
		return nil, err
	}
	return ad, nil
}

func (r *rabbitMQAdapter) ensureConnection() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil && !r.conn.IsClosed() {
		return nil
	}
	// amqp.Dial 自动支持 amqp:// 和 amqps://
	conn, err := amqp.Dial(r.cfg.URI)
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

func (r *rabbitMQAdapter) declareTopology() error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	ctx := context.Background()
	r.logger.Info(ctx, "declare exchange", "exchange", r.cfg.Exchange)
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	// 延时交换机仅在 standard 模式下声明
	if r.mode == DelayModeStandard {
		args := amqp.Table{"x-delayed-type": "topic"}
		r.logger.Info(ctx, "declare delayed exchange", "exchange", r.cfg.DelayedExchange)
		if err := ch.ExchangeDeclare(r.cfg.DelayedExchange, "x-delayed-message", true, false, false, false, args); err != nil {
			return err
		}
	}
	q, err := ch.QueueDeclare(r.cfg.Queue, true, false, false, false, amqp.Table{})
	if err != nil {
		return err
	}
	r.logger.Info(ctx, "queue bind", "queue", q.Name, "exchange", r.cfg.Exchange, "binding_key", routingKeyQueue)
	if err := ch.QueueBind(q.Name, routingKeyQueue, r.cfg.Exchange, false, nil); err != nil {
		return err
	}
	if r.mode == DelayModeStandard {
		r.logger.Info(ctx, "queue bind", "queue", q.Name, "exchange", r.cfg.DelayedExchange, "binding_key", routingKeyQueue)
		if err := ch.QueueBind(q.Name, routingKeyQueue, r.cfg.DelayedExchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *rabbitMQAdapter) Publish(ctx context.Context, msg Message) (string, error) {
	return r.publish(ctx, r.cfg.Exchange, msg, r.headers(msg))
}

func (r *rabbitMQAdapter) PublishDelay(ctx context.Context, msg Message, delay time.Duration) (string, error) {
	if delay <= 0 {
		return r.Publish(ctx, msg)
	}
	headers := r.headers(msg)
	ms := int64(delay / time.Millisecond)
	if r.mode == DelayModeAliyun {
		// 直接发布到普通交换机，使用 delay 字段
		headers["delay"] = fmt.Sprintf("%d", ms)
		return r.publish(ctx, r.cfg.Exchange, msg, headers)
	}
	// standard: 发布到延时交换机，使用 x-delay
	headers["x-delay"] = ms
	return r.publish(ctx, r.cfg.DelayedExchange, msg, headers)
}

func (r *rabbitMQAdapter) headers(msg Message) amqp.Table {
	t := stringMapToTable(msg.Headers)
	if t == nil {
		t = amqp.Table{}
	}
	t[headerGroupKey] = msg.GroupKey
	return t
}

func (r *rabbitMQAdapter) publish(ctx context.Context, exchange string, msg Message, headers amqp.Table) (string, error) {
	if err := r.ensureConnection(); err != nil {
		return "", fmt.Errorf("rabbitmq connection failed: %w", err)
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return "", fmt.Errorf("rabbitmq channel creation failed: %w", err)
	}
	defer ch.Close()

	// 监听 Channel 关闭和消息退回
	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))
	rets := ch.NotifyReturn(make(chan amqp.Return, 1))

	id := uuid.NewString()
	err = ch.PublishWithContext(ctx, exchange, routingKeyQueue, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         msg.Body,
	})
	if err != nil {
		return "", fmt.Errorf("rabbitmq publish failed (exchange=%s): %w", exchange, err)
	}

	select {
	case ret := <-rets:
		return "", fmt.Errorf("message unroutable on %s: %s (code=%d)", exchange, ret.ReplyText, ret.ReplyCode)
	case closeErr := <-closeChan:
		if closeErr != nil {
			return "", fmt.Errorf("channel closed immediately after publish: %w", closeErr)
		}
	case <-time.After(100 * time.Millisecond):
		// 发布成功，没有立即错误
	}
	return id, nil
}

func (r *rabbitMQAdapter) Consume(ctx context.Context, handler BatchHandler, mws ...Middleware) (func(context.Context) error, error) {
	if err := r.ensureConnection(); err != nil {
		return nil, err
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	batchSize := r.qcfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	prefetch := r.cfg.Prefetch
	if prefetch < batchSize {
		prefetch = batchSize
	}
	// 注意：关闭在 stop 时处理
	_ = ch.Qos(prefetch, 0, false)
	msgs, err := ch.Consume(r.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}
	closeChan := ch.NotifyClose(make(chan *amqp.Error, 1))

	final := chain(handler, mws)
	lanes := r.qcfg.ConsumerConcurrency
	if lanes <= 0 {
		lanes = 1
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var first amqp.Delivery
			select {
			case <-ctx.Done():
				return
			case err := <-closeChan:
				if err != nil {
					r.logger.Error(ctx, "rabbitmq channel closed by server", "queue", r.cfg.Queue, "error", err.Error())
				}
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				first = d
			}
			batch := []Delivery{r.toDelivery(first)}
			// 非阻塞地凑满一批
		fill:
			for len(batch) < batchSize {
				select {
				case d, ok := <-msgs:
					if !ok {
						break fill
					}
					batch = append(batch, r.toDelivery(d))
				default:
					break fill
				}
			}
			runLanes(ctx, batch, lanes, final, r.logger)
		}
	}()

	stop := func(sctx context.Context) error {
		// 关闭 channel 触发 msgs 退出
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}
	return stop, nil
}

func (r *rabbitMQAdapter) toDelivery(del amqp.Delivery) Delivery {
	headers := tableToStringMap(del.Headers)
	groupKey := headers[headerGroupKey]
	// 传输层头不随重投带回
	for _, k := range []string{headerGroupKey, headerDeliveryCount, "x-delay", "delay"} {
		delete(headers, k)
	}
	if len(headers) == 0 {
		headers = nil
	}
	d := Delivery{
		MessageID:    del.MessageId,
		GroupKey:     groupKey,
		Body:         del.Body,
		ReceiveCount: receiveCount(del),
		Headers:      headers,
	}
	d.ack = func(context.Context) error { return del.Ack(false) }
	return d
}

// receiveCount 优先使用 quorum 队列的 x-delivery-count，否则依据 Redelivered 标记。
func receiveCount(del amqp.Delivery) int {
	switch v := del.Headers[headerDeliveryCount].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if del.Redelivered {
		return 2
	}
	return 1
}

func (r *rabbitMQAdapter) Close(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func stringMapToTable(m map[string]string) amqp.Table {
	if len(m) == 0 {
		return nil
	}
	t := amqp.Table{}
	for k, v := range m {
		t[k] = v
	}
	return t
}

func tableToStringMap(t amqp.Table) map[string]string {
	m := make(map[string]string, len(t))
	for k, v := range t {
		switch vv := v.(type) {
		case string:
			m[k] = vv
		case int32, int64, int:
			m[k] = fmt.Sprintf("%v", vv)
		}
	}
	return m
}
