package vqs

import (
	"context"
	"strings"
)

// EnqueueResult 为入队结果。
type EnqueueResult struct {
	MessageID string `json:"messageId"`
}

// Dispatcher 为生产侧入口：按路由表解析分组键，封装信封并按分组键入队。
type Dispatcher struct {
	queue  Producer
	routes RoutingTable
	logger Logger
}

func NewDispatcher(queue Producer, routes RoutingTable, logger Logger) *Dispatcher {
	if logger == nil {
		logger = newDefaultLogger(LoggerConfig{})
	}
	return &Dispatcher{queue: queue, routes: routes, logger: logger}
}

// Enqueue 校验后发布一条消息，每次调用恰好一次队列调用，失败不重试。
func (d *Dispatcher) Enqueue(ctx context.Context, groupKey string, trigger Trigger) (EnqueueResult, error) {
	route, err := d.routes.Resolve(groupKey)
	if err != nil {
		return EnqueueResult{}, err
	}
	if trigger.Kind() != route.Kind {
		return EnqueueResult{}, payloadKindMismatch(groupKey, route.Kind, trigger.Kind())
	}
	if err := trigger.Validate(); err != nil {
		return EnqueueResult{}, err
	}
	payload, err := trigger.MarshalJSON()
	if err != nil {
		return EnqueueResult{}, err
	}
	body, err := encodeEnvelope(Envelope{
		Kind:        route.Kind,
		GroupKey:    groupKey,
		Payload:     payload,
		WebhookPath: route.WebhookPath,
	})
	if err != nil {
		return EnqueueResult{}, invalidPayload("encode envelope: "+err.Error(), nil)
	}

	id, err := d.queue.Publish(ctx, Message{GroupKey: groupKey, Body: body})
	if err != nil {
		d.logger.Error(ctx, "enqueue failed", "group_key", groupKey, "kind", string(route.Kind), "error", err.Error())
		return EnqueueResult{}, queueingFailed(err, groupKey)
	}
	if strings.TrimSpace(id) == "" {
		d.logger.Error(ctx, "queue returned no message id", "group_key", groupKey, "kind", string(route.Kind))
		return EnqueueResult{}, queueingFailed(nil, groupKey)
	}
	d.logger.Info(ctx, "message enqueued", "group_key", groupKey, "message_id", id, "kind", string(route.Kind))
	return EnqueueResult{MessageID: id}, nil
}

// Routes 返回 Dispatcher 使用的路由表。
func (d *Dispatcher) Routes() RoutingTable { return d.routes }
