package vqs

import (
	"context"
	"time"
)

// Target 为定时触发器回调的目标：Forwarder 标识与执行凭据。
type Target struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// TriggerInput 为触发时交给目标的合成投递。
type TriggerInput struct {
	Records []Delivery `json:"records"`
}

// TimedTrigger 一次性定时触发器，触发后由调度器删除。
type TimedTrigger struct {
	Name   string       `json:"name"`
	FireAt time.Time    `json:"fireAt"`
	Target Target       `json:"target"`
	Input  TriggerInput `json:"input"`
}

// TriggerName 由消息 ID 确定性生成触发器名，重复创建同名触发器为幂等操作。
func TriggerName(messageID string) string { return "retry-" + messageID }

// TriggerFunc 在触发器到期时被调用。
type TriggerFunc func(ctx context.Context, t TimedTrigger) error

// TriggerScheduler 为 Forwarder 所需的最小调度能力。
type TriggerScheduler interface {
	Schedule(ctx context.Context, t TimedTrigger) error
}

// Scheduler 管理一次性定时触发器。Schedule 按名称幂等。
type Scheduler interface {
	TriggerScheduler
	Start(ctx context.Context, fire TriggerFunc) error
	Close(ctx context.Context) error
}
