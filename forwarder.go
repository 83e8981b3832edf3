package vqs

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	goerrors "github.com/goliatone/go-errors"
)

// Decision 为单次投递的重试决策，只在内存中计算，不持久化。
type Decision int

const (
	DecisionSuccess Decision = iota + 1
	DecisionShortRedrive
	DecisionLongRedrive
	DecisionExhausted
	DecisionFatal
)

func (d Decision) String() string {
	switch d {
	case DecisionSuccess:
		return "success"
	case DecisionShortRedrive:
		return "short_redrive"
	case DecisionLongRedrive:
		return "long_redrive"
	case DecisionExhausted:
		return "exhausted"
	case DecisionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Terminal 报告该决策之后是否不再有自动重投。
func (d Decision) Terminal() bool {
	return d == DecisionSuccess || d == DecisionExhausted || d == DecisionFatal
}

// DeliveryAttempt 标识一次投递尝试。
type DeliveryAttempt struct {
	GroupKey  string
	MessageID string
	Attempt   int
}

// Outcome 为 Forwarder 处理单条记录的结果。
type Outcome struct {
	DeliveryAttempt
	Decision Decision
	Status   int
	// Delay 为业务请求的退避时长（仅 503 时有值）。
	Delay time.Duration
	// FireAt 为长延时触发器的触发时间。
	FireAt time.Time
	Err    error
}

// ForwarderConfig 为 Forwarder 的依赖与参数，客户端句柄由调用方构造后注入。
type ForwarderConfig struct {
	ServerURL          string
	HTTPClient         *http.Client
	Queue              Producer
	Scheduler          TriggerScheduler
	Target             Target
	MaxAttempts        int
	LongDelayThreshold time.Duration
	Logger             Logger
	Now                func() time.Time
}

// Forwarder 消费投递记录，调用 webhook 并根据响应决定是否重投。
type Forwarder struct {
	base        string
	client      *http.Client
	queue       Producer
	scheduler   TriggerScheduler
	target      Target
	maxAttempts int
	threshold   time.Duration
	logger      Logger
	now         func() time.Time
}

func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.ServerURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, configError("forwarder: server url must be an absolute http(s) url")
	}
	if cfg.Queue == nil || cfg.Scheduler == nil {
		return nil, configError("forwarder: queue and scheduler are required")
	}
	f := &Forwarder{
		base:        strings.TrimRight(u.String(), "/"),
		client:      cfg.HTTPClient,
		queue:       cfg.Queue,
		scheduler:   cfg.Scheduler,
		target:      cfg.Target,
		maxAttempts: cfg.MaxAttempts,
		threshold:   cfg.LongDelayThreshold,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 30 * time.Second}
	}
	if f.maxAttempts <= 0 {
		f.maxAttempts = DefaultMaxAttempts
	}
	if f.threshold <= 0 {
		f.threshold = DefaultLongDelayThreshold
	}
	if f.logger == nil {
		f.logger = newDefaultLogger(LoggerConfig{})
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

// HandleBatch 严格按顺序逐条处理，不并发；任何记录的失败都不会中断后续记录。
func (f *Forwarder) HandleBatch(ctx context.Context, batch []Delivery) {
	for _, d := range batch {
		f.Handle(ctx, d)
	}
}

// Handle 处理单条投递记录。所有终态都在此记录日志，错误不向外抛出。
func (f *Forwarder) Handle(ctx context.Context, d Delivery) Outcome {
	if d.GroupKey == "" {
		err := routingError("missing queue name", map[string]any{"message_id": d.MessageID})
		f.logger.Error(ctx, "missing queue name", "message_id", d.MessageID, "body", string(d.Body))
		return Outcome{DeliveryAttempt: DeliveryAttempt{MessageID: d.MessageID}, Decision: DecisionFatal, Err: err}
	}
	env, err := decodeEnvelope(d.Body)
	if err != nil {
		f.logger.Error(ctx, "malformed envelope", "group_key", d.GroupKey, "message_id", d.MessageID, "error", err.Error())
		return Outcome{DeliveryAttempt: DeliveryAttempt{GroupKey: d.GroupKey, MessageID: d.MessageID}, Decision: DecisionFatal, Err: err}
	}

	da := DeliveryAttempt{GroupKey: d.GroupKey, MessageID: d.MessageID, Attempt: resolveAttempt(env, d)}
	target := f.base + env.WebhookPath
	f.logger.Info(ctx, "sending webhook", "url", target, "group_key", da.GroupKey, "message_id", da.MessageID, "attempt", da.Attempt)

	resp, err := postWebhook(ctx, f.client, target, env.Payload, da)
	if err != nil {
		terr := transportError(err, "webhook call failed", map[string]any{"url": target, "status": resp.Status})
		f.logger.Error(ctx, "webhook call failed", "group_key", da.GroupKey, "message_id", da.MessageID,
			"attempt", da.Attempt, "status", resp.Status, "error", err.Error())
		return Outcome{DeliveryAttempt: da, Decision: DecisionFatal, Status: resp.Status, Err: terr}
	}

	switch {
	case resp.Status >= 200 && resp.Status < 300:
		f.logger.Info(ctx, "webhook delivered", "group_key", da.GroupKey, "message_id", da.MessageID, "attempt", da.Attempt, "status", resp.Status)
		return Outcome{DeliveryAttempt: da, Decision: DecisionSuccess, Status: resp.Status}
	case resp.Status == http.StatusServiceUnavailable:
		return f.backoff(ctx, d, env, da, resp)
	default:
		err := transportError(nil, fmt.Sprintf("unexpected webhook status %d", resp.Status), map[string]any{"status": resp.Status})
		f.logger.Error(ctx, "failed to deliver message", "group_key", da.GroupKey, "message_id", da.MessageID,
			"attempt", da.Attempt, "status", resp.Status, "body", string(resp.Body), "headers", flattenHeaders(resp.Header))
		return Outcome{DeliveryAttempt: da, Decision: DecisionFatal, Status: resp.Status, Err: err}
	}
}

// backoff 处理业务显式请求的退避（503 + retryIn）。
func (f *Forwarder) backoff(ctx context.Context, d Delivery, env Envelope, da DeliveryAttempt, resp webhookResponse) Outcome {
	out := Outcome{DeliveryAttempt: da, Status: resp.Status}
	retryIn, err := parseRetryIn(resp.Body)
	if err != nil {
		f.logger.Error(ctx, "invalid backoff response", "group_key", da.GroupKey, "message_id", da.MessageID,
			"attempt", da.Attempt, "status", resp.Status, "body", string(resp.Body), "headers", flattenHeaders(resp.Header))
		out.Decision, out.Err = DecisionFatal, err
		return out
	}
	out.Delay = secondsToDuration(retryIn)

	if da.Attempt >= f.maxAttempts {
		f.logger.Error(ctx, "reached max retries", "group_key", da.GroupKey, "message_id", da.MessageID,
			"attempt", da.Attempt, "max_attempts", f.maxAttempts, "retry_in", retryIn, "status", resp.Status, "body", string(resp.Body))
		out.Decision = DecisionExhausted
		out.Err = newError("retries exhausted", goerrors.CategoryOperation, http.StatusServiceUnavailable, ErrCodeExhausted,
			map[string]any{"attempt": da.Attempt, "max_attempts": f.maxAttempts})
		return out
	}

	next := env
	next.Attempt = da.Attempt + 1
	body, err := encodeEnvelope(next)
	if err != nil {
		out.Decision, out.Err = DecisionFatal, redriveFailed(err, da)
		f.logger.Error(ctx, "encode redrive envelope failed", "group_key", da.GroupKey, "message_id", da.MessageID, "error", err.Error())
		return out
	}

	if retryIn < f.threshold.Seconds() {
		// 队列原生延时，沿用同一分组键以保持组内顺序
		f.logger.Info(ctx, "using queue delay", "group_key", da.GroupKey, "message_id", da.MessageID,
			"attempt", da.Attempt, "next_attempt", next.Attempt, "delay_ms", out.Delay.Milliseconds())
		if _, err := f.queue.PublishDelay(ctx, Message{GroupKey: d.GroupKey, Body: body, Headers: d.Headers}, out.Delay); err != nil {
			f.logger.Error(ctx, "short redrive failed", "group_key", da.GroupKey, "message_id", da.MessageID, "attempt", da.Attempt, "error", err.Error())
			out.Decision, out.Err = DecisionFatal, redriveFailed(err, da)
			return out
		}
		out.Decision = DecisionShortRedrive
		return out
	}

	// 调度服务只保证分钟级精度，这里按秒取整
	fireAt := f.now().Add(out.Delay).UTC().Truncate(time.Second)
	trig := TimedTrigger{
		Name:   TriggerName(d.MessageID),
		FireAt: fireAt,
		Target: f.target,
		Input: TriggerInput{Records: []Delivery{{
			MessageID:    d.MessageID,
			GroupKey:     d.GroupKey,
			Body:         body,
			ReceiveCount: 1,
			Headers:      d.Headers,
		}}},
	}
	f.logger.Info(ctx, "using timed trigger", "group_key", da.GroupKey, "message_id", da.MessageID,
		"attempt", da.Attempt, "next_attempt", next.Attempt, "trigger", trig.Name, "fire_at", fireAt.Format(time.RFC3339))
	if err := f.scheduler.Schedule(ctx, trig); err != nil {
		f.logger.Error(ctx, "long redrive failed", "group_key", da.GroupKey, "message_id", da.MessageID, "attempt", da.Attempt, "error", err.Error())
		out.Decision, out.Err = DecisionFatal, redriveFailed(err, da)
		return out
	}
	out.Decision = DecisionLongRedrive
	out.FireAt = fireAt
	return out
}

// resolveAttempt 优先使用重投时写入信封的尝试序号（定时触发器的合成投递在队列看来总是第一次接收）。
func resolveAttempt(env Envelope, d Delivery) int {
	if env.Attempt > 0 {
		return env.Attempt
	}
	if d.ReceiveCount > 0 {
		return d.ReceiveCount
	}
	return 1
}

type backoffBody struct {
	RetryIn *float64 `json:"retryIn"`
}

func parseRetryIn(body []byte) (float64, error) {
	var b backoffBody
	if err := json.Unmarshal(body, &b); err != nil {
		return 0, protocolWrapError(err, "503 response is not a backoff request", nil)
	}
	if b.RetryIn == nil || *b.RetryIn < 0 {
		return 0, protocolError("503 response has no valid retryIn", nil)
	}
	return *b.RetryIn, nil
}

// secondsToDuration 转换秒数，超出 time.Duration 范围时取最大值。
func secondsToDuration(sec float64) time.Duration {
	if sec >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(sec * float64(time.Second))
}

func redriveFailed(err error, da DeliveryAttempt) error {
	return wrapError(err, goerrors.CategoryExternal, "redrive failed", http.StatusBadGateway, ErrCodeRedriveFailed,
		map[string]any{"group_key": da.GroupKey, "message_id": da.MessageID, "attempt": da.Attempt})
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	return out
}
