package vqs

import (
	"strings"

	json "github.com/goccy/go-json"
)

// StepTrigger 触发工作流中的单个 step。
type StepTrigger struct {
	WorkflowName      string            `json:"workflowName"`
	WorkflowRunID     string            `json:"workflowRunId"`
	WorkflowStartedAt int64             `json:"workflowStartedAt"`
	StepID            string            `json:"stepId"`
	TraceCarrier      map[string]string `json:"traceCarrier,omitempty"`
}

// RunTrigger 触发（或继续）一次工作流运行。
type RunTrigger struct {
	RunID        string            `json:"runId"`
	TraceCarrier map[string]string `json:"traceCarrier,omitempty"`
}

// Trigger 为 step/run 的带标签变体，只携带对应类型的字段。
type Trigger struct {
	kind Kind
	step StepTrigger
	run  RunTrigger
}

func NewStepTrigger(s StepTrigger) Trigger { return Trigger{kind: KindStep, step: s} }

func NewRunTrigger(r RunTrigger) Trigger { return Trigger{kind: KindRun, run: r} }

func (t Trigger) Kind() Kind { return t.kind }

func (t Trigger) Step() (StepTrigger, bool) { return t.step, t.kind == KindStep }

func (t Trigger) Run() (RunTrigger, bool) { return t.run, t.kind == KindRun }

// Validate 检查必填字段。
func (t Trigger) Validate() error {
	switch t.kind {
	case KindStep:
		var missing []string
		if strings.TrimSpace(t.step.WorkflowName) == "" {
			missing = append(missing, "workflowName")
		}
		if strings.TrimSpace(t.step.WorkflowRunID) == "" {
			missing = append(missing, "workflowRunId")
		}
		if strings.TrimSpace(t.step.StepID) == "" {
			missing = append(missing, "stepId")
		}
		if len(missing) > 0 {
			return invalidPayload("step trigger is missing required fields", map[string]any{"fields": missing})
		}
		return nil
	case KindRun:
		if strings.TrimSpace(t.run.RunID) == "" {
			return invalidPayload("run trigger is missing required fields", map[string]any{"fields": []string{"runId"}})
		}
		return nil
	default:
		return invalidPayload("trigger kind is not set", nil)
	}
}

// MarshalJSON 只输出变体自身的字段，即 webhook 请求体。
func (t Trigger) MarshalJSON() ([]byte, error) {
	switch t.kind {
	case KindStep:
		return json.Marshal(t.step)
	case KindRun:
		return json.Marshal(t.run)
	default:
		return nil, invalidPayload("trigger kind is not set", nil)
	}
}

// DecodeTrigger 在边界处按类型解析并校验请求体。
func DecodeTrigger(kind Kind, raw []byte) (Trigger, error) {
	var t Trigger
	switch kind {
	case KindStep:
		var s StepTrigger
		if err := json.Unmarshal(raw, &s); err != nil {
			return Trigger{}, protocolWrapError(err, "invalid step trigger body", nil)
		}
		t = NewStepTrigger(s)
	case KindRun:
		var r RunTrigger
		if err := json.Unmarshal(raw, &r); err != nil {
			return Trigger{}, protocolWrapError(err, "invalid run trigger body", nil)
		}
		t = NewRunTrigger(r)
	default:
		return Trigger{}, protocolError("unknown trigger kind", map[string]any{"kind": string(kind)})
	}
	if err := t.Validate(); err != nil {
		return Trigger{}, protocolWrapError(err, "invalid trigger body", nil)
	}
	return t, nil
}

// Envelope 为入队的消息体。Attempt 仅在重投时写入，表示下一次投递的尝试序号。
type Envelope struct {
	Kind        Kind            `json:"kind"`
	GroupKey    string          `json:"groupKey"`
	Payload     json.RawMessage `json:"payload"`
	WebhookPath string          `json:"webhookPath"`
	Attempt     int             `json:"attempt,omitempty"`
}

func encodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, protocolWrapError(err, "malformed envelope", nil)
	}
	if len(e.Payload) == 0 || !strings.HasPrefix(e.WebhookPath, "/") {
		return Envelope{}, protocolError("envelope is missing payload or webhook path", nil)
	}
	if e.Attempt < 0 {
		return Envelope{}, protocolError("envelope attempt is negative", map[string]any{"attempt": e.Attempt})
	}
	return e, nil
}
