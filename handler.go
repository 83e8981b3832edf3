package vqs

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// 请求体上限 1 MiB。
const maxRequestBody = 1 << 20

// MessageMetadata 为 webhook 请求头携带的投递信息。
type MessageMetadata struct {
	Attempt   int
	GroupKey  string
	MessageID string
}

// HandlerResult 为业务处理结果。TimeoutSeconds > 0 表示请求在该秒数后重投。
type HandlerResult struct {
	TimeoutSeconds float64
}

// QueueHandlerFunc 为业务处理函数。返回 nil 结果表示处理完成。
type QueueHandlerFunc func(ctx context.Context, body json.RawMessage, meta MessageMetadata) (*HandlerResult, error)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// NewQueueHandler 返回处理 webhook 的 http.Handler，只接受以 prefix 开头的分组键。
func NewQueueHandler(prefix string, fn QueueHandlerFunc, mws ...HandlerMiddleware) http.Handler {
	h := chainHandler(fn, mws)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, ok := parseMetadata(r.Header)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "Missing required headers", Code: ErrCodeProtocol})
			return
		}
		if !strings.HasPrefix(meta.GroupKey, prefix) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "Unhandled queue", Code: ErrCodeRouting})
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil || len(body) == 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "Missing request body", Code: ErrCodeProtocol})
			return
		}
		if !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid JSON body", Code: ErrCodeProtocol})
			return
		}

		res, err := h(r.Context(), body, meta)
		switch {
		case err != nil && HasTextCode(err, ErrCodeProtocol):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: ErrCodeProtocol})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, err.Error())
		case res != nil && res.TimeoutSeconds > 0:
			writeJSON(w, http.StatusServiceUnavailable, map[string]float64{"retryIn": res.TimeoutSeconds})
		default:
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		}
	})
}

func parseMetadata(h http.Header) (MessageMetadata, bool) {
	groupKey := h.Get(HeaderQueueName)
	messageID := h.Get(HeaderMessageID)
	attempt, err := strconv.Atoi(strings.TrimSpace(h.Get(HeaderMessageAttempt)))
	if groupKey == "" || messageID == "" || err != nil || attempt < 1 {
		return MessageMetadata{}, false
	}
	return MessageMetadata{Attempt: attempt, GroupKey: groupKey, MessageID: messageID}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`"failed to encode response"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// StepHandler 在边界处解析 step 触发器后调用 fn。
func StepHandler(fn func(ctx context.Context, t StepTrigger, meta MessageMetadata) (*HandlerResult, error)) QueueHandlerFunc {
	return func(ctx context.Context, body json.RawMessage, meta MessageMetadata) (*HandlerResult, error) {
		t, err := DecodeTrigger(KindStep, body)
		if err != nil {
			return nil, err
		}
		s, _ := t.Step()
		return fn(ctx, s, meta)
	}
}

// RunHandler 在边界处解析 run 触发器后调用 fn。
func RunHandler(fn func(ctx context.Context, t RunTrigger, meta MessageMetadata) (*HandlerResult, error)) QueueHandlerFunc {
	return func(ctx context.Context, body json.RawMessage, meta MessageMetadata) (*HandlerResult, error) {
		t, err := DecodeTrigger(KindRun, body)
		if err != nil {
			return nil, err
		}
		r, _ := t.Run()
		return fn(ctx, r, meta)
	}
}
