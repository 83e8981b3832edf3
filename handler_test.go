package vqs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

func webhookRequest(body string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/.well-known/workflow/v1/step", strings.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func validHeaders(group string) map[string]string {
	return map[string]string{HeaderQueueName: group, HeaderMessageID: "m1", HeaderMessageAttempt: "2"}
}

func TestQueueHandler_MissingHeaders(t *testing.T) {
	h := NewQueueHandler("__wkf_step_", func(ctx context.Context, body json.RawMessage, meta MessageMetadata) (*HandlerResult, error) {
		t.Fatalf("handler must not be called")
		return nil, nil
	})
	cases := []map[string]string{
		{},
		{HeaderQueueName: "__wkf_step_a", HeaderMessageID: "m1"},
		{HeaderQueueName: "__wkf_step_a", HeaderMessageID: "m1", HeaderMessageAttempt: "zero"},
		{HeaderQueueName: "__wkf_step_a", HeaderMessageID: "m1", HeaderMessageAttempt: "0"},
		{HeaderQueueName: "__wkf_step_a", HeaderMessageAttempt: "1"},
	}
	for i, hdr := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, webhookRequest(`{}`, hdr))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"Missing required headers","code":"PROTOCOL_ERROR"}` {
			t.Fatalf("case %d: unexpected body %s", i, got)
		}
	}
}

func TestQueueHandler_UnhandledQueue(t *testing.T) {
	h := NewQueueHandler("__wkf_step_", func(ctx context.Context, body json.RawMessage, meta MessageMetadata) (*HandlerResult, error) {
		t.Fatalf("handler must not be called")
		return nil, nil
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, webhookRequest(`{}`, validHeaders("__wkf_workflow_a")))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Unhandled queue") {
		t.Fatalf("expected 400 unhandled queue, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestQueueHandler_InvalidBody(t *testing.T) {
	h := NewQueueHandler("", func(ctx context.Context, body json.RawMessage, meta MessageMetadata) (*HandlerResult, error) {
		t.Fatalf("handler must not be called")
		return nil, nil
	})
	for _, body := range []string{"", "{not json"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, webhookRequest(body, validHeaders("g1")))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestQueueHandler_Outcomes(t *testing.T) {
	cases := []struct {
		name   string
		res    *HandlerResult
		err    error
		status int
		body   string
	}{
		{"nil result", nil, nil, http.StatusOK, `{"ok":true}`},
		{"zero timeout", &HandlerResult{}, nil, http.StatusOK, `{"ok":true}`},
		{"backoff", &HandlerResult{TimeoutSeconds: 5}, nil, http.StatusServiceUnavailable, `{"retryIn":5}`},
		{"error", nil, errors.New("boom"), http.StatusInternalServerError, `"boom"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var meta MessageMetadata
			h := NewQueueHandler("__wkf_step_", func(ctx context.Context, body json.RawMessage, m MessageMetadata) (*HandlerResult, error) {
				meta = m
				return tc.res, tc.err
			})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, webhookRequest(`{"a":1}`, validHeaders("__wkf_step_x")))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tc.body {
				t.Fatalf("expected body %s, got %s", tc.body, got)
			}
			if meta != (MessageMetadata{Attempt: 2, GroupKey: "__wkf_step_x", MessageID: "m1"}) {
				t.Fatalf("unexpected metadata %+v", meta)
			}
		})
	}
}

func TestStepHandler_DecodesAtBoundary(t *testing.T) {
	var got StepTrigger
	h := NewQueueHandler("__wkf_step_", StepHandler(func(ctx context.Context, s StepTrigger, meta MessageMetadata) (*HandlerResult, error) {
		got = s
		return nil, nil
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, webhookRequest(stepPayload, validHeaders("__wkf_step_x")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if got.WorkflowName != "wf" || got.StepID != "step_1" || got.WorkflowRunID != "run_1" {
		t.Fatalf("unexpected trigger %+v", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, webhookRequest(`{"runId":"r1"}`, validHeaders("__wkf_step_x")))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), ErrCodeProtocol) {
		t.Fatalf("expected 400 protocol error, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRunHandler_DecodesAtBoundary(t *testing.T) {
	h := NewQueueHandler("__wkf_workflow_", RunHandler(func(ctx context.Context, r RunTrigger, meta MessageMetadata) (*HandlerResult, error) {
		if r.RunID != "r1" {
			t.Fatalf("unexpected run id %q", r.RunID)
		}
		return &HandlerResult{TimeoutSeconds: 1200}, nil
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, webhookRequest(`{"runId":"r1"}`, validHeaders("__wkf_workflow_x")))
	if rec.Code != http.StatusServiceUnavailable || strings.TrimSpace(rec.Body.String()) != `{"retryIn":1200}` {
		t.Fatalf("expected 503 backoff, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookMux_RoutesByKind(t *testing.T) {
	var hits []Kind
	mux, err := NewWebhookMux(DefaultRoutingTable(), map[Kind]QueueHandlerFunc{
		KindStep: func(ctx context.Context, body json.RawMessage, meta MessageMetadata) (*HandlerResult, error) {
			hits = append(hits, KindStep)
			return nil, nil
		},
		KindRun: func(ctx context.Context, body json.RawMessage, meta MessageMetadata) (*HandlerResult, error) {
			hits = append(hits, KindRun)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("mux: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/.well-known/workflow/v1/flow", strings.NewReader(`{"runId":"r1"}`))
	for k, v := range validHeaders("__wkf_workflow_abc") {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK || len(hits) != 1 || hits[0] != KindRun {
		t.Fatalf("expected run handler, got %d %v", rec.Code, hits)
	}

	if _, err := NewWebhookMux(DefaultRoutingTable(), map[Kind]QueueHandlerFunc{KindStep: StepHandler(nil)}); err == nil {
		t.Fatalf("expected error for missing run handler")
	}
}
