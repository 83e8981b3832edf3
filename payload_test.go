package vqs

import (
	"testing"

	json "github.com/goccy/go-json"
)

func TestTrigger_MarshalOnlyVariantFields(t *testing.T) {
	b, err := json.Marshal(NewRunTrigger(RunTrigger{RunID: "r1"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"runId":"r1"}` {
		t.Fatalf("unexpected body %s", b)
	}
	if _, err := json.Marshal(Trigger{}); err == nil {
		t.Fatalf("expected error for unset kind")
	}
}

func TestDecodeTrigger(t *testing.T) {
	tr, err := DecodeTrigger(KindStep, []byte(stepPayload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	s, ok := tr.Step()
	if !ok || s.WorkflowStartedAt != 1 {
		t.Fatalf("unexpected step %+v", s)
	}
	if _, ok := tr.Run(); ok {
		t.Fatalf("step trigger must not expose run fields")
	}

	bad := []struct {
		kind Kind
		raw  string
	}{
		{KindStep, `{"workflowName":"wf"}`},
		{KindStep, `[`},
		{KindRun, `{}`},
		{"job", `{}`},
	}
	for _, tc := range bad {
		if _, err := DecodeTrigger(tc.kind, []byte(tc.raw)); !HasTextCode(err, ErrCodeProtocol) {
			t.Fatalf("%s %s: expected protocol error, got %v", tc.kind, tc.raw, err)
		}
	}
}

func TestDecodeEnvelope(t *testing.T) {
	bad := []string{
		`nope`,
		`{"payload":{},"webhookPath":"no-slash"}`,
		`{"webhookPath":"/a"}`,
		`{"payload":{},"webhookPath":"/a","attempt":-1}`,
	}
	for _, raw := range bad {
		if _, err := decodeEnvelope([]byte(raw)); !HasTextCode(err, ErrCodeProtocol) {
			t.Fatalf("%s: expected protocol error, got %v", raw, err)
		}
	}
	e, err := decodeEnvelope([]byte(`{"kind":"run","groupKey":"g","payload":{"runId":"r"},"webhookPath":"/a"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Attempt != 0 || e.Kind != KindRun {
		t.Fatalf("unexpected envelope %+v", e)
	}
}
