package vqs

import (
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

func TestWrapError_CategoryOverridesSource(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want goerrors.Category
		code string
	}{
		{"protocol over validation", protocolWrapError(configError("inner"), "bad body", nil), goerrors.CategoryBadInput, ErrCodeProtocol},
		{"transport over bad input", transportError(protocolError("inner", nil), "call failed", nil), goerrors.CategoryExternal, ErrCodeTransport},
		{"plain source", protocolWrapError(errors.New("eof"), "bad body", nil), goerrors.CategoryBadInput, ErrCodeProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rich *goerrors.Error
			if !goerrors.As(tc.err, &rich) {
				t.Fatalf("expected go-errors error, got %T", tc.err)
			}
			if rich.Category != tc.want {
				t.Fatalf("expected category %q, got %q", tc.want, rich.Category)
			}
			if !HasTextCode(tc.err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, tc.err)
			}
		})
	}
}

func TestSecondsToDuration_Clamps(t *testing.T) {
	if d := secondsToDuration(1.5); d != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", d)
	}
	for _, sec := range []float64{1e10, 1e300} {
		if d := secondsToDuration(sec); d <= 0 {
			t.Fatalf("%g: expected positive duration, got %v", sec, d)
		}
	}
}
