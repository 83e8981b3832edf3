package vqs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalScheduler_FiresOnceByName(t *testing.T) {
	s, err := NewLocalScheduler("UTC", &captureLogger{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	defer s.Close(ctx)

	trig := TimedTrigger{Name: TriggerName("m1"), FireAt: time.Now().Add(500 * time.Millisecond), Target: Target{ID: "fwd"}}
	// 启动前登记，重复登记同名触发器
	if err := s.Schedule(ctx, trig); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Schedule(ctx, trig); err != nil {
		t.Fatalf("schedule duplicate: %v", err)
	}

	var fired int32
	got := make(chan TimedTrigger, 2)
	if err := s.Start(ctx, func(ctx context.Context, t TimedTrigger) error {
		atomic.AddInt32(&fired, 1)
		got <- t
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Schedule(ctx, trig); err != nil {
		t.Fatalf("schedule after start: %v", err)
	}

	select {
	case tr := <-got:
		if tr.Name != "retry-m1" || tr.Target.ID != "fwd" {
			t.Fatalf("unexpected trigger %+v", tr)
		}
	case <-time.After(4 * time.Second):
		t.Fatalf("trigger did not fire")
	}
	time.Sleep(1500 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Fatalf("expected trigger to fire once, fired %d", n)
	}
}

func TestLocalScheduler_RejectsUnknownTimezone(t *testing.T) {
	if _, err := NewLocalScheduler("Nowhere/City", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOnceSchedule(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 10, 0, time.UTC)
	s := onceSchedule{at: at}
	if got := s.Next(at.Add(-time.Second)); !got.Equal(at) {
		t.Fatalf("expected %v, got %v", at, got)
	}
	if got := s.Next(at); !got.IsZero() {
		t.Fatalf("expected zero after firing time, got %v", got)
	}
}
