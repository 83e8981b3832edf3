package vqs

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// localScheduler 基于 robfig/cron 的进程内一次性调度，适用于单实例与测试。
type localScheduler struct {
	cron   *cronv3.Cron
	logger Logger
	now    func() time.Time

	mu      sync.Mutex
	fire    TriggerFunc
	pending map[string]TimedTrigger // Start 之前登记的触发器
	ids     map[string]cronv3.EntryID
	started bool
}

// NewLocalScheduler 创建进程内调度器。tz 为空时使用 UTC。
func NewLocalScheduler(tz string, logger Logger) (Scheduler, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	if logger == nil {
		logger = newDefaultLogger(LoggerConfig{})
	}
	return &localScheduler{
		cron:    cronv3.New(cronv3.WithSeconds(), cronv3.WithLocation(loc)),
		logger:  logger,
		now:     time.Now,
		pending: map[string]TimedTrigger{},
		ids:     map[string]cronv3.EntryID{},
	}, nil
}

// onceSchedule 只在 at 时刻触发一次；之后 Next 返回零值，cron 不再调度。
type onceSchedule struct{ at time.Time }

func (s onceSchedule) Next(t time.Time) time.Time {
	if !t.Before(s.at) {
		return time.Time{}
	}
	return s.at
}

func (s *localScheduler) Schedule(ctx context.Context, t TimedTrigger) error {
	if t.Name == "" {
		return fmt.Errorf("trigger name empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[t.Name]; ok {
		s.logger.Info(ctx, "trigger already scheduled", "trigger", t.Name)
		return nil
	}
	if _, ok := s.pending[t.Name]; ok {
		s.logger.Info(ctx, "trigger already scheduled", "trigger", t.Name)
		return nil
	}
	if !s.started {
		s.pending[t.Name] = t
		return nil
	}
	s.add(t)
	return nil
}

// add 需持有 mu。
func (s *localScheduler) add(t TimedTrigger) {
	at := t.FireAt
	// 已过期的触发器至少推迟 1s，保证 cron 在加入后仍能调度到它
	if earliest := s.now().Add(time.Second); at.Before(earliest) {
		at = earliest
	}
	id := s.cron.Schedule(onceSchedule{at: at}, cronv3.FuncJob(func() {
		ctx := context.Background()
		s.mu.Lock()
		fire := s.fire
		id, ok := s.ids[t.Name]
		delete(s.ids, t.Name)
		s.mu.Unlock()
		if ok {
			s.cron.Remove(id)
		}
		if err := fire(ctx, t); err != nil {
			s.logger.Error(ctx, "trigger fire failed", "trigger", t.Name, "error", err.Error())
		}
	}))
	s.ids[t.Name] = id
}

func (s *localScheduler) Start(ctx context.Context, fire TriggerFunc) error {
	if fire == nil {
		return fmt.Errorf("nil trigger func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.fire = fire
	s.started = true
	for name, t := range s.pending {
		s.add(t)
		delete(s.pending, name)
	}
	s.cron.Start()
	return nil
}

func (s *localScheduler) Close(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
