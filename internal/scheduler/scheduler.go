package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"splash-trader/internal/monitor"
)

// Options 为调度器配置。
type Options struct {
	// ReminderLead 为提醒相对触发时间的提前量。
	ReminderLead time.Duration
	Location     *time.Location
	Now          func() time.Time
}

type armed struct {
	job     Job
	entryID cron.EntryID
	gen     uint64
}

// Scheduler 把公告的触发时间转换为一次性的触发与提醒任务。
type Scheduler struct {
	cron     *cron.Cron
	handlers Handlers
	source   Source
	opts     Options
	monitor  *monitor.Service
	logger   *zap.Logger

	mu   sync.Mutex
	jobs map[string]*armed
	gen  uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建调度器，调用 Start 之后任务才会触发。
func New(handlers Handlers, source Source, opts Options, mon *monitor.Service, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReminderLead <= 0 {
		opts.ReminderLead = 24 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.FixedZone("MSK", 3*60*60)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cronLogger{logger.Sugar()}),
		cron.WithChain(cron.Recover(cronLogger{logger.Sugar()})),
	)

	return &Scheduler{
		cron:     c,
		handlers: handlers,
		source:   source,
		opts:     opts,
		monitor:  mon,
		logger:   logger,
		jobs:     make(map[string]*armed),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动后台定时器。
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("调度器已启动", zap.Int("armed_jobs", s.Len()))
}

// Stop 停止调度，返回的 context 在运行中的任务结束后关闭。
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}

// Schedule 挂起触发任务，并在提醒时间仍在未来时挂起提醒任务。
func (s *Scheduler) Schedule(symbol string, triggerAt time.Time) error {
	now := s.opts.Now()
	if !triggerAt.After(now) {
		return fmt.Errorf("%w: %s %s", ErrNotFuture, symbol, triggerAt.Format(time.RFC3339))
	}
	triggerAt = triggerAt.In(s.opts.Location)

	s.arm(JobKey{Kind: KindTrigger, Symbol: symbol, FireAt: triggerAt}, triggerAt, now)

	reminderAt := triggerAt.Add(-s.opts.ReminderLead)
	if reminderAt.After(now) {
		s.arm(JobKey{Kind: KindReminder, Symbol: symbol, FireAt: reminderAt}, triggerAt, now)
	} else {
		s.logger.Debug("提醒时间已过，不安排提醒",
			zap.String("symbol", symbol),
			zap.Time("reminder_at", reminderAt),
		)
	}
	return nil
}

// Restart 从持久化公告恢复所有未来任务，返回恢复的公告数量。
func (s *Scheduler) Restart(ctx context.Context) (int, error) {
	if s.source == nil {
		return 0, nil
	}

	now := s.opts.Now()
	items, err := s.source.ListFuture(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("scheduler: 读取公告失败: %w", err)
	}

	var (
		restored int
		errs     error
	)
	for _, a := range items {
		if !a.TriggerAt.After(now) {
			continue
		}
		if err := s.Schedule(a.Symbol, a.TriggerAt); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		restored++
	}

	s.logger.Info("已恢复公告任务", zap.Int("announcements", restored), zap.Int("jobs", s.Len()))
	return restored, errs
}

// Jobs 按触发时间升序返回已挂起任务。
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, a := range s.jobs {
		out = append(out, a.job)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// Len 返回已挂起任务数量。
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// arm 以同 ID 替换的方式挂起任务，替换与触发在同一把锁下判定。
func (s *Scheduler) arm(key JobKey, triggerAt, now time.Time) {
	id := key.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	if prev, ok := s.jobs[id]; ok {
		s.cron.Remove(prev.entryID)
		replaced = true
	}

	s.gen++
	gen := s.gen
	entryID := s.cron.Schedule(&oneShot{at: key.FireAt}, cron.FuncJob(func() {
		s.fire(id, gen)
	}))

	job := Job{
		ID:        id,
		Kind:      key.Kind,
		Symbol:    key.Symbol,
		FireAt:    key.FireAt,
		TriggerAt: triggerAt,
		ArmedAt:   now,
	}
	s.jobs[id] = &armed{job: job, entryID: entryID, gen: gen}

	s.logger.Info("任务已挂起",
		zap.String("job_id", id),
		zap.Bool("replaced", replaced),
		zap.Time("fire_at", key.FireAt),
	)
	s.monitor.Emit(s.ctx, monitor.EventJobArmed, job)
}

func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	a, ok := s.jobs[id]
	if !ok || a.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, id)
	s.cron.Remove(a.entryID)
	s.mu.Unlock()

	job := a.job
	s.logger.Info("任务触发", zap.String("job_id", id), zap.String("kind", string(job.Kind)))
	s.monitor.Emit(s.ctx, monitor.EventJobFired, FiredPayload{
		ID:     id,
		Kind:   job.Kind,
		Symbol: job.Symbol,
		FireAt: job.FireAt,
	})

	switch job.Kind {
	case KindTrigger:
		if s.handlers.Trigger != nil {
			s.handlers.Trigger(s.ctx, job.Symbol)
		}
	case KindReminder:
		if s.handlers.Remind != nil {
			s.handlers.Remind(s.ctx, job.Symbol, job.TriggerAt)
		}
	}
}

// cronLogger 将 cron 内部日志接入 zap。
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
