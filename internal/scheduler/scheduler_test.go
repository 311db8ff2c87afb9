package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"splash-trader/internal/announcement"
)

var msk = time.FixedZone("MSK", 3*60*60)

type fakeSource struct {
	items []announcement.Announcement
	err   error
}

func (f *fakeSource) ListFuture(ctx context.Context, now time.Time) ([]announcement.Announcement, error) {
	return f.items, f.err
}

func newTestScheduler(now time.Time, handlers Handlers, source Source) *Scheduler {
	return New(handlers, source, Options{
		ReminderLead: 24 * time.Hour,
		Location:     msk,
		Now:          func() time.Time { return now },
	}, nil, nil)
}

func jobsByKind(jobs []Job) map[Kind]Job {
	out := make(map[Kind]Job, len(jobs))
	for _, j := range jobs {
		out[j.Kind] = j
	}
	return out
}

func TestSchedule_OmitsPastReminder(t *testing.T) {
	now := time.Now()
	s := newTestScheduler(now, Handlers{}, nil)
	defer s.Stop()

	if err := s.Schedule("LA", now.Add(12*time.Hour)); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	jobs := s.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected only a trigger job, got %+v", jobs)
	}
	if jobs[0].Kind != KindTrigger {
		t.Fatalf("expected trigger job, got %s", jobs[0].Kind)
	}
}

func TestSchedule_ArmsTriggerAndReminder(t *testing.T) {
	now := time.Now()
	s := newTestScheduler(now, Handlers{}, nil)
	defer s.Stop()

	triggerAt := now.Add(48 * time.Hour)
	if err := s.Schedule("LA", triggerAt); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	jobs := jobsByKind(s.Jobs())
	trigger, ok := jobs[KindTrigger]
	if !ok || !trigger.FireAt.Equal(triggerAt) {
		t.Fatalf("expected trigger at %v, got %+v", triggerAt, trigger)
	}
	reminder, ok := jobs[KindReminder]
	if !ok || !reminder.FireAt.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("expected reminder at now+24h, got %+v", reminder)
	}
	if !reminder.TriggerAt.Equal(triggerAt) {
		t.Errorf("reminder should carry the trigger time, got %v", reminder.TriggerAt)
	}
}

func TestSchedule_ReplacesSameJob(t *testing.T) {
	now := time.Now()
	s := newTestScheduler(now, Handlers{}, nil)
	defer s.Stop()

	triggerAt := now.Add(48 * time.Hour)
	for i := 0; i < 3; i++ {
		if err := s.Schedule("LA", triggerAt); err != nil {
			t.Fatalf("Schedule returned error: %v", err)
		}
	}

	if n := s.Len(); n != 2 {
		t.Fatalf("expected 2 armed jobs after repeated Schedule, got %d", n)
	}
	if n := len(s.cron.Entries()); n != 2 {
		t.Fatalf("expected 2 cron entries after repeated Schedule, got %d", n)
	}
}

func TestSchedule_RejectsPast(t *testing.T) {
	now := time.Now()
	s := newTestScheduler(now, Handlers{}, nil)
	defer s.Stop()

	if err := s.Schedule("LA", now); !errors.Is(err, ErrNotFuture) {
		t.Fatalf("expected ErrNotFuture, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected no jobs armed")
	}
}

func TestJobKeyID_IsDeterministic(t *testing.T) {
	at := time.Date(2025, 11, 14, 14, 0, 0, 0, msk)
	a := JobKey{Kind: KindTrigger, Symbol: "la", FireAt: at}
	b := JobKey{Kind: KindTrigger, Symbol: "LA", FireAt: at.UTC()}

	if a.ID() != b.ID() {
		t.Fatalf("expected equal ids, got %q and %q", a.ID(), b.ID())
	}
	if want := "trigger:LA:2025-11-14T11:00:00Z"; a.ID() != want {
		t.Fatalf("expected %q, got %q", want, a.ID())
	}
}

func TestRestart_RearmsFutureAnnouncements(t *testing.T) {
	now := time.Now()
	source := &fakeSource{items: []announcement.Announcement{
		{Symbol: "LA", TriggerRaw: "a", TriggerAt: now.Add(48 * time.Hour)},
		{Symbol: "XY", TriggerRaw: "b", TriggerAt: now.Add(2 * time.Hour)},
		{Symbol: "OLD", TriggerRaw: "c", TriggerAt: now.Add(-time.Hour)},
	}}
	s := newTestScheduler(now, Handlers{}, source)
	defer s.Stop()

	restored, err := s.Restart(context.Background())
	if err != nil {
		t.Fatalf("Restart returned error: %v", err)
	}
	if restored != 2 {
		t.Fatalf("expected 2 restored announcements, got %d", restored)
	}
	if n := s.Len(); n != 3 {
		t.Fatalf("expected 3 jobs (2 triggers + 1 reminder), got %d", n)
	}

	// 再次恢复不会产生重复任务
	if _, err := s.Restart(context.Background()); err != nil {
		t.Fatalf("second Restart returned error: %v", err)
	}
	if n := s.Len(); n != 3 {
		t.Fatalf("expected 3 jobs after second Restart, got %d", n)
	}
}

func TestRestart_SourceError(t *testing.T) {
	s := newTestScheduler(time.Now(), Handlers{}, &fakeSource{err: errors.New("db down")})
	defer s.Stop()

	if _, err := s.Restart(context.Background()); err == nil {
		t.Fatalf("expected error from failing source")
	}
}

func TestScheduler_FiresTriggerOnce(t *testing.T) {
	fired := make(chan string, 4)
	s := New(Handlers{
		Trigger: func(ctx context.Context, symbol string) { fired <- symbol },
		Remind:  func(ctx context.Context, symbol string, triggerAt time.Time) { fired <- "reminder:" + symbol },
	}, nil, Options{ReminderLead: 24 * time.Hour, Location: msk}, nil, nil)
	s.Start()
	defer s.Stop()

	if err := s.Schedule("LA", time.Now().Add(150*time.Millisecond)); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	select {
	case got := <-fired:
		if got != "LA" {
			t.Fatalf("expected trigger for LA, got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("trigger job did not fire")
	}

	select {
	case got := <-fired:
		t.Fatalf("unexpected second fire: %q", got)
	case <-time.After(300 * time.Millisecond):
	}

	if n := s.Len(); n != 0 {
		t.Fatalf("expected fired job to be removed, %d left", n)
	}
}

func TestScheduler_FiresJobThatLapsedBeforeStart(t *testing.T) {
	fired := make(chan string, 4)
	s := New(Handlers{
		Trigger: func(ctx context.Context, symbol string) { fired <- symbol },
	}, nil, Options{ReminderLead: 24 * time.Hour, Location: msk}, nil, nil)
	defer s.Stop()

	if err := s.Schedule("LA", time.Now().Add(100*time.Millisecond)); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	s.Start()

	select {
	case got := <-fired:
		if got != "LA" {
			t.Fatalf("expected trigger for LA, got %q", got)
		}
	case <-time.After(1500 * time.Millisecond):
		t.Fatalf("lapsed trigger never fired, %d job(s) still armed", s.Len())
	}

	select {
	case got := <-fired:
		t.Fatalf("unexpected second fire: %q", got)
	case <-time.After(300 * time.Millisecond):
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("expected fired job to be removed, %d left", n)
	}
}

func TestScheduler_ReplacementAfterStaleFireStillFires(t *testing.T) {
	fired := make(chan string, 4)
	s := New(Handlers{
		Trigger: func(ctx context.Context, symbol string) { fired <- symbol },
	}, nil, Options{ReminderLead: 24 * time.Hour, Location: msk}, nil, nil)
	defer s.Stop()

	// 替换发生时旧任务的触发时间已过，旧触发以过期代次到达
	key := JobKey{Kind: KindTrigger, Symbol: "LA", FireAt: time.Now().Add(-50 * time.Millisecond)}
	s.arm(key, key.FireAt, time.Now())
	s.mu.Lock()
	staleGen := s.jobs[key.ID()].gen
	s.mu.Unlock()

	s.arm(key, key.FireAt, time.Now())
	s.fire(key.ID(), staleGen)
	if n := s.Len(); n != 1 {
		t.Fatalf("stale fire must not consume the replacement, %d job(s) armed", n)
	}

	s.Start()

	select {
	case got := <-fired:
		if got != "LA" {
			t.Fatalf("expected trigger for LA, got %q", got)
		}
	case <-time.After(1500 * time.Millisecond):
		t.Fatalf("replacement never fired, %d job(s) still armed", s.Len())
	}

	select {
	case got := <-fired:
		t.Fatalf("unexpected second fire: %q", got)
	case <-time.After(300 * time.Millisecond):
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("expected fired job to be removed, %d left", n)
	}
}

func TestOneShot_IssuesSingleFireTime(t *testing.T) {
	at := time.Date(2025, 11, 14, 11, 0, 0, 0, time.UTC)

	future := &oneShot{at: at}
	if got := future.Next(at.Add(-time.Minute)); !got.Equal(at) {
		t.Fatalf("first Next before at = %v, want %v", got, at)
	}
	if got := future.Next(at); !got.IsZero() {
		t.Fatalf("second Next = %v, want zero", got)
	}

	lapsed := &oneShot{at: at}
	now := at.Add(time.Second)
	if got := lapsed.Next(now); !got.Equal(now) {
		t.Fatalf("first Next after at = %v, want %v", got, now)
	}
	if got := lapsed.Next(now.Add(time.Second)); !got.IsZero() {
		t.Fatalf("second Next = %v, want zero", got)
	}
}

func TestScheduler_LapsedJobArmedWhileRunningFires(t *testing.T) {
	fired := make(chan string, 4)
	s := New(Handlers{
		Trigger: func(ctx context.Context, symbol string) { fired <- symbol },
	}, nil, Options{ReminderLead: 24 * time.Hour, Location: msk}, nil, nil)
	s.Start()
	defer s.Stop()

	key := JobKey{Kind: KindTrigger, Symbol: "ZK", FireAt: time.Now().Add(-10 * time.Millisecond)}
	s.arm(key, key.FireAt, time.Now())

	select {
	case got := <-fired:
		if got != "ZK" {
			t.Fatalf("expected trigger for ZK, got %q", got)
		}
	case <-time.After(1500 * time.Millisecond):
		t.Fatalf("lapsed job armed on a running scheduler never fired")
	}
}
