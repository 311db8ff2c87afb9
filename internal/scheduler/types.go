package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"splash-trader/internal/announcement"
)

// Kind 为任务类型。
type Kind string

const (
	KindTrigger  Kind = "trigger"
	KindReminder Kind = "reminder"
)

// ErrNotFuture 表示触发时间不晚于当前时间。
var ErrNotFuture = errors.New("scheduler: 触发时间必须晚于当前时间")

// JobKey 唯一标识一个任务，同一公告重复调度得到相同的 ID。
type JobKey struct {
	Kind   Kind
	Symbol string
	FireAt time.Time
}

// ID 返回确定性的任务 ID：kind:SYMBOL:RFC3339(UTC)。
func (k JobKey) ID() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, strings.ToUpper(k.Symbol), k.FireAt.UTC().Format(time.RFC3339))
}

// Job 为已挂起任务的只读视图。
type Job struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Symbol    string    `json:"symbol"`
	FireAt    time.Time `json:"fire_at"`
	TriggerAt time.Time `json:"trigger_at"`
	ArmedAt   time.Time `json:"armed_at"`
}

// Handlers 为任务触发时的回调。
type Handlers struct {
	// Trigger 在触发时间执行交易广播。
	Trigger func(ctx context.Context, symbol string)
	// Remind 在提前量到达时发送提醒。
	Remind func(ctx context.Context, symbol string, triggerAt time.Time)
}

// Source 提供重启恢复所需的公告。
type Source interface {
	ListFuture(ctx context.Context, now time.Time) ([]announcement.Announcement, error)
}

// FiredPayload 为任务触发事件的监控载荷。
type FiredPayload struct {
	ID     string    `json:"id"`
	Kind   Kind      `json:"kind"`
	Symbol string    `json:"symbol"`
	FireAt time.Time `json:"fire_at"`
}

// oneShot 实现 cron.Schedule，只触发一次。首次计算时若 at 已过则立即触发，
// 之后的调用一律返回零值。Next 只在 cron 的调度协程中调用。
type oneShot struct {
	at     time.Time
	issued bool
}

func (o *oneShot) Next(t time.Time) time.Time {
	if o.issued {
		return time.Time{}
	}
	o.issued = true
	if t.Before(o.at) {
		return o.at
	}
	return t
}
