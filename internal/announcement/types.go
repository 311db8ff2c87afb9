package announcement

import (
	"errors"
	"time"
)

var (
	// ErrNoMatch 表示文本不是公告格式。
	ErrNoMatch = errors.New("announcement: 文本不符合公告格式")
	// ErrBadDate 表示结构匹配但日期无法解析。
	ErrBadDate = errors.New("announcement: 无法解析 Result 日期")
	// ErrPastTrigger 表示触发时间不晚于当前时间。
	ErrPastTrigger = errors.New("announcement: 触发时间已过")
)

// Announcement 为一次解析成功的频道公告，创建后不再修改。
type Announcement struct {
	Symbol     string    `json:"symbol"`
	TriggerRaw string    `json:"trigger_raw"`
	TriggerAt  time.Time `json:"trigger_at"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Key 返回去重键 symbol_triggerRaw。
func (a Announcement) Key() string {
	return Key(a.Symbol, a.TriggerRaw)
}

// Key 由 symbol 与原始时间文本拼出去重键。
func Key(symbol, triggerRaw string) string {
	return symbol + "_" + triggerRaw
}

// Outcome 描述一条消息在入口流水线中的去向。
type Outcome int

const (
	// OutcomeIgnored 表示消息被丢弃（非公告、日期错误或已过期）。
	OutcomeIgnored Outcome = iota
	// OutcomeDuplicate 表示公告已记录过。
	OutcomeDuplicate
	// OutcomeScheduled 表示公告为新记录且已安排任务。
	OutcomeScheduled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeScheduled:
		return "scheduled"
	default:
		return "ignored"
	}
}
