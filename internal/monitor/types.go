package monitor

import (
	"strings"
	"time"
)

// EventType 为事件日志中的事件类别。
type EventType string

const (
	EventAnnouncement EventType = "announcement"
	EventJobArmed     EventType = "job_armed"
	EventJobFired     EventType = "job_fired"
	EventExecution    EventType = "execution"
	EventReminder     EventType = "reminder"
	EventError        EventType = "error"
)

var knownTypes = map[EventType]struct{}{
	EventAnnouncement: {},
	EventJobArmed:     {},
	EventJobFired:     {},
	EventExecution:    {},
	EventReminder:     {},
	EventError:        {},
}

// ParseEventType 解析查询参数中的事件类型，空串表示不过滤。
func ParseEventType(s string) (EventType, bool) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return "", true
	}
	_, ok := knownTypes[t]
	return t, ok
}

// Event 为一条事件记录，读出时 Payload 为 json.RawMessage。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ErrorPayload 记录异常及其上下文。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
