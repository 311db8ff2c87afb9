package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"splash-trader/internal/store"
)

const maxQueryLimit = 1000

// Service 把公告、任务、执行与异常写入事件日志。nil *Service 上的方法为空操作。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Filter 为事件查询条件，零值字段不参与过滤。
type Filter struct {
	Type   EventType
	Symbol string
	Since  time.Time
	Limit  int
}

// NewService 初始化事件日志表。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     st.DB(),
		logger: logger,
		now:    time.Now,
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_unix INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_symbol ON monitor_events(symbol);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件，代币符号从载荷的 symbol 字段（或错误上下文）中提取。
func (s *Service) Record(ctx context.Context, event Event) error {
	if s == nil {
		return nil
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	ts := event.Timestamp.UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, symbol, payload, created_unix, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(event.Type), symbolOf(payload), string(payload), ts.Unix(), ts.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}
	return nil
}

// Emit 记录事件，失败只记日志。
func (s *Service) Emit(ctx context.Context, eventType EventType, payload interface{}) {
	if s == nil {
		return
	}
	if err := s.Record(ctx, Event{Type: eventType, Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(eventType)), zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	if s == nil || err == nil {
		return
	}
	s.Emit(ctx, EventError, ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	})
}

// Query 按条件倒序返回事件。
func (s *Service) Query(ctx context.Context, f Filter) ([]Event, error) {
	if s == nil {
		return nil, nil
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}

	var (
		where []string
		args  []interface{}
	)
	if f.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, strings.ToUpper(f.Symbol))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_unix >= ?")
		args = append(args, f.Since.Unix())
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var typ, payload, created string
		if err := rows.Scan(&typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339, created)
		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}
	return events, nil
}

// Counts 返回各类型事件的数量。
func (s *Service) Counts(ctx context.Context) (map[EventType]int, error) {
	if s == nil {
		return map[EventType]int{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM monitor_events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("monitor: 统计事件失败: %w", err)
	}
	defer rows.Close()

	out := make(map[EventType]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("monitor: 解析统计失败: %w", err)
		}
		out[EventType(typ)] = n
	}
	return out, rows.Err()
}

// Prune 删除早于 before 的事件，返回删除条数。
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitor_events WHERE created_unix < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("monitor: 清理事件失败: %w", err)
	}
	return res.RowsAffected()
}

func symbolOf(payload []byte) string {
	var probe struct {
		Symbol  string `json:"symbol"`
		Context struct {
			Symbol string `json:"symbol"`
		} `json:"context"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	if probe.Symbol != "" {
		return strings.ToUpper(probe.Symbol)
	}
	return strings.ToUpper(probe.Context.Symbol)
}
