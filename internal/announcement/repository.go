package announcement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"splash-trader/internal/store"
)

// Repository 持久化已见公告，只增不删。
type Repository struct {
	db     *sql.DB
	logger *zap.Logger

	// 写入串行化，保证 Record 返回前对 IsKnown 可见
	mu sync.Mutex
}

// NewRepository 初始化公告仓储并创建表结构。
func NewRepository(st *store.Store, logger *zap.Logger) (*Repository, error) {
	if st == nil {
		return nil, errors.New("announcement: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Repository{
		db:     st.DB(),
		logger: logger,
	}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS announcements (
	key TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	trigger_raw TEXT NOT NULL,
	trigger_at TEXT NOT NULL,
	trigger_unix INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_announcements_trigger ON announcements(trigger_unix);
`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("announcement: 初始化表失败: %w", err)
	}
	return nil
}

// IsKnown 判断去重键是否已记录。
func (r *Repository) IsKnown(ctx context.Context, key string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM announcements WHERE key = ?`, key).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("announcement: 查询公告失败: %w", err)
	}
}

// HasInstant 判断同一代币在同一触发时刻是否已有记录（原始时间文本可以不同）。
func (r *Repository) HasInstant(ctx context.Context, symbol string, triggerAt time.Time) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM announcements WHERE symbol = ? AND trigger_unix = ? LIMIT 1`,
		symbol, triggerAt.Unix()).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("announcement: 查询公告失败: %w", err)
	}
}

// Record 写入公告；已存在时为空操作并返回 inserted=false。
func (r *Repository) Record(ctx context.Context, a Announcement) (bool, error) {
	if a.Symbol == "" || a.TriggerRaw == "" {
		return false, errors.New("announcement: symbol 与 trigger_raw 不能为空")
	}
	if a.RecordedAt.IsZero() {
		a.RecordedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO announcements (key, symbol, trigger_raw, trigger_at, trigger_unix, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		a.Key(), a.Symbol, a.TriggerRaw,
		a.TriggerAt.Format(time.RFC3339), a.TriggerAt.Unix(),
		a.RecordedAt.Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("announcement: 写入公告失败: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("announcement: 读取写入结果失败: %w", err)
	}
	return affected > 0, nil
}

// Get 按去重键读取公告。
func (r *Repository) Get(ctx context.Context, key string) (Announcement, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT symbol, trigger_raw, trigger_at, recorded_at FROM announcements WHERE key = ?`, key)

	a, err := scanAnnouncement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Announcement{}, false, nil
	}
	if err != nil {
		return Announcement{}, false, err
	}
	return a, true, nil
}

// List 按触发时间升序返回全部公告。
func (r *Repository) List(ctx context.Context) ([]Announcement, error) {
	return r.query(ctx,
		`SELECT symbol, trigger_raw, trigger_at, recorded_at FROM announcements ORDER BY trigger_unix ASC`)
}

// ListFuture 返回触发时间严格晚于 now 的公告。
func (r *Repository) ListFuture(ctx context.Context, now time.Time) ([]Announcement, error) {
	return r.query(ctx,
		`SELECT symbol, trigger_raw, trigger_at, recorded_at FROM announcements
		 WHERE trigger_unix > ? ORDER BY trigger_unix ASC`, now.Unix())
}

// Count 返回已记录公告数量。
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM announcements`).Scan(&n); err != nil {
		return 0, fmt.Errorf("announcement: 统计公告失败: %w", err)
	}
	return n, nil
}

// Export 以旧版 tokens.json 的形态导出全部公告。
func (r *Repository) Export(ctx context.Context) (map[string]store.AnnouncementRecord, error) {
	items, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]store.AnnouncementRecord, len(items))
	for _, a := range items {
		out[a.Key()] = store.AnnouncementRecord{
			Token:          a.Symbol,
			ResultDate:     a.TriggerRaw,
			ResultDatetime: a.TriggerAt.Format(time.RFC3339),
			AddedAt:        a.RecordedAt.Format(time.RFC3339),
		}
	}
	return out, nil
}

// Import 导入记录，已存在的键保持不变，返回新增条数。
// 旧数据的 result_date 不含 UTC 标记，而解析器生成的 TriggerRaw 为规范形式
// （空白折叠、"(UTC)" 写作 " UTC"），两者的键可能不同；同一代币同一时刻的
// 重复由 Intake 通过 HasInstant 拦截。
func (r *Repository) Import(ctx context.Context, records map[string]store.AnnouncementRecord, loc *time.Location) (int, error) {
	if loc == nil {
		loc = time.UTC
	}

	imported := 0
	for key, rec := range records {
		triggerAt, err := parseStoredTime(rec.ResultDatetime, loc)
		if err != nil {
			r.logger.Warn("跳过无法解析的公告记录", zap.String("key", key), zap.Error(err))
			continue
		}
		recordedAt, err := parseStoredTime(rec.AddedAt, loc)
		if err != nil {
			recordedAt = time.Now().In(loc)
		}

		inserted, err := r.Record(ctx, Announcement{
			Symbol:     rec.Token,
			TriggerRaw: rec.ResultDate,
			TriggerAt:  triggerAt.In(loc),
			RecordedAt: recordedAt,
		})
		if err != nil {
			return imported, err
		}
		if inserted {
			imported++
		}
	}
	return imported, nil
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) ([]Announcement, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("announcement: 查询公告失败: %w", err)
	}
	defer rows.Close()

	items := make([]Announcement, 0)
	for rows.Next() {
		a, scanErr := scanAnnouncement(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("announcement: 读取公告失败: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnnouncement(row rowScanner) (Announcement, error) {
	var (
		a          Announcement
		triggerAt  string
		recordedAt string
	)
	if err := row.Scan(&a.Symbol, &a.TriggerRaw, &triggerAt, &recordedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("announcement: 解析公告失败: %w", err)
	}

	var err error
	if a.TriggerAt, err = time.Parse(time.RFC3339, triggerAt); err != nil {
		return a, fmt.Errorf("announcement: 解析触发时间失败: %w", err)
	}
	if a.RecordedAt, err = time.Parse(time.RFC3339, recordedAt); err != nil {
		a.RecordedAt = time.Time{}
	}
	return a, nil
}

// parseStoredTime 兼容带时区的 RFC3339 与旧数据中不带时区的 ISO 时间。
func parseStoredTime(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", value, loc)
}
