package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"splash-trader/internal/store"
)

// Repository 用 SQLite 保存用户设置与会话状态。
type Repository struct {
	db       *sql.DB
	defaults Defaults
	logger   *zap.Logger

	// 读-改-写整体串行化，避免并发命令丢失更新
	mu sync.Mutex
}

// NewRepository 初始化用户设置仓储并创建表结构。
func NewRepository(st *store.Store, defaults Defaults, logger *zap.Logger) (*Repository, error) {
	if st == nil {
		return nil, errors.New("settings: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Repository{
		db:       st.DB(),
		defaults: defaults,
		logger:   logger,
	}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS user_settings (
	user_id INTEGER PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 0,
	api_key TEXT NOT NULL DEFAULT '',
	api_secret TEXT NOT NULL DEFAULT '',
	leverage REAL NOT NULL,
	margin REAL NOT NULL,
	state TEXT NOT NULL DEFAULT 'idle',
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_settings_enabled ON user_settings(enabled);
`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("settings: 初始化表失败: %w", err)
	}
	return nil
}

// Defaults 返回新用户默认参数。
func (r *Repository) Defaults() Defaults {
	return r.defaults
}

// Get 读取用户设置，不存在时 ok=false。
func (r *Repository) Get(ctx context.Context, userID int64) (UserSettings, bool, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE user_id = ?`, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UserSettings{}, false, nil
	}
	if err != nil {
		return UserSettings{}, false, err
	}
	return u, true, nil
}

// Save 覆盖写入用户设置。
func (r *Repository) Save(ctx context.Context, u UserSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(ctx, u)
}

// Update 在锁内读取（不存在则使用默认值）、修改并写回用户设置。
func (r *Repository) Update(ctx context.Context, userID int64, fn func(*UserSettings) error) (UserSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok, err := r.Get(ctx, userID)
	if err != nil {
		return UserSettings{}, err
	}
	if !ok {
		u = r.defaults.NewUser(userID)
	}

	if err := fn(&u); err != nil {
		return u, err
	}
	u.UserID = userID
	if err := r.save(ctx, u); err != nil {
		return u, err
	}
	return u, nil
}

// List 返回全部用户。
func (r *Repository) List(ctx context.Context) ([]UserSettings, error) {
	return r.query(ctx, selectColumns+` ORDER BY user_id ASC`)
}

// ListEnabled 返回已启用的用户。
func (r *Repository) ListEnabled(ctx context.Context) ([]UserSettings, error) {
	return r.query(ctx, selectColumns+` WHERE enabled = 1 ORDER BY user_id ASC`)
}

// Export 以旧版 users.json 的形态导出用户设置。
func (r *Repository) Export(ctx context.Context) (map[string]store.UserRecord, error) {
	users, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.UserRecord, len(users))
	for _, u := range users {
		out[strconv.FormatInt(u.UserID, 10)] = store.UserRecord{
			Enabled:   u.Enabled,
			APIKey:    u.APIKey,
			APISecret: u.APISecret,
			Leverage:  u.Leverage,
			Margin:    u.Margin,
			State:     string(u.State),
		}
	}
	return out, nil
}

// Import 导入用户设置，同一 userID 以导入文件为准，返回写入条数。
func (r *Repository) Import(ctx context.Context, records map[string]store.UserRecord) (int, error) {
	imported := 0
	for key, rec := range records {
		userID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			r.logger.Warn("跳过无法解析的用户ID", zap.String("key", key), zap.Error(err))
			continue
		}

		u := r.defaults.NewUser(userID)
		u.Enabled = rec.Enabled
		u.APIKey = rec.APIKey
		u.APISecret = rec.APISecret
		if rec.Leverage > 0 {
			u.Leverage = rec.Leverage
		}
		if rec.Margin > 0 {
			u.Margin = rec.Margin
		}
		if st := State(rec.State); st.Valid() {
			u.State = st
		}

		if err := r.Save(ctx, u); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

const selectColumns = `SELECT user_id, enabled, api_key, api_secret, leverage, margin, state, updated_at FROM user_settings`

func (r *Repository) save(ctx context.Context, u UserSettings) error {
	if !u.State.Valid() {
		u.State = StateIdle
	}
	u.UpdatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_settings (user_id, enabled, api_key, api_secret, leverage, margin, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			enabled = excluded.enabled,
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			leverage = excluded.leverage,
			margin = excluded.margin,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		u.UserID, boolToInt(u.Enabled), u.APIKey, u.APISecret, u.Leverage, u.Margin,
		string(u.State), u.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("settings: 保存用户 %d 失败: %w", u.UserID, err)
	}
	return nil
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) ([]UserSettings, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("settings: 查询用户失败: %w", err)
	}
	defer rows.Close()

	users := make([]UserSettings, 0)
	for rows.Next() {
		u, scanErr := scanUser(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settings: 读取用户失败: %w", err)
	}
	return users, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (UserSettings, error) {
	var (
		u       UserSettings
		enabled int
		state   string
		updated string
	)
	if err := row.Scan(&u.UserID, &enabled, &u.APIKey, &u.APISecret, &u.Leverage, &u.Margin, &state, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, err
		}
		return u, fmt.Errorf("settings: 解析用户失败: %w", err)
	}
	u.Enabled = enabled != 0
	u.State = State(state)
	if !u.State.Valid() {
		u.State = StateIdle
	}
	if ts, err := time.Parse(time.RFC3339, updated); err == nil {
		u.UpdatedAt = ts
	}
	return u, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
