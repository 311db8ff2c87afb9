package listener

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"splash-trader/internal/announcement"
	"splash-trader/internal/store"
	"splash-trader/internal/telegram"
)

// Intake 接收频道文本。
type Intake interface {
	OnMessage(ctx context.Context, text string) (announcement.Outcome, error)
}

// Listener 保存频道帖子并交给入口流水线，启动时回放最近的帖子。
type Listener struct {
	db           *sql.DB
	intake       Intake
	channel      string
	historyLimit int
	logger       *zap.Logger
}

// New 创建频道监听器并初始化消息历史表。
func New(st *store.Store, intake Intake, channel string, historyLimit int, logger *zap.Logger) (*Listener, error) {
	if st == nil {
		return nil, errors.New("listener: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyLimit < 0 {
		historyLimit = 0
	}

	l := &Listener{
		db:           st.DB(),
		intake:       intake,
		channel:      channel,
		historyLimit: historyLimit,
		logger:       logger,
	}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Listener) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS channel_messages (
	chat_id INTEGER NOT NULL,
	message_id INTEGER NOT NULL,
	posted_at INTEGER NOT NULL,
	text TEXT NOT NULL,
	received_at TEXT NOT NULL,
	PRIMARY KEY (chat_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_channel_messages_posted ON channel_messages(posted_at);
`
	if _, err := l.db.Exec(stmt); err != nil {
		return fmt.Errorf("listener: 初始化表失败: %w", err)
	}
	return nil
}

// HandleChannelPost 处理一条频道帖子，非目标频道或无正文时忽略。
func (l *Listener) HandleChannelPost(ctx context.Context, msg telegram.Message) {
	if !telegram.MatchChannel(msg.Chat, l.channel) {
		l.logger.Debug("忽略非目标频道消息", zap.Int64("chat_id", msg.Chat.ID), zap.String("username", msg.Chat.Username))
		return
	}
	text := msg.Content()
	if text == "" {
		return
	}

	if err := l.save(ctx, msg, text); err != nil {
		// 历史记录失败不影响公告处理
		l.logger.Warn("保存频道消息失败", zap.Int64("message_id", msg.MessageID), zap.Error(err))
	}

	outcome, err := l.intake.OnMessage(ctx, text)
	if err != nil {
		l.logger.Error("处理频道消息失败", zap.Int64("message_id", msg.MessageID), zap.Error(err))
		return
	}
	l.logger.Debug("频道消息已处理", zap.Int64("message_id", msg.MessageID), zap.Stringer("outcome", outcome))
}

// Backfill 按时间顺序回放最近 historyLimit 条帖子，重复公告由仓储去重。
func (l *Listener) Backfill(ctx context.Context) (int, error) {
	if l.historyLimit == 0 {
		return 0, nil
	}

	texts, err := l.recent(ctx, l.historyLimit)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, text := range texts {
		outcome, err := l.intake.OnMessage(ctx, text)
		if err != nil {
			l.logger.Warn("回放消息失败", zap.Error(err))
			continue
		}
		if outcome == announcement.OutcomeScheduled {
			scheduled++
		}
	}

	l.logger.Info("历史消息回放完成", zap.Int("messages", len(texts)), zap.Int("scheduled", scheduled))
	return scheduled, nil
}

func (l *Listener) save(ctx context.Context, msg telegram.Message, text string) error {
	postedAt := msg.Date
	if postedAt == 0 {
		postedAt = time.Now().Unix()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO channel_messages (chat_id, message_id, posted_at, text, received_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id, message_id) DO UPDATE SET text = excluded.text`,
		msg.Chat.ID, msg.MessageID, postedAt, text, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// recent 返回最近 limit 条帖子，按时间升序。
func (l *Listener) recent(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT text FROM channel_messages ORDER BY posted_at DESC, message_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listener: 查询历史消息失败: %w", err)
	}
	defer rows.Close()

	texts := make([]string, 0, limit)
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("listener: 读取历史消息失败: %w", err)
		}
		texts = append(texts, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listener: 读取历史消息失败: %w", err)
	}

	for i, j := 0, len(texts)-1; i < j; i, j = i+1, j-1 {
		texts[i], texts[j] = texts[j], texts[i]
	}
	return texts, nil
}
