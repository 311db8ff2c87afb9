package announcement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"splash-trader/internal/monitor"
)

// Scheduler 为新公告安排触发与提醒任务。
type Scheduler interface {
	Schedule(symbol string, triggerAt time.Time) error
}

// Intake 串联 解析 → 去重 → 持久化 → 调度。
type Intake struct {
	parser    *Parser
	repo      *Repository
	scheduler Scheduler
	monitor   *monitor.Service
	logger    *zap.Logger
}

// NewIntake 创建入口流水线，monitor 可为 nil。
func NewIntake(parser *Parser, repo *Repository, scheduler Scheduler, mon *monitor.Service, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{
		parser:    parser,
		repo:      repo,
		scheduler: scheduler,
		monitor:   mon,
		logger:    logger,
	}
}

// OnMessage 处理一条频道消息。解析失败只记日志；存储失败返回错误但不影响后续消息。
func (i *Intake) OnMessage(ctx context.Context, text string) (Outcome, error) {
	if text == "" {
		return OutcomeIgnored, nil
	}

	a, err := i.parser.Parse(text)
	if err != nil {
		i.logParseFailure(text, err)
		return OutcomeIgnored, nil
	}

	known, err := i.repo.IsKnown(ctx, a.Key())
	if err != nil {
		i.logger.Error("查询公告去重状态失败", zap.String("key", a.Key()), zap.Error(err))
		i.monitor.RecordError(ctx, "查询公告失败", err, map[string]interface{}{"key": a.Key()})
		return OutcomeIgnored, err
	}
	if known {
		i.logger.Debug("公告已记录，跳过", zap.String("key", a.Key()))
		return OutcomeDuplicate, nil
	}

	sameInstant, err := i.repo.HasInstant(ctx, a.Symbol, a.TriggerAt)
	if err != nil {
		i.logger.Error("查询公告去重状态失败", zap.String("key", a.Key()), zap.Error(err))
		i.monitor.RecordError(ctx, "查询公告失败", err, map[string]interface{}{"key": a.Key()})
		return OutcomeIgnored, err
	}
	if sameInstant {
		// 时间文本写法不同（如旧数据不含 UTC 标记）但指向同一时刻
		i.logger.Debug("同一代币同一时刻已有公告，跳过", zap.String("key", a.Key()))
		return OutcomeDuplicate, nil
	}

	inserted, err := i.repo.Record(ctx, a)
	if err != nil {
		i.logger.Error("保存公告失败，本次运行将丢失该公告", zap.String("key", a.Key()), zap.Error(err))
		i.monitor.RecordError(ctx, "保存公告失败", err, map[string]interface{}{"key": a.Key()})
		return OutcomeIgnored, err
	}
	if !inserted {
		// 并发消息抢先写入了同一公告
		return OutcomeDuplicate, nil
	}

	i.monitor.Emit(ctx, monitor.EventAnnouncement, a)

	if err := i.scheduler.Schedule(a.Symbol, a.TriggerAt); err != nil {
		i.logger.Error("安排公告任务失败", zap.String("symbol", a.Symbol), zap.Error(err))
		i.monitor.RecordError(ctx, "安排任务失败", err, map[string]interface{}{"symbol": a.Symbol})
		return OutcomeIgnored, err
	}

	i.logger.Info("发现新公告并已安排任务",
		zap.String("symbol", a.Symbol),
		zap.String("trigger_raw", a.TriggerRaw),
		zap.Time("trigger_at", a.TriggerAt),
	)
	return OutcomeScheduled, nil
}

func (i *Intake) logParseFailure(text string, err error) {
	switch {
	case errors.Is(err, ErrPastTrigger):
		i.logger.Info("公告时间已过，跳过", zap.Error(err))
	case errors.Is(err, ErrBadDate):
		i.logger.Warn("公告日期解析失败", zap.Error(err))
	case NearMiss(text):
		i.logger.Warn("消息包含 Result 但不符合公告格式",
			zap.String("first_line", firstLine(text)),
			zap.String("preview", preview(text, 300)),
		)
	default:
		i.logger.Debug("消息不是公告", zap.String("preview", preview(text, 100)))
	}
}

func firstLine(text string) string {
	for idx, r := range text {
		if r == '\n' {
			return text[:idx]
		}
	}
	return text
}

func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
