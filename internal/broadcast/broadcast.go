package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"splash-trader/internal/execution"
	"splash-trader/internal/monitor"
	"splash-trader/internal/settings"
)

// UserSource 列出已启用的用户。
type UserSource interface {
	ListEnabled(ctx context.Context) ([]settings.UserSettings, error)
}

// Options 控制并发度与单用户超时。
type Options struct {
	Concurrency    int
	PerUserTimeout time.Duration
	Location       *time.Location
}

// Broadcaster 将触发与提醒分发给所有已启用用户，单个用户的失败互不影响。
type Broadcaster struct {
	users    UserSource
	trader   execution.Trader
	notifier execution.Notifier
	opts     Options
	monitor  *monitor.Service
	logger   *zap.Logger
}

// New 创建广播器。
func New(users UserSource, trader execution.Trader, notifier execution.Notifier, opts Options, mon *monitor.Service, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Location == nil {
		opts.Location = time.FixedZone("MSK", 3*60*60)
	}
	return &Broadcaster{
		users:    users,
		trader:   trader,
		notifier: notifier,
		opts:     opts,
		monitor:  mon,
		logger:   logger,
	}
}

// Summary 为一次广播的统计。
type Summary struct {
	Users     int
	Succeeded int
	Failed    int
	Err       error
}

// Trigger 为每个已启用用户执行交易。
func (b *Broadcaster) Trigger(ctx context.Context, symbol string) Summary {
	return b.each(ctx, "trigger", symbol, func(ctx context.Context, u settings.UserSettings) error {
		report := b.trader.Execute(ctx, symbol, u.UserID)
		if report.Status == execution.StatusFailed {
			return fmt.Errorf("user %d: %w", u.UserID, report.Err)
		}
		return nil
	})
}

// Remind 向每个已启用用户发送提醒，不涉及交易。
func (b *Broadcaster) Remind(ctx context.Context, symbol string, triggerAt time.Time) Summary {
	text := ReminderText(symbol, triggerAt.In(b.opts.Location))
	summary := b.each(ctx, "reminder", symbol, func(ctx context.Context, u settings.UserSettings) error {
		if err := b.notifier.SendMessage(ctx, u.UserID, text, false); err != nil {
			return fmt.Errorf("user %d: %w", u.UserID, err)
		}
		return nil
	})
	b.monitor.Emit(ctx, monitor.EventReminder, map[string]interface{}{
		"symbol":     symbol,
		"trigger_at": triggerAt,
		"users":      summary.Users,
		"failed":     summary.Failed,
	})
	return summary
}

// ReminderText 生成提醒文本。
func ReminderText(symbol string, triggerAt time.Time) string {
	return fmt.Sprintf("⏰ Напоминание: через 24 часа по %s будет выполнена сделка (%s)",
		symbol, triggerAt.Format("02.01.2006 15:04 MST"))
}

func (b *Broadcaster) each(ctx context.Context, kind, symbol string, fn func(context.Context, settings.UserSettings) error) Summary {
	logger := b.logger.With(zap.String("kind", kind), zap.String("symbol", symbol))

	listed, err := b.users.ListEnabled(ctx)
	if err != nil {
		logger.Error("读取已启用用户失败", zap.Error(err))
		b.monitor.RecordError(ctx, "读取用户失败", err, map[string]interface{}{"symbol": symbol})
		return Summary{Err: err}
	}

	users := make([]settings.UserSettings, 0, len(listed))
	for _, u := range listed {
		if u.Enabled {
			users = append(users, u)
		}
	}

	var (
		mu      sync.Mutex
		errs    error
		summary = Summary{Users: len(users)}
	)

	group := new(errgroup.Group)
	group.SetLimit(b.opts.Concurrency)

	for _, u := range users {
		u := u
		group.Go(func() error {
			err := b.runOne(ctx, u, fn)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				errs = multierr.Append(errs, err)
			} else {
				summary.Succeeded++
			}
			// 单用户失败不终止其他用户
			return nil
		})
	}
	_ = group.Wait()

	summary.Err = errs
	if errs != nil {
		logger.Warn("广播完成，部分用户失败",
			zap.Int("users", summary.Users),
			zap.Int("failed", summary.Failed),
			zap.Errors("errors", multierr.Errors(errs)),
		)
	} else {
		logger.Info("广播完成", zap.Int("users", summary.Users))
	}
	return summary
}

func (b *Broadcaster) runOne(ctx context.Context, u settings.UserSettings, fn func(context.Context, settings.UserSettings) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("user %d: panic: %v", u.UserID, r)
			b.logger.Error("用户任务 panic", zap.Int64("user_id", u.UserID), zap.Any("panic", r))
		}
	}()

	if b.opts.PerUserTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.PerUserTimeout)
		defer cancel()
	}

	if err := fn(ctx, u); err != nil {
		if execution.IsPrecondition(err) {
			b.logger.Info("用户前置条件不满足", zap.Int64("user_id", u.UserID), zap.Error(err))
		}
		return err
	}
	return nil
}
