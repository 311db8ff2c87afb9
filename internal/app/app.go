package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"splash-trader/internal/announcement"
	"splash-trader/internal/bot"
	"splash-trader/internal/broadcast"
	"splash-trader/internal/config"
	"splash-trader/internal/exchange"
	"splash-trader/internal/execution"
	"splash-trader/internal/listener"
	"splash-trader/internal/monitor"
	"splash-trader/internal/scheduler"
	"splash-trader/internal/settings"
	"splash-trader/internal/store"
	"splash-trader/internal/telegram"
)

const shutdownTimeout = 30 * time.Second

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	monitor       *monitor.Service
	users         *settings.Repository
	announcements *announcement.Repository
	telegram      *telegram.Client
	scheduler     *scheduler.Scheduler
	listener      *listener.Listener
	orch          *orchestrator
}

// New 按依赖顺序组装全部组件。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Schedule.Location()

	monitorSvc, err := monitor.NewService(st, logger.Named("monitor"))
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	users, err := settings.NewRepository(st, settings.Defaults{
		Leverage: cfg.Trading.DefaultLeverage,
		Margin:   cfg.Trading.DefaultMargin,
	}, logger.Named("settings"))
	if err != nil {
		return nil, fmt.Errorf("初始化用户仓储失败: %w", err)
	}

	announcements, err := announcement.NewRepository(st, logger.Named("announcement"))
	if err != nil {
		return nil, fmt.Errorf("初始化公告仓储失败: %w", err)
	}

	tg, err := telegram.NewClient(cfg.Telegram, logger.Named("telegram"))
	if err != nil {
		return nil, fmt.Errorf("初始化 Telegram 客户端失败: %w", err)
	}

	exchangeSvc := exchange.NewService(cfg.Exchange, logger.Named("exchange"))
	executor := execution.NewExecutor(
		users,
		exchangeSvc,
		tg,
		execution.OptionsFromConfig(cfg.Trading, exchangeSvc.QuoteCoin()),
		monitorSvc,
		logger.Named("execution"),
	)

	orch := &orchestrator{
		broadcaster: broadcast.New(users, executor, tg, broadcast.Options{
			Concurrency:    cfg.Broadcast.Concurrency,
			PerUserTimeout: cfg.Broadcast.PerUserTimeout,
			Location:       loc,
		}, monitorSvc, logger.Named("broadcast")),
		logger: logger.Named("orchestrator"),
	}

	sched := scheduler.New(orch.schedulerHandlers(), announcements, scheduler.Options{
		ReminderLead: cfg.Schedule.ReminderLead,
		Location:     loc,
	}, monitorSvc, logger.Named("scheduler"))

	parser := announcement.NewParser(loc, nil)
	intake := announcement.NewIntake(parser, announcements, sched, monitorSvc, logger.Named("intake"))

	orch.listener, err = listener.New(st, intake, cfg.Telegram.Channel, cfg.Telegram.HistoryLimit, logger.Named("listener"))
	if err != nil {
		return nil, fmt.Errorf("初始化频道监听失败: %w", err)
	}

	orch.bot = bot.New(users, sched, announcements, executor, tg, bot.Options{
		Channel:   cfg.Telegram.Channel,
		QuoteCoin: exchangeSvc.QuoteCoin(),
		Location:  loc,
	}, logger.Named("bot"))

	return &App{
		cfg:           cfg,
		logger:        logger,
		store:         st,
		monitor:       monitorSvc,
		users:         users,
		announcements: announcements,
		telegram:      tg,
		scheduler:     sched,
		listener:      orch.listener,
		orch:          orch,
	}, nil
}

// Run 恢复任务、回放频道历史后开始长轮询，阻塞直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("系统启动",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("channel", a.cfg.Telegram.Channel),
		zap.Bool("sandbox", a.cfg.Exchange.UseSandbox),
	)

	restored, err := a.scheduler.Restart(ctx)
	if err != nil {
		a.logger.Error("恢复部分任务失败", zap.Error(err))
	}
	a.logger.Info("已恢复未来公告任务", zap.Int("announcements", restored))

	replayed, err := a.listener.Backfill(ctx)
	if err != nil {
		a.logger.Warn("回放频道历史失败", zap.Error(err))
	} else {
		a.logger.Info("已回放频道历史", zap.Int("messages", replayed))
	}

	if retention := a.cfg.Monitor.Retention; retention > 0 {
		removed, err := a.monitor.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			a.logger.Warn("清理监控事件失败", zap.Error(err))
		} else if removed > 0 {
			a.logger.Info("已清理过期监控事件", zap.Int64("removed", removed))
		}
	}

	a.scheduler.Start()
	defer a.stopScheduler()

	group, gctx := errgroup.WithContext(ctx)

	if a.cfg.Monitor.Enabled {
		router := newMonitorRouter(a.monitor, a.scheduler, a.store, a.logger.Named("http"))
		group.Go(func() error {
			return startMonitorServer(gctx, router, a.cfg.Monitor.Addr, a.logger)
		})
	}

	group.Go(func() error {
		a.telegram.Poll(gctx, a.orch.telegramHandlers())
		return nil
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

func (a *App) stopScheduler() {
	done := a.scheduler.Stop()
	select {
	case <-done.Done():
		a.logger.Info("调度器已停止")
	case <-time.After(shutdownTimeout):
		a.logger.Warn("等待运行中的任务超时", zap.Duration("timeout", shutdownTimeout))
	}
}
