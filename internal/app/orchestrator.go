package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"splash-trader/internal/broadcast"
	"splash-trader/internal/bot"
	"splash-trader/internal/listener"
	"splash-trader/internal/scheduler"
	"splash-trader/internal/telegram"
)

// orchestrator 把调度器回调与 Telegram 更新路由到具体组件。
type orchestrator struct {
	broadcaster *broadcast.Broadcaster
	listener    *listener.Listener
	bot         *bot.Bot
	logger      *zap.Logger
}

func (o *orchestrator) schedulerHandlers() scheduler.Handlers {
	return scheduler.Handlers{
		Trigger: o.onTrigger,
		Remind:  o.onRemind,
	}
}

func (o *orchestrator) telegramHandlers() telegram.Handlers {
	return telegram.Handlers{
		OnMessage:     o.onMessage,
		OnChannelPost: o.onChannelPost,
	}
}

func (o *orchestrator) onTrigger(ctx context.Context, symbol string) {
	start := time.Now()
	summary := o.broadcaster.Trigger(ctx, symbol)
	fields := []zap.Field{
		zap.String("symbol", symbol),
		zap.Int("users", summary.Users),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", time.Since(start)),
	}
	if summary.Err != nil {
		o.logger.Warn("交易广播完成，存在失败用户", append(fields, zap.Error(summary.Err))...)
		return
	}
	o.logger.Info("交易广播完成", fields...)
}

func (o *orchestrator) onRemind(ctx context.Context, symbol string, triggerAt time.Time) {
	summary := o.broadcaster.Remind(ctx, symbol, triggerAt)
	if summary.Err != nil {
		o.logger.Warn("提醒发送存在失败", zap.String("symbol", symbol), zap.Error(summary.Err))
		return
	}
	o.logger.Info("提醒已发送", zap.String("symbol", symbol), zap.Int("users", summary.Users))
}

func (o *orchestrator) onMessage(ctx context.Context, msg telegram.Message) {
	if o.bot == nil {
		return
	}
	o.bot.HandleMessage(ctx, msg)
}

func (o *orchestrator) onChannelPost(ctx context.Context, msg telegram.Message) {
	if o.listener == nil {
		return
	}
	o.listener.HandleChannelPost(ctx, msg)
}
