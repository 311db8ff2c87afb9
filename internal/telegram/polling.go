package telegram

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handlers 为长轮询收到更新后的回调，未设置的类型被忽略。
type Handlers struct {
	OnMessage     func(ctx context.Context, msg Message)
	OnChannelPost func(ctx context.Context, msg Message)
}

// messageQueueSize 为私聊消息排队上限，队列满时退回在轮询协程内处理。
const messageQueueSize = 256

// Poll 长轮询 getUpdates 并按类型分发，阻塞直到 ctx 取消。
// 频道消息在轮询协程内处理；私聊消息交给单独的协程按到达顺序处理，
// 慢命令不会推迟频道消息。返回前等待已排队的私聊消息处理完毕。
func (c *Client) Poll(ctx context.Context, handlers Handlers) {
	messages := make(chan Update, messageQueueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for u := range messages {
			c.dispatch(ctx, handlers, u)
		}
	}()
	defer func() {
		close(messages)
		wg.Wait()
	}()

	var offset int64
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			c.logger.Info("Telegram 轮询已停止")
			return
		}

		updates, err := c.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Telegram 轮询已停止")
				return
			}
			c.logger.Warn("拉取更新失败", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			offset = u.UpdateID + 1
			if u.ChannelPost == nil && u.Message != nil {
				select {
				case messages <- u:
				default:
					c.logger.Warn("私聊消息队列已满，在轮询协程内处理", zap.Int64("update_id", u.UpdateID))
					c.dispatch(ctx, handlers, u)
				}
				continue
			}
			c.dispatch(ctx, handlers, u)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, handlers Handlers, u Update) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("处理更新时发生 panic", zap.Int64("update_id", u.UpdateID), zap.Any("panic", r))
		}
	}()

	switch {
	case u.ChannelPost != nil:
		if handlers.OnChannelPost != nil {
			handlers.OnChannelPost(ctx, *u.ChannelPost)
		}
	case u.Message != nil:
		if handlers.OnMessage != nil {
			handlers.OnMessage(ctx, *u.Message)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
