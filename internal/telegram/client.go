package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"splash-trader/internal/config"
)

// APIError 表示 Bot API 返回 ok=false。
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s 失败 (code=%d): %s", e.Method, e.Code, e.Description)
}

// Client 为 Bot API 客户端，负责发送消息与长轮询。
type Client struct {
	token       string
	baseURL     string
	pollTimeout time.Duration
	sendRetries int
	http        *http.Client
	logger      *zap.Logger
}

// NewClient 创建客户端，支持可选代理。
func NewClient(cfg config.TelegramConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BotToken == "" {
		return nil, errors.New("telegram: bot_token 不能为空")
	}

	transport := &http.Transport{}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("telegram: 代理地址无效: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &Client{
		token:       cfg.BotToken,
		baseURL:     baseURL,
		pollTimeout: pollTimeout,
		sendRetries: cfg.SendRetries,
		http: &http.Client{
			Timeout:   pollTimeout + 10*time.Second,
			Transport: transport,
		},
		logger: logger,
	}, nil
}

// SendMessage 发送消息，formatted 为真时按 HTML 解析；传输失败按配置重试。
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, formatted bool) error {
	payload := map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if formatted {
		payload["parse_mode"] = "HTML"
	}

	var lastErr error
	for attempt := 0; attempt <= c.sendRetries; attempt++ {
		var sent Message
		err := c.call(ctx, "sendMessage", payload, &sent)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code != http.StatusTooManyRequests && apiErr.Code < 500 {
			// 4xx 业务错误（如用户屏蔽机器人）不重试
			return err
		}
		if attempt == c.sendRetries {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		c.logger.Warn("发送消息失败，等待重试",
			zap.Int64("chat_id", chatID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("telegram: 发送消息重试 %d 次后失败: %w", c.sendRetries+1, lastErr)
}

// GetUpdates 拉取 offset 之后的更新。
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	payload := map[string]interface{}{
		"offset":          offset,
		"timeout":         int(c.pollTimeout / time.Second),
		"allowed_updates": []string{"message", "channel_post"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Client) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: 序列化 %s 请求失败: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: 创建 %s 请求失败: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// 错误信息中的 URL 含有 token，不直接返回
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("telegram: %s 请求失败: %w", method, redact(err, c.token))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: 读取 %s 响应失败: %w", method, err)
	}

	var envelope apiResponse[json.RawMessage]
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("telegram: 解析 %s 响应失败 (status %d): %w", method, resp.StatusCode, err)
	}
	if !envelope.OK {
		code := envelope.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: envelope.Description}
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("telegram: 解析 %s 结果失败: %w", method, err)
		}
	}
	return nil
}

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "***"))
}
