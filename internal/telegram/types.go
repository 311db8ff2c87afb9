package telegram

import (
	"strconv"
	"strings"
	"time"
)

// Chat 为消息所在会话。
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// User 为消息发送者。
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

// Message 为私聊消息或频道帖子。
type Message struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// Content 返回正文，媒体帖子使用说明文字。
func (m Message) Content() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// Time 返回消息时间。
func (m Message) Time() time.Time {
	return time.Unix(m.Date, 0)
}

// Update 为 getUpdates 返回的单条更新。
type Update struct {
	UpdateID    int64    `json:"update_id"`
	Message     *Message `json:"message,omitempty"`
	ChannelPost *Message `json:"channel_post,omitempty"`
}

type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Result      T      `json:"result"`
}

// MatchChannel 判断会话是否为配置的频道（@username 或数字 ID）。
func MatchChannel(chat Chat, channel string) bool {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return false
	}
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return chat.ID == id
	}
	return strings.EqualFold(chat.Username, strings.TrimPrefix(channel, "@"))
}
