package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// TelegramConfig 描述 Bot API 与监听频道。
type TelegramConfig struct {
	BotToken     string        `mapstructure:"bot_token"`
	BaseURL      string        `mapstructure:"base_url"`
	Channel      string        `mapstructure:"channel"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	HistoryLimit int           `mapstructure:"history_limit"`
	SendRetries  int           `mapstructure:"send_retries"`
	Proxy        string        `mapstructure:"proxy"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name        string      `mapstructure:"name"`
	UseSandbox  bool        `mapstructure:"use_sandbox"`
	QuoteCoin   string      `mapstructure:"quote_coin"`
	AccountType string      `mapstructure:"account_type"`
	Retry       RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制只读接口的重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TradingConfig 管理下单比例与重试参数。
type TradingConfig struct {
	TP1Percent      float64       `mapstructure:"tp1_pct"`
	TP2Percent      float64       `mapstructure:"tp2_pct"`
	StopLossPercent float64       `mapstructure:"stop_loss_pct"`
	BuyPercent      float64       `mapstructure:"buy_pct"`
	TP1Share        float64       `mapstructure:"tp1_share"`
	TP2Share        float64       `mapstructure:"tp2_share"`
	OrderAttempts   int           `mapstructure:"order_attempts"`
	RetryDelay      time.Duration `mapstructure:"order_retry_delay"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	DefaultLeverage float64       `mapstructure:"default_leverage"`
	DefaultMargin   float64       `mapstructure:"default_margin"`
}

// ScheduleConfig 控制提醒提前量与目标时区。
type ScheduleConfig struct {
	ReminderLead time.Duration `mapstructure:"reminder_lead"`
	UTCOffset    time.Duration `mapstructure:"utc_offset"`
	TimezoneName string        `mapstructure:"timezone_name"`
}

// BroadcastConfig 控制多用户并发执行。
type BroadcastConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	PerUserTimeout time.Duration `mapstructure:"per_user_timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制只读运维接口。
type MonitorConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Retention time.Duration `mapstructure:"retention"`
}

// Location 返回公告时间的目标时区（固定偏移，无夏令时）。
func (s ScheduleConfig) Location() *time.Location {
	name := s.TimezoneName
	if name == "" {
		name = "MSK"
	}
	return time.FixedZone(name, int(s.UTCOffset/time.Second))
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Telegram.BotToken == "" {
		err = multierr.Append(err, errors.New("telegram.bot_token 不能为空"))
	}
	if c.Telegram.Channel == "" {
		err = multierr.Append(err, errors.New("telegram.channel 不能为空"))
	}
	if c.Telegram.PollTimeout <= 0 {
		err = multierr.Append(err, errors.New("telegram.poll_timeout 必须大于0"))
	}
	if c.Telegram.HistoryLimit < 0 {
		err = multierr.Append(err, errors.New("telegram.history_limit 不能为负"))
	}
	if c.Telegram.SendRetries < 0 {
		err = multierr.Append(err, errors.New("telegram.send_retries 不能为负"))
	}
	if !strings.EqualFold(c.Exchange.Name, "bybit") {
		err = multierr.Append(err, fmt.Errorf("exchange.name 暂不支持 %q", c.Exchange.Name))
	}
	if c.Exchange.QuoteCoin == "" {
		err = multierr.Append(err, errors.New("exchange.quote_coin 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Trading.TP1Percent <= 0 || c.Trading.TP2Percent <= 0 {
		err = multierr.Append(err, errors.New("trading.tp1_pct/tp2_pct 必须大于0"))
	}
	if c.Trading.StopLossPercent <= 0 || c.Trading.StopLossPercent >= 100 {
		err = multierr.Append(err, errors.New("trading.stop_loss_pct 必须位于(0,100)"))
	}
	if c.Trading.BuyPercent <= 0 || c.Trading.BuyPercent > 100 {
		err = multierr.Append(err, errors.New("trading.buy_pct 必须位于(0,100]"))
	}
	if c.Trading.TP1Share < 0 || c.Trading.TP2Share < 0 || c.Trading.TP1Share+c.Trading.TP2Share > 1 {
		err = multierr.Append(err, errors.New("trading.tp1_share 与 tp2_share 之和必须位于[0,1]"))
	}
	if c.Trading.OrderAttempts <= 0 {
		err = multierr.Append(err, errors.New("trading.order_attempts 必须大于0"))
	}
	if c.Trading.RetryDelay < 0 || c.Trading.SettleDelay < 0 {
		err = multierr.Append(err, errors.New("trading 延迟参数不能为负"))
	}
	if c.Trading.DefaultLeverage < 1 || c.Trading.DefaultLeverage > 100 {
		err = multierr.Append(err, errors.New("trading.default_leverage 必须位于[1,100]"))
	}
	if c.Trading.DefaultMargin <= 0 {
		err = multierr.Append(err, errors.New("trading.default_margin 必须大于0"))
	}
	if c.Schedule.ReminderLead <= 0 {
		err = multierr.Append(err, errors.New("schedule.reminder_lead 必须大于0"))
	}
	if c.Schedule.UTCOffset < -14*time.Hour || c.Schedule.UTCOffset > 14*time.Hour {
		err = multierr.Append(err, errors.New("schedule.utc_offset 必须位于[-14h,14h]"))
	}
	if c.Broadcast.Concurrency <= 0 {
		err = multierr.Append(err, errors.New("broadcast.concurrency 必须大于0"))
	}
	if c.Broadcast.PerUserTimeout <= 0 {
		err = multierr.Append(err, errors.New("broadcast.per_user_timeout 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Retention < 0 {
		err = multierr.Append(err, errors.New("monitor.retention 不能为负"))
	}
	if c.Monitor.Enabled && c.Monitor.Addr == "" {
		err = multierr.Append(err, errors.New("monitor.addr 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
