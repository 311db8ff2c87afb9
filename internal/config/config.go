package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "splash"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Default 返回只包含默认值的配置，供测试与导出工具使用。
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		return &Config{}
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	// bot_token 与 channel 没有默认值，必须通过配置文件或 SPLASH_TELEGRAM_* 环境变量提供
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.channel", "")
	v.SetDefault("telegram.base_url", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", "30s")
	v.SetDefault("telegram.history_limit", 50)
	v.SetDefault("telegram.send_retries", 2)
	v.SetDefault("telegram.proxy", "")

	v.SetDefault("exchange.name", "bybit")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.quote_coin", "USDT")
	v.SetDefault("exchange.account_type", "UNIFIED")
	v.SetDefault("exchange.retry.max_attempts", 1)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("trading.tp1_pct", 3.0)
	v.SetDefault("trading.tp2_pct", 6.0)
	v.SetDefault("trading.stop_loss_pct", 2.0)
	v.SetDefault("trading.buy_pct", 70.0)
	v.SetDefault("trading.tp1_share", 0.4)
	v.SetDefault("trading.tp2_share", 0.3)
	v.SetDefault("trading.order_attempts", 3)
	v.SetDefault("trading.order_retry_delay", "2s")
	v.SetDefault("trading.settle_delay", "1s")
	v.SetDefault("trading.default_leverage", 10.0)
	v.SetDefault("trading.default_margin", 20.0)

	v.SetDefault("schedule.reminder_lead", "24h")
	v.SetDefault("schedule.utc_offset", "3h")
	v.SetDefault("schedule.timezone_name", "MSK")

	v.SetDefault("broadcast.concurrency", 8)
	v.SetDefault("broadcast.per_user_timeout", "2m")

	v.SetDefault("database.path", "data/splash_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.addr", ":8090")
	// 0 表示不清理
	v.SetDefault("monitor.retention", "720h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
