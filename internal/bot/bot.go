package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"splash-trader/internal/announcement"
	"splash-trader/internal/exchange"
	"splash-trader/internal/execution"
	"splash-trader/internal/scheduler"
	"splash-trader/internal/settings"
	"splash-trader/internal/telegram"
)

var errMissingKeys = errors.New("bot: 未配置 API 密钥")

// SettingsStore 为命令前端读写用户设置的能力。
type SettingsStore interface {
	Get(ctx context.Context, userID int64) (settings.UserSettings, bool, error)
	Update(ctx context.Context, userID int64, fn func(*settings.UserSettings) error) (settings.UserSettings, error)
}

// JobLister 列出已挂起任务。
type JobLister interface {
	Jobs() []scheduler.Job
}

// AnnouncementLister 列出未来公告。
type AnnouncementLister interface {
	ListFuture(ctx context.Context, now time.Time) ([]announcement.Announcement, error)
}

// BalanceReader 读取用户余额。
type BalanceReader interface {
	Balance(ctx context.Context, userID int64) (exchange.WalletBalance, error)
}

// Options 为命令前端的展示参数。
type Options struct {
	Channel   string
	QuoteCoin string
	Location  *time.Location
	Now       func() time.Time
}

// Bot 处理私聊命令，多步输入通过用户设置中的会话状态推进。
type Bot struct {
	settings      SettingsStore
	jobs          JobLister
	announcements AnnouncementLister
	balance       BalanceReader
	notifier      execution.Notifier
	opts          Options
	logger        *zap.Logger
}

// New 创建命令前端。
func New(store SettingsStore, jobs JobLister, announcements AnnouncementLister, balance BalanceReader, notifier execution.Notifier, opts Options, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.FixedZone("MSK", 3*60*60)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QuoteCoin == "" {
		opts.QuoteCoin = "USDT"
	}
	return &Bot{
		settings:      store,
		jobs:          jobs,
		announcements: announcements,
		balance:       balance,
		notifier:      notifier,
		opts:          opts,
		logger:        logger,
	}
}

// HandleMessage 处理私聊消息并回复，群组与频道消息被忽略。
func (b *Bot) HandleMessage(ctx context.Context, msg telegram.Message) {
	if msg.Chat.Type != "private" || msg.Text == "" {
		return
	}
	userID := msg.Chat.ID
	if msg.From != nil {
		userID = msg.From.ID
	}

	reply := b.Handle(ctx, userID, msg.Text)
	if reply == "" {
		return
	}
	if err := b.notifier.SendMessage(ctx, msg.Chat.ID, reply, false); err != nil {
		b.logger.Warn("回复命令失败", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Handle 处理一条文本并返回回复内容。
func (b *Bot) Handle(ctx context.Context, userID int64, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	if strings.HasPrefix(text, "/") {
		command := strings.ToLower(strings.Fields(text)[0])
		if idx := strings.Index(command, "@"); idx >= 0 {
			command = command[:idx]
		}
		b.logger.Info("收到命令", zap.Int64("user_id", userID), zap.String("command", command))
		return b.command(ctx, userID, command)
	}

	u, ok, err := b.settings.Get(ctx, userID)
	if err != nil {
		return b.internalError(userID, err)
	}
	if !ok || u.State == settings.StateIdle {
		return "Неизвестная команда. Используйте /help"
	}
	return b.input(ctx, userID, u.State, text)
}

func (b *Bot) command(ctx context.Context, userID int64, command string) string {
	switch command {
	case "/start":
		if _, err := b.setState(ctx, userID, settings.StateIdle); err != nil {
			return b.internalError(userID, err)
		}
		return startText
	case "/help":
		return fmt.Sprintf(helpText, b.opts.Channel)
	case "/status":
		return b.status(ctx, userID)
	case "/enable":
		return b.enable(ctx, userID)
	case "/disable":
		if _, err := b.settings.Update(ctx, userID, func(u *settings.UserSettings) error {
			u.Enabled = false
			u.State = settings.StateIdle
			return nil
		}); err != nil {
			return b.internalError(userID, err)
		}
		return "❌ Бот выключен"
	case "/set_api":
		return b.prompt(ctx, userID, settings.StateAwaitingAPIKeys, apiPromptText)
	case "/set_leverage":
		return b.prompt(ctx, userID, settings.StateAwaitingLeverage, "⚙️ Введите значение плеча (например, 10):")
	case "/set_margin":
		return b.prompt(ctx, userID, settings.StateAwaitingMargin,
			fmt.Sprintf("💰 Введите размер маржи в %s (например, 20):", b.opts.QuoteCoin))
	case "/cancel":
		if _, err := b.setState(ctx, userID, settings.StateIdle); err != nil {
			return b.internalError(userID, err)
		}
		return "Действие отменено"
	case "/list":
		return b.list(ctx)
	case "/balance":
		return b.showBalance(ctx, userID)
	default:
		return "Неизвестная команда. Используйте /help"
	}
}

// input 根据会话状态解析用户输入；输入无效时保持当前状态。
func (b *Bot) input(ctx context.Context, userID int64, state settings.State, text string) string {
	switch state {
	case settings.StateAwaitingAPIKeys:
		parts := strings.Fields(text)
		if len(parts) < 2 {
			return "❌ Неверный формат. Используйте: <API_KEY> <API_SECRET> или /cancel"
		}
		if _, err := b.settings.Update(ctx, userID, func(u *settings.UserSettings) error {
			u.APIKey = parts[0]
			u.APISecret = parts[1]
			u.State = settings.StateIdle
			return nil
		}); err != nil {
			return b.internalError(userID, err)
		}
		return "✅ API ключи сохранены"

	case settings.StateAwaitingLeverage:
		v, err := parseNumber(text)
		if err != nil {
			return "❌ Неверный формат числа"
		}
		if err := settings.ValidateLeverage(v); err != nil {
			return "❌ Плечо должно быть от 1 до 100"
		}
		if _, err := b.settings.Update(ctx, userID, func(u *settings.UserSettings) error {
			u.Leverage = v
			u.State = settings.StateIdle
			return nil
		}); err != nil {
			return b.internalError(userID, err)
		}
		return fmt.Sprintf("✅ Плечо установлено: %sx", formatNumber(v))

	case settings.StateAwaitingMargin:
		v, err := parseNumber(text)
		if err != nil {
			return "❌ Неверный формат числа"
		}
		if err := settings.ValidateMargin(v); err != nil {
			return "❌ Маржа должна быть больше 0"
		}
		if _, err := b.settings.Update(ctx, userID, func(u *settings.UserSettings) error {
			u.Margin = v
			u.State = settings.StateIdle
			return nil
		}); err != nil {
			return b.internalError(userID, err)
		}
		return fmt.Sprintf("✅ Маржа установлена: %s %s", formatNumber(v), b.opts.QuoteCoin)
	}
	return "Неизвестная команда. Используйте /help"
}

func (b *Bot) status(ctx context.Context, userID int64) string {
	u, ok, err := b.settings.Get(ctx, userID)
	if err != nil {
		return b.internalError(userID, err)
	}
	if !ok {
		u, err = b.setState(ctx, userID, settings.StateIdle)
		if err != nil {
			return b.internalError(userID, err)
		}
	}

	enabled := "❌ Выключен"
	if u.Enabled {
		enabled = "✅ Включен"
	}
	apiKey := "❌ Не настроен"
	if u.Configured() {
		apiKey = "✅ Настроен"
	}
	return fmt.Sprintf("📊 Статус бота:\n\nСостояние: %s\nAPI ключ: %s\nПлечо: %sx\nМаржа: %s %s",
		enabled, apiKey, formatNumber(u.Leverage), formatNumber(u.Margin), b.opts.QuoteCoin)
}

func (b *Bot) enable(ctx context.Context, userID int64) string {
	_, err := b.settings.Update(ctx, userID, func(u *settings.UserSettings) error {
		if !u.Configured() {
			return errMissingKeys
		}
		u.Enabled = true
		u.State = settings.StateIdle
		return nil
	})
	if errors.Is(err, errMissingKeys) {
		return "❌ Сначала настройте API ключи командой /set_api"
	}
	if err != nil {
		return b.internalError(userID, err)
	}
	return "✅ Бот включен"
}

func (b *Bot) prompt(ctx context.Context, userID int64, state settings.State, text string) string {
	if _, err := b.setState(ctx, userID, state); err != nil {
		return b.internalError(userID, err)
	}
	return text
}

func (b *Bot) list(ctx context.Context) string {
	now := b.opts.Now()
	items, err := b.announcements.ListFuture(ctx, now)
	if err != nil {
		b.logger.Error("读取公告列表失败", zap.Error(err))
		return "❌ Ошибка получения списка"
	}
	if len(items) == 0 {
		return "📋 Нет активных запланированных токенов"
	}

	armed := make(map[string]struct{})
	for _, job := range b.jobs.Jobs() {
		armed[job.ID] = struct{}{}
	}

	var sb strings.Builder
	sb.WriteString("📋 Запланированные токены:\n\n")
	for _, a := range items {
		key := scheduler.JobKey{Kind: scheduler.KindTrigger, Symbol: a.Symbol, FireAt: a.TriggerAt}
		mark := "⚠️"
		if _, ok := armed[key.ID()]; ok {
			mark = "✅"
		}
		fmt.Fprintf(&sb, "%s %s - %s\n", mark, a.Symbol, a.TriggerAt.In(b.opts.Location).Format("02.01.2006 15:04 MST"))
	}
	fmt.Fprintf(&sb, "\nВсего активных: %d", len(items))
	return sb.String()
}

func (b *Bot) showBalance(ctx context.Context, userID int64) string {
	balance, err := b.balance.Balance(ctx, userID)
	if errors.Is(err, execution.ErrNotConfigured) {
		return "❌ Не настроены API ключи Bybit"
	}
	if err != nil {
		b.logger.Warn("查询余额失败", zap.Int64("user_id", userID), zap.Error(err))
		return "❌ Ошибка получения баланса"
	}
	return fmt.Sprintf("💰 Баланс %s:\nВсего: %s\nДоступно: %s\nЗаблокировано: %s",
		balance.Coin,
		balance.WalletBalance.StringFixed(2),
		balance.AvailableToWithdraw.StringFixed(2),
		balance.Locked.StringFixed(2),
	)
}

func (b *Bot) setState(ctx context.Context, userID int64, state settings.State) (settings.UserSettings, error) {
	return b.settings.Update(ctx, userID, func(u *settings.UserSettings) error {
		u.State = state
		return nil
	})
}

func (b *Bot) internalError(userID int64, err error) string {
	b.logger.Error("处理命令失败", zap.Int64("user_id", userID), zap.Error(err))
	return "❌ Внутренняя ошибка, попробуйте позже"
}

func parseNumber(text string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(text), ",", "."), 64)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

const startText = "🤖 Бот для автоматической торговли на Bybit\n\n" +
	"Команды:\n" +
	"/start - Начать работу\n" +
	"/status - Статус бота\n" +
	"/balance - Текущий баланс\n" +
	"/list - Список запланированных токенов\n" +
	"/enable - Включить бота\n" +
	"/disable - Выключить бота\n" +
	"/set_api - Настроить API ключи\n" +
	"/set_leverage - Настроить плечо\n" +
	"/set_margin - Настроить маржу\n" +
	"/cancel - Отменить ввод\n" +
	"/help - Помощь"

const helpText = "📖 Помощь по использованию бота\n\n" +
	"1. Настройте API ключи Bybit командой /set_api\n" +
	"2. Настройте плечо командой /set_leverage\n" +
	"3. Настройте маржу командой /set_margin\n" +
	"4. Включите бота командой /enable\n\n" +
	"Бот будет автоматически открывать позиции при появлении новых токенов в канале %s"

const apiPromptText = "🔑 Настройка API ключей Bybit\n\n" +
	"Отправьте API ключ и секрет в формате:\n" +
	"<API_KEY> <API_SECRET>"
