package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"splash-trader/internal/exchange"
	"splash-trader/internal/monitor"
	"splash-trader/internal/settings"
)

// UserLookup 为只读的用户设置查询。
type UserLookup interface {
	Get(ctx context.Context, userID int64) (settings.UserSettings, bool, error)
}

// Notifier 向用户发送消息。
type Notifier interface {
	SendMessage(ctx context.Context, userID int64, text string, formatted bool) error
}

// Executor 为单个用户按固定顺序执行开仓、止损与两档止盈。
type Executor struct {
	users    UserLookup
	factory  exchange.Factory
	notifier Notifier
	monitor  *monitor.Service
	opts     Options
	logger   *zap.Logger

	newOrderID func() string
	now        func() time.Time
}

// NewExecutor 创建执行器，monitor 可为 nil。
func NewExecutor(users UserLookup, factory exchange.Factory, notifier Notifier, opts Options, mon *monitor.Service, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.OrderAttempts <= 0 {
		opts.OrderAttempts = 1
	}
	return &Executor{
		users:      users,
		factory:    factory,
		notifier:   notifier,
		monitor:    mon,
		opts:       opts,
		logger:     logger,
		newOrderID: uuid.NewString,
		now:        time.Now,
	}
}

// Options 返回执行参数。
func (e *Executor) Options() Options {
	return e.opts
}

// Execute 为用户执行一次交易，任何结果都只向该用户发送一条消息，错误不会向上传播。
func (e *Executor) Execute(ctx context.Context, symbol string, userID int64) Report {
	report := Report{
		UserID:    userID,
		Symbol:    symbol,
		StartedAt: e.now(),
	}
	logger := e.logger.With(zap.Int64("user_id", userID), zap.String("symbol", symbol))

	var (
		text      string
		formatted bool
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				report.Status = StatusFailed
				report.Err = fmt.Errorf("execution: panic: %v", r)
				text, formatted = failureText(symbol, report.Err), false
				logger.Error("执行过程中发生 panic", zap.Any("panic", r))
			}
		}()
		text, formatted = e.run(ctx, &report, logger)
	}()

	report.Message = text
	report.FinishedAt = e.now()

	if err := e.notifier.SendMessage(ctx, userID, text, formatted); err != nil {
		logger.Warn("发送执行结果失败", zap.Error(err))
	}

	if report.Status == StatusFailed {
		logger.Warn("交易执行失败", zap.Error(report.Err), zap.Int("attempts", report.Attempts))
		e.monitor.RecordError(ctx, "交易执行失败", report.Err, map[string]interface{}{
			"user_id": userID,
			"symbol":  symbol,
		})
	} else {
		logger.Info("交易执行完成",
			zap.String("status", string(report.Status)),
			zap.String("entry_order_id", report.EntryOrderID),
			zap.Int("placed_legs", len(report.PlacedLegs())),
		)
	}
	e.monitor.Emit(ctx, monitor.EventExecution, report.payload())

	return report
}

// run 依次执行各步骤，返回需要发送给用户的消息。
func (e *Executor) run(ctx context.Context, report *Report, logger *zap.Logger) (string, bool) {
	fail := func(err error) (string, bool) {
		report.Status = StatusFailed
		report.Err = err
		return failureText(report.Symbol, err), false
	}
	failWith := func(err error, text string) (string, bool) {
		report.Status = StatusFailed
		report.Err = err
		return text, false
	}

	// 1. 用户设置
	user, ok, err := e.users.Get(ctx, report.UserID)
	if err != nil {
		return fail(fmt.Errorf("execution: 读取用户设置失败: %w", err))
	}
	if !ok || !user.Configured() {
		return fail(ErrNotConfigured)
	}
	if !user.Enabled {
		return fail(ErrDisabled)
	}

	// 2. 交易对
	pair := exchange.NormalizeSymbol(report.Symbol, e.opts.QuoteCoin)
	report.Pair = pair

	client, err := e.factory.New(exchange.Credentials{APIKey: user.APIKey, APISecret: user.APISecret})
	if err != nil {
		return fail(fmt.Errorf("execution: 创建交易所客户端失败: %w", err))
	}

	// 3. 交易对元数据与参考价格
	info, err := client.GetInstrumentInfo(ctx, pair)
	if err != nil {
		return fail(fmt.Errorf("execution: 获取交易对信息失败: %w", err))
	}
	ticker, err := client.GetTicker(ctx, pair)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrNoPrice, err))
	}

	// 4/6/7. 数量、价格与分腿
	plan, err := BuildPlan(pair, info, ticker.LastPrice, user.Leverage, user.Margin, e.opts)
	if errors.Is(err, ErrBelowMinQty) {
		return failWith(err, fmt.Sprintf("❌ Рассчитанный объём для %s меньше минимального %s", pair, info.MinQty))
	}
	if err != nil {
		return fail(err)
	}
	report.Plan = &plan

	// 5. 余额
	balance, err := client.GetWalletBalance(ctx, e.opts.QuoteCoin)
	if err != nil {
		return fail(fmt.Errorf("execution: 获取余额失败: %w", err))
	}
	if balance.AvailableToWithdraw.InexactFloat64() < user.Margin {
		available := balance.AvailableToWithdraw.StringFixed(2)
		return failWith(
			fmt.Errorf("%w: 可用 %s，需要 %v", ErrInsufficientFunds, available, user.Margin),
			fmt.Sprintf("❌ Недостаточно средств. Доступно: %s %s, требуется: %v %s",
				available, e.opts.QuoteCoin, user.Margin, e.opts.QuoteCoin),
		)
	}

	logger.Info("下单计划",
		zap.String("pair", pair),
		zap.String("price", plan.Price.String()),
		zap.String("entry_qty", plan.EntryQty.String()),
		zap.String("stop_loss", plan.StopLossPrice.String()),
		zap.String("tp1", plan.TP1Qty.String()+"@"+plan.TP1Price.String()),
		zap.String("tp2", plan.TP2Qty.String()+"@"+plan.TP2Price.String()),
	)

	// 8. 杠杆
	if err := client.SetLeverage(ctx, pair, user.Leverage); err != nil {
		return fail(fmt.Errorf("execution: 设置杠杆失败: %w", err))
	}

	// 9. 开仓（唯一有重试的步骤）
	orderID, attempts, err := e.placeEntry(ctx, client, plan, logger)
	report.Attempts = attempts
	if err != nil {
		return failWith(err, fmt.Sprintf("❌ Не удалось открыть позицию по %s после %d попыток", pair, attempts))
	}
	report.EntryOrderID = orderID

	// 10. 持仓确认，失败不影响后续步骤
	report.PositionConfirmed = e.verifyPosition(ctx, client, pair, logger)

	// 11. 止盈腿，互不影响
	report.Legs = e.placeTakeProfits(ctx, client, plan, logger)

	report.Status = StatusSuccess
	if !report.PositionConfirmed || len(report.PlacedLegs()) < len(report.Legs) {
		report.Status = StatusWarning
	}

	// 12. 汇总
	return successText(*report), true
}

func (e *Executor) placeEntry(ctx context.Context, client exchange.Client, plan Plan, logger *zap.Logger) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.OrderAttempts; attempt++ {
		res, err := client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:        plan.Pair,
			Side:          exchange.SideBuy,
			Type:          exchange.OrderTypeMarket,
			Qty:           plan.EntryQty,
			StopLoss:      plan.StopLossPrice,
			ReduceOnly:    false,
			ClientOrderID: e.newOrderID(),
		})
		if err == nil {
			if attempt > 1 {
				logger.Info("开仓重试后成功", zap.Int("attempts", attempt))
			}
			return res.OrderID, attempt, nil
		}
		lastErr = err

		if attempt == e.opts.OrderAttempts {
			return "", attempt, fmt.Errorf("%w: %d 次尝试后仍失败: %v", ErrEntryFailed, attempt, lastErr)
		}

		logger.Warn("开仓失败，准备重试",
			zap.Int("attempt", attempt),
			zap.Duration("wait", e.opts.RetryDelay),
			zap.Error(err),
		)
		if err := sleep(ctx, e.opts.RetryDelay); err != nil {
			return "", attempt, fmt.Errorf("%w: 等待重试时中断: %v", ErrEntryFailed, err)
		}
	}
	return "", e.opts.OrderAttempts, fmt.Errorf("%w: %v", ErrEntryFailed, lastErr)
}

func (e *Executor) verifyPosition(ctx context.Context, client exchange.Client, pair string, logger *zap.Logger) bool {
	if err := sleep(ctx, e.opts.SettleDelay); err != nil {
		return false
	}

	positions, err := client.GetOpenPositions(ctx, pair)
	if err != nil {
		// 读取失败不代表开仓失败
		logger.Warn("读取持仓失败，跳过确认", zap.Error(err))
		return true
	}
	for _, p := range positions {
		if p.Size.IsPositive() {
			return true
		}
	}
	logger.Warn("开仓后未查询到持仓")
	return false
}

func (e *Executor) placeTakeProfits(ctx context.Context, client exchange.Client, plan Plan, logger *zap.Logger) []LegResult {
	results := make([]LegResult, 0, 2)
	for _, leg := range plan.Legs() {
		result := LegResult{Leg: leg}
		if leg.Qty.LessThan(plan.MinQty) || !leg.Qty.IsPositive() {
			result.Skipped = true
			logger.Info("止盈数量低于最小下单量，跳过",
				zap.String("leg", leg.Name),
				zap.String("qty", leg.Qty.String()),
			)
			results = append(results, result)
			continue
		}

		res, err := client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:        plan.Pair,
			Side:          exchange.SideSell,
			Type:          exchange.OrderTypeLimit,
			Qty:           leg.Qty,
			Price:         leg.Price,
			ReduceOnly:    true,
			ClientOrderID: e.newOrderID(),
		})
		if err != nil {
			result.Err = err
			logger.Warn("止盈下单失败", zap.String("leg", leg.Name), zap.Error(err))
		} else {
			result.Placed = true
			result.OrderID = res.OrderID
		}
		results = append(results, result)
	}
	return results
}

// Balance 返回用户计价币种余额，供 /balance 命令使用。
func (e *Executor) Balance(ctx context.Context, userID int64) (exchange.WalletBalance, error) {
	user, ok, err := e.users.Get(ctx, userID)
	if err != nil {
		return exchange.WalletBalance{}, err
	}
	if !ok || !user.Configured() {
		return exchange.WalletBalance{}, ErrNotConfigured
	}

	client, err := e.factory.New(exchange.Credentials{APIKey: user.APIKey, APISecret: user.APISecret})
	if err != nil {
		return exchange.WalletBalance{}, err
	}
	return client.GetWalletBalance(ctx, e.opts.QuoteCoin)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsPrecondition 判断错误是否属于前置条件失败（不重试）。
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrNotConfigured) ||
		errors.Is(err, ErrDisabled) ||
		errors.Is(err, ErrNoPrice) ||
		errors.Is(err, ErrBelowMinQty) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, exchange.ErrNotFound)
}
