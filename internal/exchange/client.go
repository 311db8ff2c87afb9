package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"splash-trader/internal/config"
)

// leverageNotModified 为 Bybit 杠杆未变化的业务码，视为成功。
const leverageNotModified = "110043"

// CCXTClient 基于 ccxt 的 Bybit 线性永续客户端，只读接口按配置重试。
type CCXTClient struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Bybit

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCCXTClient 使用用户凭证构造 Bybit 客户端。
func NewCCXTClient(cfg config.ExchangeConfig, creds Credentials, logger *zap.Logger) (*CCXTClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, errors.New("exchange: 缺少 API 凭证")
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"apiKey":          creds.APIKey,
		"secret":          creds.APISecret,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "swap",
		},
	}

	ex := ccxt.NewBybit(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &CCXTClient{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// GetInstrumentInfo 读取价格精度、数量步长与最小下单量。
func (c *CCXTClient) GetInstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error) {
	unified := UnifiedSymbol(symbol, c.cfg.QuoteCoin)
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return InstrumentInfo{}, err
	}

	market, err := c.market(unified)
	if err != nil {
		return InstrumentInfo{}, err
	}

	info, err := parseInstrument(symbol, market)
	if err != nil {
		return InstrumentInfo{}, err
	}
	return info, nil
}

// GetTicker 读取最新成交价。
func (c *CCXTClient) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	unified := UnifiedSymbol(symbol, c.cfg.QuoteCoin)

	var raw ccxt.Ticker
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		t, err := c.exchange.FetchTicker(unified)
		if err != nil {
			return err
		}
		raw = t
		return nil
	})
	if err != nil {
		return Ticker{}, err
	}

	if raw.Last == nil || *raw.Last <= 0 {
		return Ticker{}, fmt.Errorf("%w: %s 无最新价格", ErrEmptyResponse, symbol)
	}
	return Ticker{Symbol: symbol, LastPrice: decimal.NewFromFloat(*raw.Last)}, nil
}

// GetWalletBalance 读取指定币种余额，未持有时返回零值。
func (c *CCXTClient) GetWalletBalance(ctx context.Context, coin string) (WalletBalance, error) {
	coin = strings.ToUpper(coin)
	params := map[string]interface{}{}
	if c.cfg.AccountType != "" {
		params["accountType"] = c.cfg.AccountType
	}

	var raw ccxt.Balances
	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		b, err := c.exchange.FetchBalance(params)
		if err != nil {
			return err
		}
		raw = b
		return nil
	})
	if err != nil {
		return WalletBalance{}, err
	}

	balance := WalletBalance{Coin: coin}
	if raw.Total != nil {
		if total, ok := raw.Total[coin]; ok && total != nil {
			balance.WalletBalance = decimal.NewFromFloat(*total)
		}
	}
	if raw.Free != nil {
		if free, ok := raw.Free[coin]; ok && free != nil {
			balance.AvailableToWithdraw = decimal.NewFromFloat(*free)
		}
	}
	if locked := balance.WalletBalance.Sub(balance.AvailableToWithdraw); locked.IsPositive() {
		balance.Locked = locked
	}
	return balance, nil
}

// SetLeverage 设置多空双向杠杆，杠杆未变化视为成功。
func (c *CCXTClient) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return err
	}

	unified := UnifiedSymbol(symbol, c.cfg.QuoteCoin)
	_, err := c.exchange.SetLeverage(int64(leverage), ccxt.WithSetLeverageSymbol(unified))
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), leverageNotModified) || strings.Contains(strings.ToLower(err.Error()), "leverage not modified") {
		c.logger.Debug("杠杆未变化", zap.String("symbol", symbol), zap.Float64("leverage", leverage))
		return nil
	}
	return c.normalize("set_leverage", err)
}

// PlaceOrder 单次提交委托，重试由调用方负责。
func (c *CCXTClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return OrderResult{}, err
	}

	unified := UnifiedSymbol(req.Symbol, c.cfg.QuoteCoin)
	params := orderParams(req)

	opts := []ccxt.CreateOrderOptions{ccxt.WithCreateOrderParams(params)}
	if req.Price.IsPositive() {
		opts = append(opts, ccxt.WithCreateOrderPrice(req.Price.InexactFloat64()))
	}

	order, err := c.exchange.CreateOrder(
		unified,
		strings.ToLower(string(req.Type)),
		strings.ToLower(string(req.Side)),
		req.Qty.InexactFloat64(),
		opts...,
	)
	if err != nil {
		return OrderResult{}, c.normalize("create_order", err)
	}

	id := derefString(order.Id)
	if id == "" {
		return OrderResult{}, &APIError{
			Op:      "create_order",
			Message: "响应缺少订单ID",
			Err:     ErrEmptyResponse,
		}
	}
	return OrderResult{OrderID: id, ClientOrderID: req.ClientOrderID}, nil
}

// GetOpenPositions 返回该交易对数量大于零的持仓。
func (c *CCXTClient) GetOpenPositions(ctx context.Context, symbol string) ([]Position, error) {
	unified := UnifiedSymbol(symbol, c.cfg.QuoteCoin)

	var raw []ccxt.Position
	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		positions, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}
		raw = positions
		return nil
	})
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0, 1)
	for _, p := range raw {
		if !strings.EqualFold(derefString(p.Symbol), unified) {
			continue
		}
		size := derefFloat(p.Contracts)
		if size <= 0 {
			continue
		}
		positions = append(positions, Position{
			Symbol:     symbol,
			Side:       strings.ToLower(derefString(p.Side)),
			Size:       decimal.NewFromFloat(size),
			EntryPrice: decimal.NewFromFloat(derefFloat(p.EntryPrice)),
		})
	}
	return positions, nil
}

func (c *CCXTClient) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Debug("已完成市场元数据加载")
	return nil
}

// market 读取市场元数据，未知交易对返回 ErrNotFound。
func (c *CCXTClient) market(unified string) (m map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("%w: %s", ErrNotFound, unified)
		}
	}()

	raw := c.exchange.Market(unified)
	if e, ok := raw.(error); ok {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, unified, e)
	}
	market, ok := raw.(map[string]interface{})
	if !ok || len(market) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, unified)
	}
	return market, nil
}

func (c *CCXTClient) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr := c.normalize(operation, err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !IsRetryable(normalizedErr) || attempt >= maxAttempts {
			c.logger.Warn("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *CCXTClient) normalize(operation string, err error) error {
	return classifyError(operation, err)
}

// classifyError 将 ccxt 与网络错误统一为 APIError。
func classifyError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		message := strings.TrimSpace(ccxtErr.Message)
		code := fmt.Sprint(ccxtErr.Type)

		switch ccxtErr.Type {
		case ccxt.OnMaintenanceErrType:
			if message == "" {
				message = "exchange under maintenance"
			}
			return &APIError{Op: operation, Code: code, Message: message, Err: ErrMaintenance}
		case ccxt.BadSymbolErrType:
			return &APIError{Op: operation, Code: code, Message: message, Err: ErrNotFound}
		default:
			return &APIError{
				Op:        operation,
				Code:      code,
				Message:   message,
				Retryable: retryableCCXT(ccxtErr),
				Err:       err,
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &APIError{Op: operation, Message: err.Error(), Retryable: true, Err: err}
	}

	return &APIError{Op: operation, Message: err.Error(), Err: err}
}

func orderParams(req OrderRequest) map[string]interface{} {
	params := map[string]interface{}{
		"reduceOnly": req.ReduceOnly,
	}
	if req.ClientOrderID != "" {
		params["clientOrderId"] = req.ClientOrderID
	}
	if req.Type == OrderTypeLimit {
		params["timeInForce"] = "GTC"
	}
	if req.StopLoss.IsPositive() {
		params["stopLoss"] = map[string]interface{}{
			"triggerPrice": req.StopLoss.InexactFloat64(),
		}
	}
	return params
}

// parseInstrument 优先读取 Bybit 原始过滤器（字符串，精确），否则回退到 ccxt 精度字段。
func parseInstrument(symbol string, market map[string]interface{}) (InstrumentInfo, error) {
	info := InstrumentInfo{Symbol: symbol}

	if raw, ok := market["info"].(map[string]interface{}); ok {
		if pf, ok := raw["priceFilter"].(map[string]interface{}); ok {
			info.TickSize, _ = toDecimal(pf["tickSize"])
		}
		if lf, ok := raw["lotSizeFilter"].(map[string]interface{}); ok {
			info.QtyStep, _ = toDecimal(lf["qtyStep"])
			info.MinQty, _ = toDecimal(lf["minOrderQty"])
		}
	}

	if precision, ok := market["precision"].(map[string]interface{}); ok {
		if !info.TickSize.IsPositive() {
			info.TickSize, _ = toDecimal(precision["price"])
		}
		if !info.QtyStep.IsPositive() {
			info.QtyStep, _ = toDecimal(precision["amount"])
		}
	}
	if limits, ok := market["limits"].(map[string]interface{}); ok && !info.MinQty.IsPositive() {
		if amount, ok := limits["amount"].(map[string]interface{}); ok {
			info.MinQty, _ = toDecimal(amount["min"])
		}
	}

	if !info.TickSize.IsPositive() || !info.QtyStep.IsPositive() {
		return info, fmt.Errorf("%w: %s 缺少精度信息", ErrEmptyResponse, symbol)
	}
	return info, nil
}

func toDecimal(value interface{}) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return v, true
	case float64:
		return decimal.NewFromFloat(v), true
	case *float64:
		if v == nil {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(*v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
				return decimal.NewFromFloat(f), true
			}
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
