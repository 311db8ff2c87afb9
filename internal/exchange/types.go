package exchange

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Side 表示下单方向，取值与 Bybit v5 一致。
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// InstrumentInfo 为交易对的精度与下限。
type InstrumentInfo struct {
	Symbol   string
	TickSize decimal.Decimal
	QtyStep  decimal.Decimal
	MinQty   decimal.Decimal
}

// Ticker 为最新成交价。
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
}

// WalletBalance 为单一币种的账户余额。
type WalletBalance struct {
	Coin                string
	WalletBalance       decimal.Decimal
	AvailableToWithdraw decimal.Decimal
	Locked              decimal.Decimal
}

// OrderRequest 描述一笔委托，Price 与 StopLoss 为零表示不设置。
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal
	StopLoss      decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult 为下单成功后的回执。
type OrderResult struct {
	OrderID       string
	ClientOrderID string
}

// Position 为单个持仓。
type Position struct {
	Symbol     string
	Side       string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// Client 为执行器所需的交易所操作。
type Client interface {
	GetInstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetWalletBalance(ctx context.Context, coin string) (WalletBalance, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOpenPositions(ctx context.Context, symbol string) ([]Position, error)
}

// Credentials 为单个用户的 API 凭证。
type Credentials struct {
	APIKey    string
	APISecret string
}

// Factory 按用户凭证创建交易所客户端。
type Factory interface {
	New(creds Credentials) (Client, error)
}

// NormalizeSymbol 将代币符号补全为交易对，例如 la → LAUSDT。
func NormalizeSymbol(token, quote string) string {
	token = strings.ToUpper(strings.TrimSpace(token))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if quote == "" || strings.HasSuffix(token, quote) {
		return token
	}
	return token + quote
}

// UnifiedSymbol 将 LAUSDT 转为 ccxt 线性永续格式 LA/USDT:USDT。
func UnifiedSymbol(symbol, quote string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if strings.Contains(symbol, "/") || quote == "" {
		return symbol
	}
	base := strings.TrimSuffix(symbol, quote)
	if base == "" {
		base = symbol
	}
	return base + "/" + quote + ":" + quote
}
