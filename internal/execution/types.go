package execution

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"splash-trader/internal/config"
)

var (
	// ErrNotConfigured 表示用户未填写交易所凭证。
	ErrNotConfigured = errors.New("execution: 未配置 API 凭证")
	// ErrDisabled 表示用户已停用自动交易。
	ErrDisabled = errors.New("execution: 用户已停用")
	// ErrNoPrice 表示参考价格无效。
	ErrNoPrice = errors.New("execution: 参考价格无效")
	// ErrBelowMinQty 表示计算数量低于最小下单量。
	ErrBelowMinQty = errors.New("execution: 数量低于最小下单量")
	// ErrInsufficientFunds 表示可用余额不足保证金。
	ErrInsufficientFunds = errors.New("execution: 可用余额不足")
	// ErrEntryFailed 表示开仓委托在重试后仍失败。
	ErrEntryFailed = errors.New("execution: 开仓委托失败")
)

// Options 控制下单比例、重试次数与等待时间。
type Options struct {
	QuoteCoin       string
	TP1Percent      float64
	TP2Percent      float64
	StopLossPercent float64
	BuyPercent      float64
	TP1Share        float64
	TP2Share        float64
	OrderAttempts   int
	RetryDelay      time.Duration
	SettleDelay     time.Duration
}

// DefaultOptions 返回默认参数：TP +3%/+6%，SL -2%，开仓 70%，3 次尝试间隔 2 秒。
func DefaultOptions() Options {
	return Options{
		QuoteCoin:       "USDT",
		TP1Percent:      3,
		TP2Percent:      6,
		StopLossPercent: 2,
		BuyPercent:      70,
		TP1Share:        0.4,
		TP2Share:        0.3,
		OrderAttempts:   3,
		RetryDelay:      2 * time.Second,
		SettleDelay:     time.Second,
	}
}

// OptionsFromConfig 由配置生成执行参数，未设置的字段使用默认值。
func OptionsFromConfig(tc config.TradingConfig, quote string) Options {
	opts := DefaultOptions()
	if quote != "" {
		opts.QuoteCoin = quote
	}
	if tc.TP1Percent > 0 {
		opts.TP1Percent = tc.TP1Percent
	}
	if tc.TP2Percent > 0 {
		opts.TP2Percent = tc.TP2Percent
	}
	if tc.StopLossPercent > 0 {
		opts.StopLossPercent = tc.StopLossPercent
	}
	if tc.BuyPercent > 0 {
		opts.BuyPercent = tc.BuyPercent
	}
	if tc.TP1Share > 0 {
		opts.TP1Share = tc.TP1Share
	}
	if tc.TP2Share > 0 {
		opts.TP2Share = tc.TP2Share
	}
	if tc.OrderAttempts > 0 {
		opts.OrderAttempts = tc.OrderAttempts
	}
	if tc.RetryDelay > 0 {
		opts.RetryDelay = tc.RetryDelay
	}
	if tc.SettleDelay > 0 {
		opts.SettleDelay = tc.SettleDelay
	}
	return opts
}

// Plan 为一次执行的下单计划，仅在执行时由实时价格与精度计算，不做持久化。
type Plan struct {
	Pair          string
	Price         decimal.Decimal
	TotalQty      decimal.Decimal
	EntryQty      decimal.Decimal
	TP1Qty        decimal.Decimal
	TP2Qty        decimal.Decimal
	StopLossPrice decimal.Decimal
	TP1Price      decimal.Decimal
	TP2Price      decimal.Decimal
	MinQty        decimal.Decimal
}

// Leg 为止盈腿。
type Leg struct {
	Name  string
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Legs 返回两条止盈腿。
func (p Plan) Legs() []Leg {
	return []Leg{
		{Name: "TP1", Price: p.TP1Price, Qty: p.TP1Qty},
		{Name: "TP2", Price: p.TP2Price, Qty: p.TP2Qty},
	}
}

// Status 为执行结果。
type Status string

const (
	StatusSuccess Status = "success"
	// StatusWarning 表示已开仓但持仓未确认或止盈腿不完整。
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// LegResult 为单条止盈腿的下单结果。
type LegResult struct {
	Leg
	OrderID string
	Placed  bool
	Skipped bool
	Err     error
}

// Report 为一次执行的结果摘要，调用方可以忽略。
type Report struct {
	UserID            int64
	Symbol            string
	Pair              string
	Status            Status
	Err               error
	Plan              *Plan
	EntryOrderID      string
	Attempts          int
	PositionConfirmed bool
	Legs              []LegResult
	Message           string
	StartedAt         time.Time
	FinishedAt        time.Time
}

// PlacedLegs 返回下单成功的止盈腿。
func (r Report) PlacedLegs() []LegResult {
	out := make([]LegResult, 0, len(r.Legs))
	for _, leg := range r.Legs {
		if leg.Placed {
			out = append(out, leg)
		}
	}
	return out
}

// ExecutionPayload 为执行事件的监控载荷。
type ExecutionPayload struct {
	UserID       int64    `json:"user_id"`
	Symbol       string   `json:"symbol"`
	Status       Status   `json:"status"`
	Attempts     int      `json:"attempts"`
	EntryOrderID string   `json:"entry_order_id,omitempty"`
	PlacedLegs   []string `json:"placed_legs"`
	Error        string   `json:"error,omitempty"`
	DurationMS   int64    `json:"duration_ms"`
}

func (r Report) payload() ExecutionPayload {
	p := ExecutionPayload{
		UserID:       r.UserID,
		Symbol:       r.Symbol,
		Status:       r.Status,
		Attempts:     r.Attempts,
		EntryOrderID: r.EntryOrderID,
		PlacedLegs:   make([]string, 0, 2),
		DurationMS:   r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
	}
	for _, leg := range r.PlacedLegs() {
		p.PlacedLegs = append(p.PlacedLegs, leg.Name)
	}
	if r.Err != nil {
		p.Error = r.Err.Error()
	}
	return p
}
