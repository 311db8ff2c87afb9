package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"splash-trader/internal/exchange"
)

var hundred = decimal.NewFromInt(100)

// FloorToStep 向下取整到 step 的整数倍，step 非正时原样返回。
func FloorToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// BuildPlan 根据参考价格与交易对精度计算数量、止损与止盈价格。
func BuildPlan(pair string, info exchange.InstrumentInfo, price decimal.Decimal, leverage, margin float64, opts Options) (Plan, error) {
	if !price.IsPositive() {
		return Plan{}, fmt.Errorf("%w: %s", ErrNoPrice, price)
	}

	lev := decimal.NewFromFloat(leverage)
	mar := decimal.NewFromFloat(margin)

	total := FloorToStep(lev.Mul(mar).Div(price), info.QtyStep)
	if total.LessThan(info.MinQty) || !total.IsPositive() {
		return Plan{}, fmt.Errorf("%w: 计算数量 %s，最小 %s", ErrBelowMinQty, total, info.MinQty)
	}

	entry := FloorToStep(total.Mul(percent(opts.BuyPercent)), info.QtyStep)
	if entry.LessThan(info.MinQty) || !entry.IsPositive() {
		return Plan{}, fmt.Errorf("%w: 开仓数量 %s，最小 %s", ErrBelowMinQty, entry, info.MinQty)
	}

	one := decimal.NewFromInt(1)
	return Plan{
		Pair:          pair,
		Price:         price,
		TotalQty:      total,
		EntryQty:      entry,
		TP1Qty:        FloorToStep(entry.Mul(decimal.NewFromFloat(opts.TP1Share)), info.QtyStep),
		TP2Qty:        FloorToStep(entry.Mul(decimal.NewFromFloat(opts.TP2Share)), info.QtyStep),
		StopLossPrice: FloorToStep(price.Mul(one.Sub(percent(opts.StopLossPercent))), info.TickSize),
		TP1Price:      FloorToStep(price.Mul(one.Add(percent(opts.TP1Percent))), info.TickSize),
		TP2Price:      FloorToStep(price.Mul(one.Add(percent(opts.TP2Percent))), info.TickSize),
		MinQty:        info.MinQty,
	}, nil
}

func percent(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Div(hundred)
}
