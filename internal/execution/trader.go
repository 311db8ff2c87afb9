package execution

import "context"

// Trader 抽象单用户交易执行，方便广播层替换实现。
type Trader interface {
	Execute(ctx context.Context, symbol string, userID int64) Report
}

var _ Trader = (*Executor)(nil)
