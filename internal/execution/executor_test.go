package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"splash-trader/internal/exchange"
	"splash-trader/internal/settings"
)

func TestExecutorExecute_RetryBound(t *testing.T) {
	client := newMockClient()
	client.entryErrs = []error{errBusiness, errBusiness, errBusiness, errBusiness}
	exec, notifier, _ := newTestExecutor(client)

	report := exec.Execute(context.Background(), "LA", 1)

	if client.entryCalls != 3 {
		t.Fatalf("expected exactly 3 entry attempts, got %d", client.entryCalls)
	}
	if got := notifier.count(1); got != 1 {
		t.Fatalf("expected exactly one notification, got %d", got)
	}
	if report.Status != StatusFailed || !errors.Is(report.Err, ErrEntryFailed) {
		t.Fatalf("unexpected report: status=%s err=%v", report.Status, report.Err)
	}
	if client.limitCalls != 0 {
		t.Fatalf("take-profit legs must not be placed after entry failure")
	}
	if !strings.Contains(notifier.last(1), "3") {
		t.Errorf("failure message should name the attempt count: %q", notifier.last(1))
	}
}

func TestExecutorExecute_RetrySuccessProceeds(t *testing.T) {
	client := newMockClient()
	client.entryErrs = []error{errBusiness, errBusiness}
	exec, notifier, _ := newTestExecutor(client)

	report := exec.Execute(context.Background(), "LA", 1)

	if client.entryCalls != 3 {
		t.Fatalf("expected 3 entry attempts, got %d", client.entryCalls)
	}
	if client.limitCalls != 2 {
		t.Fatalf("expected both take-profit legs to be placed, got %d", client.limitCalls)
	}
	if report.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%v)", report.Status, report.Err)
	}
	if notifier.count(1) != 1 {
		t.Fatalf("expected exactly one notification")
	}
}

func TestExecutorExecute_WaitsBetweenEntryAttempts(t *testing.T) {
	client := newMockClient()
	client.entryErrs = []error{errBusiness, errBusiness, errBusiness}
	var (
		mu    sync.Mutex
		calls []time.Time
	)
	client.onEntry = func(int) {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
	}
	exec, _, _ := newTestExecutor(client)
	exec.opts.RetryDelay = 50 * time.Millisecond

	start := time.Now()
	report := exec.Execute(context.Background(), "LA", 1)
	elapsed := time.Since(start)

	if report.Status != StatusFailed || !errors.Is(report.Err, ErrEntryFailed) {
		t.Fatalf("unexpected report: status=%s err=%v", report.Status, report.Err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 entry attempts, got %d", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].Sub(calls[i-1]); gap < exec.opts.RetryDelay {
			t.Errorf("attempt %d followed the previous one after %s, want at least %s", i+1, gap, exec.opts.RetryDelay)
		}
	}
	if elapsed < 2*exec.opts.RetryDelay {
		t.Fatalf("expected at least two retry waits, took %s", elapsed)
	}
}

func TestExecutorExecute_CancelDuringRetryWaitStopsAttempts(t *testing.T) {
	client := newMockClient()
	client.entryErrs = []error{errBusiness, errBusiness, errBusiness}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.onEntry = func(call int) {
		if call == 1 {
			cancel()
		}
	}
	exec, notifier, _ := newTestExecutor(client)
	exec.opts.RetryDelay = 10 * time.Second

	start := time.Now()
	report := exec.Execute(ctx, "LA", 1)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancelled retry wait should return promptly, took %s", elapsed)
	}
	if client.entryCalls != 1 {
		t.Fatalf("expected no further attempts after cancellation, got %d", client.entryCalls)
	}
	if report.Status != StatusFailed || !errors.Is(report.Err, ErrEntryFailed) {
		t.Fatalf("unexpected report: status=%s err=%v", report.Status, report.Err)
	}
	if report.Attempts != 1 {
		t.Errorf("expected 1 recorded attempt, got %d", report.Attempts)
	}
	if client.limitCalls != 0 {
		t.Fatalf("take-profit legs must not be placed after a cancelled entry")
	}
	if notifier.count(1) != 1 {
		t.Fatalf("expected exactly one notification")
	}
}

func TestExecutorExecute_PartialTakeProfit(t *testing.T) {
	client := newMockClient()
	client.legErrs["1.03"] = errBusiness
	exec, notifier, _ := newTestExecutor(client)

	report := exec.Execute(context.Background(), "LA", 1)

	placed := report.PlacedLegs()
	if len(placed) != 1 || placed[0].Name != "TP2" {
		t.Fatalf("expected only TP2 in summary, got %+v", placed)
	}
	if report.Status != StatusWarning || report.Err != nil {
		t.Fatalf("partial take-profit must not be an error: status=%s err=%v", report.Status, report.Err)
	}

	msg := notifier.last(1)
	if !strings.Contains(msg, "Тейк-профиты: TP2 1.06 × 42") {
		t.Errorf("summary should list only TP2: %q", msg)
	}
	if !strings.Contains(msg, "TP1 не выставлен") {
		t.Errorf("summary should warn about TP1: %q", msg)
	}
}

func TestExecutorExecute_EntryOrderShape(t *testing.T) {
	client := newMockClient()
	exec, _, _ := newTestExecutor(client)

	exec.Execute(context.Background(), "la", 1)

	if len(client.orders) != 3 {
		t.Fatalf("expected entry + 2 take-profits, got %d orders", len(client.orders))
	}
	entry := client.orders[0]
	if entry.Symbol != "LAUSDT" || entry.Side != exchange.SideBuy || entry.Type != exchange.OrderTypeMarket {
		t.Errorf("unexpected entry order: %+v", entry)
	}
	if !entry.Qty.Equal(d("140")) || !entry.StopLoss.Equal(d("0.98")) || entry.ReduceOnly {
		t.Errorf("unexpected entry sizing: qty=%s sl=%s", entry.Qty, entry.StopLoss)
	}
	for _, tp := range client.orders[1:] {
		if tp.Side != exchange.SideSell || tp.Type != exchange.OrderTypeLimit || !tp.ReduceOnly {
			t.Errorf("unexpected take-profit order: %+v", tp)
		}
	}
	if client.leverage != 10 {
		t.Errorf("expected leverage 10, got %v", client.leverage)
	}
}

func TestExecutorExecute_NotConfigured(t *testing.T) {
	client := newMockClient()
	exec, notifier, factory := newTestExecutor(client)

	report := exec.Execute(context.Background(), "LA", 2)

	if !errors.Is(report.Err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", report.Err)
	}
	if factory.calls != 0 {
		t.Fatalf("exchange must not be contacted without credentials")
	}
	if notifier.count(2) != 1 || !strings.Contains(notifier.last(2), "API") {
		t.Fatalf("unexpected notification: %q", notifier.last(2))
	}
}

func TestExecutorExecute_Preconditions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *mockClient)
		want   error
	}{
		{
			name:   "insufficient funds",
			mutate: func(c *mockClient) { c.balance.AvailableToWithdraw = d("5") },
			want:   ErrInsufficientFunds,
		},
		{
			name:   "below minimum quantity",
			mutate: func(c *mockClient) { c.info.MinQty = d("1000") },
			want:   ErrBelowMinQty,
		},
		{
			name:   "instrument not found",
			mutate: func(c *mockClient) { c.infoErr = exchange.ErrNotFound },
			want:   exchange.ErrNotFound,
		},
		{
			name:   "ticker unavailable",
			mutate: func(c *mockClient) { c.tickerErr = errBusiness },
			want:   ErrNoPrice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockClient()
			tt.mutate(client)
			exec, notifier, _ := newTestExecutor(client)

			report := exec.Execute(context.Background(), "LA", 1)

			if !errors.Is(report.Err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, report.Err)
			}
			if client.entryCalls != 0 || client.leverageCalls != 0 {
				t.Fatalf("no leverage or orders expected, leverage=%d entry=%d", client.leverageCalls, client.entryCalls)
			}
			if notifier.count(1) != 1 {
				t.Fatalf("expected exactly one notification, got %d", notifier.count(1))
			}
		})
	}
}

func TestExecutorExecute_LeverageFailureIsTerminal(t *testing.T) {
	client := newMockClient()
	client.leverageErr = errBusiness
	exec, notifier, _ := newTestExecutor(client)

	report := exec.Execute(context.Background(), "LA", 1)

	if report.Status != StatusFailed || client.entryCalls != 0 {
		t.Fatalf("expected failure before entry, status=%s entry=%d", report.Status, client.entryCalls)
	}
	if !strings.Contains(notifier.last(1), "leverage rejected") {
		t.Errorf("expected exchange message in notification: %q", notifier.last(1))
	}
}

func TestExecutorExecute_PositionVerification(t *testing.T) {
	t.Run("missing position warns", func(t *testing.T) {
		client := newMockClient()
		client.positions = nil
		exec, notifier, _ := newTestExecutor(client)

		report := exec.Execute(context.Background(), "LA", 1)

		if report.PositionConfirmed || report.Status != StatusWarning {
			t.Fatalf("expected unconfirmed warning, got %+v", report)
		}
		if !strings.Contains(notifier.last(1), "позиция не подтверждена") {
			t.Errorf("expected position warning: %q", notifier.last(1))
		}
		if client.limitCalls != 2 {
			t.Errorf("take-profits should still be placed, got %d", client.limitCalls)
		}
	})

	t.Run("read failure is non-fatal", func(t *testing.T) {
		client := newMockClient()
		client.positionsErr = errBusiness
		exec, _, _ := newTestExecutor(client)

		report := exec.Execute(context.Background(), "LA", 1)

		if report.Status != StatusSuccess {
			t.Fatalf("expected success when position read fails, got %s", report.Status)
		}
	})
}

func TestExecutorBalance(t *testing.T) {
	client := newMockClient()
	exec, _, _ := newTestExecutor(client)

	balance, err := exec.Balance(context.Background(), 1)
	if err != nil {
		t.Fatalf("Balance returned error: %v", err)
	}
	if !balance.WalletBalance.Equal(d("150")) {
		t.Fatalf("unexpected balance %s", balance.WalletBalance)
	}

	if _, err := exec.Balance(context.Background(), 2); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

var errBusiness = &exchange.APIError{Op: "test", Code: "10001", Message: "leverage rejected"}

func newTestExecutor(client *mockClient) (*Executor, *mockNotifier, *mockFactory) {
	users := mockUsers{
		1: {UserID: 1, Enabled: true, APIKey: "k", APISecret: "s", Leverage: 10, Margin: 20},
		2: {UserID: 2, Enabled: true, Leverage: 10, Margin: 20},
	}
	opts := DefaultOptions()
	opts.RetryDelay = 0
	opts.SettleDelay = 0

	notifier := &mockNotifier{messages: make(map[int64][]string)}
	factory := &mockFactory{client: client}
	return NewExecutor(users, factory, notifier, opts, nil, nil), notifier, factory
}

type mockUsers map[int64]settings.UserSettings

func (m mockUsers) Get(ctx context.Context, userID int64) (settings.UserSettings, bool, error) {
	u, ok := m[userID]
	return u, ok, nil
}

type mockNotifier struct {
	mu       sync.Mutex
	messages map[int64][]string
}

func (m *mockNotifier) SendMessage(ctx context.Context, userID int64, text string, formatted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[userID] = append(m.messages[userID], text)
	return nil
}

func (m *mockNotifier) count(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[userID])
}

func (m *mockNotifier) last(userID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[userID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type mockFactory struct {
	client *mockClient
	calls  int
}

func (m *mockFactory) New(creds exchange.Credentials) (exchange.Client, error) {
	m.calls++
	return m.client, nil
}

type mockClient struct {
	info      exchange.InstrumentInfo
	infoErr   error
	price     string
	tickerErr error
	balance   exchange.WalletBalance

	leverage      float64
	leverageErr   error
	leverageCalls int

	entryErrs  []error
	entryCalls int
	onEntry    func(call int)
	legErrs    map[string]error
	limitCalls int
	orders     []exchange.OrderRequest

	positions    []exchange.Position
	positionsErr error
}

func newMockClient() *mockClient {
	return &mockClient{
		info:    exchange.InstrumentInfo{TickSize: d("0.0001"), QtyStep: d("1"), MinQty: d("1")},
		price:   "1",
		balance: exchange.WalletBalance{Coin: "USDT", WalletBalance: d("150"), AvailableToWithdraw: d("100")},
		legErrs: make(map[string]error),
		positions: []exchange.Position{
			{Symbol: "LAUSDT", Side: "long", Size: d("140")},
		},
	}
}

func (m *mockClient) GetInstrumentInfo(ctx context.Context, symbol string) (exchange.InstrumentInfo, error) {
	if m.infoErr != nil {
		return exchange.InstrumentInfo{}, m.infoErr
	}
	info := m.info
	info.Symbol = symbol
	return info, nil
}

func (m *mockClient) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	if m.tickerErr != nil {
		return exchange.Ticker{}, m.tickerErr
	}
	return exchange.Ticker{Symbol: symbol, LastPrice: d(m.price)}, nil
}

func (m *mockClient) GetWalletBalance(ctx context.Context, coin string) (exchange.WalletBalance, error) {
	return m.balance, nil
}

func (m *mockClient) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	m.leverageCalls++
	m.leverage = leverage
	return m.leverageErr
}

func (m *mockClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	m.orders = append(m.orders, req)
	if req.Type == exchange.OrderTypeMarket {
		m.entryCalls++
		if m.onEntry != nil {
			m.onEntry(m.entryCalls)
		}
		if m.entryCalls <= len(m.entryErrs) && m.entryErrs[m.entryCalls-1] != nil {
			return exchange.OrderResult{}, m.entryErrs[m.entryCalls-1]
		}
		return exchange.OrderResult{OrderID: "entry", ClientOrderID: req.ClientOrderID}, nil
	}

	m.limitCalls++
	if err := m.legErrs[req.Price.String()]; err != nil {
		return exchange.OrderResult{}, err
	}
	return exchange.OrderResult{OrderID: "tp-" + req.Price.String(), ClientOrderID: req.ClientOrderID}, nil
}

func (m *mockClient) GetOpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	return m.positions, nil
}
