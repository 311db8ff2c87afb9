package exchange

import (
	"errors"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := map[string]string{
		"LA":      "LAUSDT",
		"la":      "LAUSDT",
		" LA ":    "LAUSDT",
		"LAUSDT":  "LAUSDT",
		"btcusdt": "BTCUSDT",
	}
	for in, want := range tests {
		if got := NormalizeSymbol(in, "USDT"); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnifiedSymbol(t *testing.T) {
	if got := UnifiedSymbol("LAUSDT", "USDT"); got != "LA/USDT:USDT" {
		t.Fatalf("unexpected unified symbol %q", got)
	}
	if got := UnifiedSymbol("LA/USDT:USDT", "USDT"); got != "LA/USDT:USDT" {
		t.Fatalf("unified symbol should pass through, got %q", got)
	}
}

func TestParseInstrument_PrefersRawFilters(t *testing.T) {
	market := map[string]interface{}{
		"info": map[string]interface{}{
			"priceFilter":   map[string]interface{}{"tickSize": "0.0001"},
			"lotSizeFilter": map[string]interface{}{"qtyStep": "1", "minOrderQty": "5"},
		},
		"precision": map[string]interface{}{"price": 0.01, "amount": 0.1},
	}

	info, err := parseInstrument("LAUSDT", market)
	if err != nil {
		t.Fatalf("parseInstrument returned error: %v", err)
	}
	if !info.TickSize.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("unexpected tick size %s", info.TickSize)
	}
	if !info.QtyStep.Equal(decimal.NewFromInt(1)) || !info.MinQty.Equal(decimal.NewFromInt(5)) {
		t.Errorf("unexpected qty filters: %+v", info)
	}
}

func TestParseInstrument_FallsBackToPrecision(t *testing.T) {
	market := map[string]interface{}{
		"precision": map[string]interface{}{"price": 0.01, "amount": 0.1},
		"limits": map[string]interface{}{
			"amount": map[string]interface{}{"min": 0.1},
		},
	}

	info, err := parseInstrument("XYUSDT", market)
	if err != nil {
		t.Fatalf("parseInstrument returned error: %v", err)
	}
	if !info.TickSize.Equal(decimal.RequireFromString("0.01")) || !info.MinQty.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("unexpected instrument: %+v", info)
	}

	if _, err := parseInstrument("XYUSDT", map[string]interface{}{}); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse for empty market, got %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	network := classifyError("fetch_ticker", &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "timeout"})
	if !IsRetryable(network) {
		t.Errorf("network error should be retryable: %v", network)
	}

	maintenance := classifyError("create_order", &ccxt.Error{Type: ccxt.OnMaintenanceErrType})
	if !errors.Is(maintenance, ErrMaintenance) || IsRetryable(maintenance) {
		t.Errorf("unexpected maintenance classification: %v", maintenance)
	}

	plain := classifyError("create_order", errors.New("retCode 10001"))
	var apiErr *APIError
	if !errors.As(plain, &apiErr) || apiErr.Retryable || apiErr.Op != "create_order" {
		t.Errorf("unexpected plain classification: %#v", plain)
	}
}

func TestOrderParams(t *testing.T) {
	params := orderParams(OrderRequest{
		Type:          OrderTypeLimit,
		ReduceOnly:    true,
		ClientOrderID: "abc",
	})
	if params["reduceOnly"] != true || params["timeInForce"] != "GTC" || params["clientOrderId"] != "abc" {
		t.Fatalf("unexpected limit params: %v", params)
	}
	if _, ok := params["stopLoss"]; ok {
		t.Fatalf("limit take-profit must not carry a stop loss")
	}

	params = orderParams(OrderRequest{Type: OrderTypeMarket, StopLoss: decimal.RequireFromString("0.98")})
	sl, ok := params["stopLoss"].(map[string]interface{})
	if !ok || sl["triggerPrice"] != 0.98 {
		t.Fatalf("unexpected stop loss params: %v", params)
	}
}
