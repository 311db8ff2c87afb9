package execution

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"splash-trader/internal/exchange"
)

func failureText(symbol string, err error) string {
	switch {
	case errors.Is(err, ErrNotConfigured):
		return "❌ Не настроены API ключи Bybit"
	case errors.Is(err, ErrDisabled):
		return "❌ Торговля отключена. Используйте /enable"
	case errors.Is(err, exchange.ErrNotFound):
		return fmt.Sprintf("❌ Инструмент %s не найден", symbol)
	case errors.Is(err, ErrNoPrice):
		return fmt.Sprintf("❌ Ошибка получения цены для %s", symbol)
	case errors.Is(err, ErrEntryFailed):
		return fmt.Sprintf("❌ Не удалось открыть позицию по %s", symbol)
	}

	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return fmt.Sprintf("❌ Ошибка биржи для %s: %s", symbol, apiErr.Message)
	}
	return fmt.Sprintf("❌ Ошибка выполнения ордера для %s", symbol)
}

func successText(r Report) string {
	var b strings.Builder
	plan := r.Plan

	fmt.Fprintf(&b, "✅ <b>Лонг по %s открыт</b>\n", html.EscapeString(r.Pair))
	fmt.Fprintf(&b, "Цена входа: %s\n", plan.Price.String())
	fmt.Fprintf(&b, "Объём: %s\n", plan.EntryQty.String())
	fmt.Fprintf(&b, "Стоп-лосс: %s\n", plan.StopLossPrice.String())

	placed := r.PlacedLegs()
	if len(placed) == 0 {
		b.WriteString("Тейк-профиты: нет")
	} else {
		parts := make([]string, 0, len(placed))
		for _, leg := range placed {
			parts = append(parts, fmt.Sprintf("%s %s × %s", leg.Name, leg.Price.String(), leg.Qty.String()))
		}
		b.WriteString("Тейк-профиты: " + strings.Join(parts, ", "))
	}

	for _, leg := range r.Legs {
		if leg.Err != nil {
			fmt.Fprintf(&b, "\n⚠️ %s не выставлен: %s", leg.Name, html.EscapeString(leg.Err.Error()))
		}
	}
	if !r.PositionConfirmed {
		b.WriteString("\n⚠️ Ордер размещён, но позиция не подтверждена")
	}
	return b.String()
}
