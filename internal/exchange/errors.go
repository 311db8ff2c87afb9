package exchange

import (
	"errors"
	"fmt"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrNotFound 表示交易所不存在该交易对。
	ErrNotFound = errors.New("exchange: instrument not found")
	// ErrEmptyResponse 表示返回成功但缺少必需字段。
	ErrEmptyResponse = errors.New("exchange: empty response")
)

// APIError 携带交易所业务错误码，传输成功但业务失败同样视为失败。
type APIError struct {
	Op        string
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange: %s 失败 (code=%s): %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange: %s 失败: %s", e.Op, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		return retryableCCXT(ccxtErr)
	}

	return false
}

func retryableCCXT(e *ccxt.Error) bool {
	switch e.Type {
	case ccxt.NetworkErrorErrType,
		ccxt.RequestTimeoutErrType,
		ccxt.ExchangeNotAvailableErrType,
		ccxt.RateLimitExceededErrType,
		ccxt.DDoSProtectionErrType,
		ccxt.BadResponseErrType,
		ccxt.NullResponseErrType:
		return true
	default:
		return false
	}
}
