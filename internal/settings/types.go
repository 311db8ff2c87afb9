package settings

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// State 是命令前端与用户之间的会话状态。
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingAPIKeys  State = "awaiting_api_keys"
	StateAwaitingLeverage State = "awaiting_leverage"
	StateAwaitingMargin   State = "awaiting_margin"
)

// Valid 判断状态值是否合法。
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateAwaitingAPIKeys, StateAwaitingLeverage, StateAwaitingMargin:
		return true
	default:
		return false
	}
}

const (
	MinLeverage = 1.0
	MaxLeverage = 100.0
)

var (
	// ErrInvalidLeverage 表示杠杆超出 [1,100]。
	ErrInvalidLeverage = errors.New("settings: 杠杆必须位于 1 到 100 之间")
	// ErrInvalidMargin 表示保证金不为正数。
	ErrInvalidMargin = errors.New("settings: 保证金必须大于 0")
)

// UserSettings 为单个用户的交易设置，由仓储独占写入。
type UserSettings struct {
	UserID    int64     `json:"user_id"`
	Enabled   bool      `json:"enabled"`
	APIKey    string    `json:"-"`
	APISecret string    `json:"-"`
	Leverage  float64   `json:"leverage"`
	Margin    float64   `json:"margin"`
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Configured 判断是否已填写交易所凭证。
func (u UserSettings) Configured() bool {
	return u.APIKey != "" && u.APISecret != ""
}

// Defaults 为新用户的初始参数。
type Defaults struct {
	Leverage float64
	Margin   float64
}

// NewUser 返回带默认参数、未启用的用户设置。
func (d Defaults) NewUser(userID int64) UserSettings {
	return UserSettings{
		UserID:   userID,
		Enabled:  false,
		Leverage: d.Leverage,
		Margin:   d.Margin,
		State:    StateIdle,
	}
}

// ValidateLeverage 校验杠杆范围。
func ValidateLeverage(v float64) error {
	if math.IsNaN(v) || v < MinLeverage || v > MaxLeverage {
		return fmt.Errorf("%w: %v", ErrInvalidLeverage, v)
	}
	return nil
}

// ValidateMargin 校验保证金。
func ValidateMargin(v float64) error {
	if !(v > 0) || math.IsInf(v, 1) {
		return fmt.Errorf("%w: %v", ErrInvalidMargin, v)
	}
	return nil
}
