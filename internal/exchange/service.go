package exchange

import (
	"errors"

	"go.uber.org/zap"

	"splash-trader/internal/config"
)

// Service 按用户凭证创建客户端，每次执行使用新的客户端以读取最新市场元数据。
type Service struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger
}

// NewService 创建交易所客户端工厂。
func NewService(cfg config.ExchangeConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, logger: logger}
}

// QuoteCoin 返回计价币种。
func (s *Service) QuoteCoin() string {
	return s.cfg.QuoteCoin
}

// New 实现 Factory。
func (s *Service) New(creds Credentials) (Client, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, errors.New("exchange: 缺少 API 凭证")
	}
	return NewCCXTClient(s.cfg, creds, s.logger)
}
