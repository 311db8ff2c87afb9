package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"splash-trader/internal/announcement"
	"splash-trader/internal/settings"
	"splash-trader/internal/store"
)

// TransferResult 为一次导入的统计。
type TransferResult struct {
	Announcements int
	Users         int
}

// Export 将公告与用户设置写出为 JSON 或 YAML 文档。
func Export(ctx context.Context, st *store.Store, defaults settings.Defaults, path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	anns, users, err := repositories(st, defaults, logger)
	if err != nil {
		return err
	}

	doc := store.NewDocument()
	if doc.Announcements, err = anns.Export(ctx); err != nil {
		return err
	}
	if doc.Users, err = users.Export(ctx); err != nil {
		return err
	}
	if err := store.WriteDocument(path, doc); err != nil {
		return err
	}

	logger.Info("数据已导出",
		zap.String("path", path),
		zap.Int("announcements", len(doc.Announcements)),
		zap.Int("users", len(doc.Users)),
	)
	return nil
}

// Import 读取文档并写入数据库，已存在的公告保持不变，用户设置被覆盖。
func Import(ctx context.Context, st *store.Store, defaults settings.Defaults, loc *time.Location, path string, logger *zap.Logger) (TransferResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	anns, users, err := repositories(st, defaults, logger)
	if err != nil {
		return TransferResult{}, err
	}

	doc, err := store.ReadDocument(path)
	if err != nil {
		return TransferResult{}, err
	}

	var result TransferResult
	if result.Announcements, err = anns.Import(ctx, doc.Announcements, loc); err != nil {
		return result, fmt.Errorf("导入公告失败: %w", err)
	}
	if result.Users, err = users.Import(ctx, doc.Users); err != nil {
		return result, fmt.Errorf("导入用户失败: %w", err)
	}

	logger.Info("数据已导入",
		zap.String("path", path),
		zap.Int("announcements", result.Announcements),
		zap.Int("users", result.Users),
	)
	return result, nil
}

func repositories(st *store.Store, defaults settings.Defaults, logger *zap.Logger) (*announcement.Repository, *settings.Repository, error) {
	anns, err := announcement.NewRepository(st, logger.Named("announcement"))
	if err != nil {
		return nil, nil, err
	}
	users, err := settings.NewRepository(st, defaults, logger.Named("settings"))
	if err != nil {
		return nil, nil, err
	}
	return anns, users, nil
}
