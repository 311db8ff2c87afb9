package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"splash-trader/internal/app"
	"splash-trader/internal/config"
	"splash-trader/internal/log"
	"splash-trader/internal/settings"
	"splash-trader/internal/store"
)

func main() {
	var (
		configPath string
		exportPath string
		importPath string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&exportPath, "export", "", "导出公告与用户设置到指定文件（.json/.yaml）后退出")
	flag.StringVar(&importPath, "import", "", "从指定文件（.json/.yaml）导入公告与用户设置后退出")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging, "splash-trader")
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defaults := settings.Defaults{
		Leverage: cfg.Trading.DefaultLeverage,
		Margin:   cfg.Trading.DefaultMargin,
	}

	switch {
	case exportPath != "":
		if err := app.Export(ctx, sqliteStore, defaults, exportPath, logger); err != nil {
			logger.Error("导出失败", zap.Error(err))
			os.Exit(1)
		}
		return
	case importPath != "":
		if _, err := app.Import(ctx, sqliteStore, defaults, cfg.Schedule.Location(), importPath, logger); err != nil {
			logger.Error("导入失败", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("配置无效", zap.Error(err))
		os.Exit(1)
	}

	trader, err := app.New(cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("初始化系统失败", zap.Error(err))
		os.Exit(1)
	}

	if err := trader.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
