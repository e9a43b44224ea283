// Package main 提供数据库迁移命令行工具
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ribbon-finance/ribbon-v1-sub001/internal/config"
	"github.com/ribbon-finance/ribbon-v1-sub001/migrations"
	"github.com/ribbon-finance/ribbon-v1-sub001/pkg/logger"
	"github.com/ribbon-finance/ribbon-v1-sub001/pkg/migrate"
)

func main() {
	// 解析命令行参数
	var (
		command    string
		configPath string
		dsn        string
	)

	flag.StringVar(&command, "cmd", "up", "Command: up, down, version")
	flag.StringVar(&configPath, "config", "config/config.yaml", "Config file path")
	flag.StringVar(&dsn, "dsn", "", "Database DSN (overrides config)")
	flag.Parse()

	// 初始化日志
	if err := logger.Init(&logger.Config{
		Level:       "info",
		Format:      "console",
		ServiceName: "migrate",
	}); err != nil {
		fmt.Printf("init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// 获取数据库连接字符串
	if dsn == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			logger.Fatal("load config failed", zap.Error(err))
		}
		dsn = cfg.Postgres.DSN()
	}

	db, err := migrate.Open(dsn)
	if err != nil {
		logger.Fatal("open database failed", zap.Error(err))
	}

	migrator := migrate.NewMigrator(db, migrations.FS, ".", "instrument-indexer", logger.L())

	switch command {
	case "up":
		if err := migrator.Up(); err != nil {
			logger.Fatal("migration up failed", zap.Error(err))
		}

	case "down":
		if err := migrator.Rollback(); err != nil {
			logger.Fatal("migration down failed", zap.Error(err))
		}

	case "version":
		version, dirty, err := migrator.Version()
		if err != nil {
			logger.Fatal("get migration version failed", zap.Error(err))
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)

	default:
		logger.Fatal("unknown command", zap.String("command", command))
	}
}
