// processctl 工艺文件运维命令行
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bitfantasy/nimo-mes/internal/config"
	"github.com/bitfantasy/nimo-mes/internal/process/repository"
	"github.com/bitfantasy/nimo-mes/internal/process/service"
	"github.com/bitfantasy/nimo-mes/internal/shared/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var configPath string

// app 命令执行所需的依赖
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	services *service.Services
	logger   *zap.Logger
	closers  []func()
}

func (a *app) Close() {
	for _, fn := range a.closers {
		fn()
	}
}

// openApp 按配置连接数据库与资源存储，测试中可替换
var openApp = func(ctx context.Context, path string) (*app, error) {
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	db, err := repository.OpenDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	store, err := storage.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	repos := repository.NewRepositories(db)
	return &app{
		cfg:      cfg,
		db:       db,
		services: service.NewServices(repos, store, nil, nil, cfg, logger, nil),
		logger:   logger,
		closers: []func(){
			func() {
				if sqlDB, err := db.DB(); err == nil {
					sqlDB.Close()
				}
			},
			func() { logger.Sync() },
		},
	}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "processctl",
		Short:         "Process document maintenance tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./configs/config.yaml)")
	root.AddCommand(newMigrateCmd(), newHistoryCmd(), newExportCmd(), newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
