package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"replication/internal/config"
	"replication/internal/store"
	"replication/internal/store/gormstore"
	"replication/internal/store/memstore"
)

// openStore 按 store.driver 打开元数据存储，返回的 close 在退出时调用
func openStore(cfg *config.Config, logger logrus.FieldLogger) (store.Store, func() error, error) {
	switch cfg.Store.Driver {
	case "mysql":
		st, err := gormstore.Open(cfg.Store.MySQL)
		if err != nil {
			return nil, nil, err
		}
		if err := st.AutoMigrate(); err != nil {
			st.Close()
			return nil, nil, err
		}
		logger.Infof("元数据存储: mysql %s:%d/%s", cfg.Store.MySQL.Host, cfg.Store.MySQL.Port, cfg.Store.MySQL.Database)
		return st, st.Close, nil
	case "memory":
		st, err := memstore.New()
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("元数据存储: memory，进程退出后配置和任务历史将丢失")
		return st, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("不支持的存储类型: %s", cfg.Store.Driver)
	}
}
