package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:          "replicator",
		Short:        "跨数据库数据复制服务",
		Long:         `按配置在异构数据库之间执行初始同步、增量同步和全量同步，并通过 REST 接口管理复制配置。`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yml", "配置文件路径")
	rootCmd.AddCommand(serveCmd, metricsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Errorf("执行失败: %v", err)
		os.Exit(1)
	}
}
