package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"replication/internal/config"
	"replication/internal/model"
	"replication/internal/service"
)

var (
	ownerID string

	metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "打印指定 owner 的复制指标",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == "" {
				return errors.New("--owner 不能为空")
			}
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger()

			st, closeStore, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			metrics, err := service.NewMetricsAggregator(st).GetMetrics(ctx, ownerID)
			if err != nil {
				return err
			}
			renderMetrics(metrics)
			return nil
		},
	}
)

func init() {
	metricsCmd.Flags().StringVar(&ownerID, "owner", "", "配置所属的 owner_id")
}

func renderMetrics(m *model.ReplicationMetrics) {
	lastSync := "-"
	if m.LastSyncDate != nil {
		lastSync = m.LastSyncDate.Format(time.RFC3339)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"指标", "值"})
	table.Append([]string{"配置总数", strconv.Itoa(m.TotalConfigurations)})
	table.Append([]string{"激活配置数", strconv.Itoa(m.ActiveConfigurations)})
	table.Append([]string{"成功任务数", strconv.Itoa(m.SuccessfulSyncs)})
	table.Append([]string{"失败任务数", strconv.Itoa(m.FailedSyncs)})
	table.Append([]string{"平均耗时(秒)", fmt.Sprintf("%.2f", m.AverageSyncDuration)})
	table.Append([]string{"复制记录总数", strconv.FormatInt(m.TotalRecordsReplicated, 10)})
	table.Append([]string{"最近同步时间", lastSync})
	table.Append([]string{"数据延迟(秒)", fmt.Sprintf("%.0f", m.DataLagSeconds)})
	table.Append([]string{"健康状态", string(m.ReplicationHealth)})
	table.Render()
}
