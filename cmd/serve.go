package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"replication/internal/api"
	"replication/internal/config"
	"replication/internal/endpoint"
	"replication/internal/scheduler"
	"replication/internal/service"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动复制服务和 REST 接口",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	logger := cfg.Log.NewLogger()

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warnf("关闭元数据存储失败: %v", err)
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := service.NewPrometheusObserver(promReg)
	if err != nil {
		return err
	}

	registry := endpoint.NewDefaultRegistry(logger)
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warnf("关闭数据库连接池失败: %v", err)
		}
	}()
	exec := service.NewSyncExecutor(st, registry, service.ExecutorOptions{
		BatchSize: cfg.Replication.BatchSize,
		Logger:    logger,
	})
	exec.RegisterObserver(service.NewLogObserver(logger))
	exec.RegisterObserver(prom)

	sched := scheduler.New(scheduler.Options{
		Workers:    cfg.Replication.Workers,
		RunTimeout: cfg.Replication.RunTimeout,
		Logger:     logger,
	})
	cadence := service.Cadence{
		RealTime:  cfg.Replication.RealTimeInterval,
		Batch:     cfg.Replication.BatchInterval,
		Scheduled: cfg.Replication.ScheduledInterval,
	}
	o := service.NewOrchestrator(st, exec, sched, registry, cadence, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 个别配置无法恢复不影响服务启动
	if err := o.Recover(ctx); err != nil {
		logger.Warnf("恢复复制配置时出现错误: %v", err)
	}

	e := api.NewServer(o, service.NewMetricsAggregator(st), promReg, logger)
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("replicator 启动成功，监听 %s 🚗🚀", cfg.Server.Addr())
		if err := e.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("收到退出信号，开始优雅关闭")
	case err := <-serveErr:
		if err != nil {
			logger.Errorf("HTTP 服务异常退出: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("关闭 HTTP 服务失败: %v", err)
	}
	if err := o.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("replicator 已退出")
	return nil
}
