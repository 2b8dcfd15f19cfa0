package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"replication/internal/endpoint"
	"replication/internal/errs"
	"replication/internal/model"
	"replication/internal/scheduler"
	"replication/internal/store"
)

// Executor 编排器依赖的同步能力
type Executor interface {
	RunInitialSync(ctx context.Context, configurationID string) (*JobResult, error)
	RunIncrementalSync(ctx context.Context, configurationID string) (*JobResult, error)
	RunFullSync(ctx context.Context, configurationID string) (*JobResult, error)
}

// Cadence replication_mode 对应的触发周期
type Cadence struct {
	RealTime  time.Duration
	Batch     time.Duration
	Scheduled time.Duration
}

func DefaultCadence() Cadence {
	return Cadence{
		RealTime:  5 * time.Second,
		Batch:     5 * time.Minute,
		Scheduled: time.Hour,
	}
}

// Interval streaming 类型总是使用实时周期
func (c Cadence) Interval(cfg *model.ReplicationConfiguration) time.Duration {
	if cfg.ReplicationType == model.ReplicationStreaming {
		return c.RealTime
	}
	switch cfg.ReplicationMode {
	case model.ModeRealTime:
		return c.RealTime
	case model.ModeScheduled:
		return c.Scheduled
	default:
		return c.Batch
	}
}

type Orchestrator struct {
	store     store.Store
	executor  Executor
	scheduler *scheduler.Scheduler
	registry  *endpoint.Registry
	cadence   Cadence
	logger    logrus.FieldLogger

	// 按配置 id 串行化 Start/Stop/Update，保证 is_active 与触发器一致
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewOrchestrator(st store.Store, executor Executor, sched *scheduler.Scheduler, registry *endpoint.Registry, cadence Cadence, logger logrus.FieldLogger) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		store:     st,
		executor:  executor,
		scheduler: sched,
		registry:  registry,
		cadence:   cadence,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) lock(id string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// validate 结构校验之外，还要求数据库类型已注册驱动
func (o *Orchestrator) validate(cfg *model.ReplicationConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !o.registry.Supports(cfg.Source.Type) {
		return errs.Validation("source.type", "不支持的数据库类型 %q，可选: %s", cfg.Source.Type, strings.Join(o.registry.Types(), ", "))
	}
	if !o.registry.Supports(cfg.Target.Type) {
		return errs.Validation("target.type", "不支持的数据库类型 %q，可选: %s", cfg.Target.Type, strings.Join(o.registry.Types(), ", "))
	}
	return nil
}

// CreateConfiguration 校验并保存配置，is_active 时立即启动复制
func (o *Orchestrator) CreateConfiguration(ctx context.Context, spec model.ReplicationConfiguration) (*model.ReplicationConfiguration, error) {
	cfg := spec.Clone()
	cfg.ApplyDefaults()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if err := o.validate(cfg); err != nil {
		return nil, err
	}
	if err := o.store.InsertConfiguration(ctx, cfg); err != nil {
		return nil, err
	}
	o.logger.WithField("configuration_id", cfg.ID).Infof("已创建复制配置 %s", cfg.Name)

	if cfg.IsActive {
		if err := o.StartReplication(ctx, cfg.ID); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// UpdateConfiguration 部分更新。运行中的配置如果改了节奏会重新挂载触发器
func (o *Orchestrator) UpdateConfiguration(ctx context.Context, id string, patch model.ConfigurationPatch) (*model.ReplicationConfiguration, error) {
	unlock := o.lock(id)
	defer unlock()

	current, err := o.store.GetConfiguration(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	patch.Apply(next)
	next.ApplyDefaults()
	if err := o.validate(next); err != nil {
		return nil, err
	}

	updated, err := o.store.UpdateConfiguration(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	switch {
	case patch.IsActive != nil && !*patch.IsActive:
		o.scheduler.Stop(id)
	case updated.IsActive && (patch.ChangesSchedule() || !o.scheduler.IsScheduled(id)):
		o.scheduler.Stop(id)
		if err := o.start(ctx, id); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

func (o *Orchestrator) GetConfiguration(ctx context.Context, id string) (*model.ReplicationConfiguration, error) {
	return o.store.GetConfiguration(ctx, id)
}

func (o *Orchestrator) ListConfigurations(ctx context.Context, ownerID string) ([]*model.ReplicationConfiguration, error) {
	return o.store.ListConfigurations(ctx, store.ConfigurationFilter{OwnerID: ownerID})
}

// StartReplication 没有完成过初始同步时先异步执行一次，然后挂载周期触发器。重复调用是幂等的
func (o *Orchestrator) StartReplication(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()
	return o.start(ctx, id)
}

func (o *Orchestrator) start(ctx context.Context, id string) error {
	cfg, err := o.store.GetConfiguration(ctx, id)
	if err != nil {
		return err
	}
	if err := o.validate(cfg); err != nil {
		return err
	}
	if !cfg.IsActive {
		active := true
		if cfg, err = o.store.UpdateConfiguration(ctx, id, model.ConfigurationPatch{IsActive: &active}); err != nil {
			return err
		}
	}
	if o.scheduler.IsScheduled(id) {
		return nil
	}

	log := o.logger.WithField("configuration_id", id)
	initialized, err := o.hasCompletedInitialSync(ctx, id)
	if err != nil {
		return err
	}
	if !initialized {
		err := o.scheduler.RunNow(id, func(runCtx context.Context) error {
			_, err := o.executor.RunInitialSync(runCtx, id)
			return err
		})
		switch {
		case errors.Is(err, errs.ErrBusy):
			log.Info("已有同步在执行，跳过初始同步")
		case err != nil:
			return err
		default:
			log.Info("已提交初始同步")
		}
	}

	return o.scheduler.Start(id, o.cadence.Interval(cfg), o.cadenceRun(cfg))
}

// cadenceRun snapshot 类型每次全量复制，其余类型增量同步
func (o *Orchestrator) cadenceRun(cfg *model.ReplicationConfiguration) scheduler.RunFunc {
	id := cfg.ID
	if cfg.ReplicationType == model.ReplicationSnapshot {
		return func(ctx context.Context) error {
			_, err := o.executor.RunFullSync(ctx, id)
			return err
		}
	}
	return func(ctx context.Context) error {
		_, err := o.executor.RunIncrementalSync(ctx, id)
		return err
	}
}

func (o *Orchestrator) hasCompletedInitialSync(ctx context.Context, id string) (bool, error) {
	jobs, err := o.store.ListJobs(ctx, store.JobFilter{
		ConfigurationID: id,
		Status:          model.JobCompleted,
		JobType:         model.JobInitialSync,
	})
	if err != nil {
		return false, err
	}
	return len(jobs) > 0, nil
}

// StopReplication 先置 is_active = false 再取消触发器，正在执行的同步会继续完成。
// 写存储失败时触发器保持不变
func (o *Orchestrator) StopReplication(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()

	inactive := false
	if _, err := o.store.UpdateConfiguration(ctx, id, model.ConfigurationPatch{IsActive: &inactive}); err != nil {
		return err
	}
	if o.scheduler.Stop(id) {
		o.logger.WithField("configuration_id", id).Info("已停止复制")
	}
	return nil
}

// TriggerFullSync 立即执行一次全量同步，已有同步在执行时返回 errs.ErrBusy
func (o *Orchestrator) TriggerFullSync(ctx context.Context, id string) error {
	cfg, err := o.store.GetConfiguration(ctx, id)
	if err != nil {
		return err
	}
	if err := o.validate(cfg); err != nil {
		return err
	}
	return o.scheduler.RunNow(id, func(runCtx context.Context) error {
		_, err := o.executor.RunFullSync(runCtx, id)
		return err
	})
}

// Recover 进程启动时为所有 is_active 的配置重建触发器
func (o *Orchestrator) Recover(ctx context.Context) error {
	cfgs, err := o.store.ListConfigurations(ctx, store.ConfigurationFilter{ActiveOnly: true})
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, cfg := range cfgs {
		if err := o.StartReplication(ctx, cfg.ID); err != nil {
			result = multierror.Append(result, fmt.Errorf("恢复配置 %s 失败: %w", cfg.ID, err))
		}
	}
	o.logger.Infof("已恢复 %d 个复制配置", len(cfgs)-lenErrors(result))
	return result.ErrorOrNil()
}

func lenErrors(err *multierror.Error) int {
	if err == nil {
		return 0
	}
	return len(err.Errors)
}

func (o *Orchestrator) ListJobs(ctx context.Context, filter store.JobFilter) ([]*model.ReplicationJob, error) {
	return o.store.ListJobs(ctx, filter)
}

func (o *Orchestrator) ListConflicts(ctx context.Context, configurationID string) ([]*model.ReplicationConflict, error) {
	if _, err := o.store.GetConfiguration(ctx, configurationID); err != nil {
		return nil, err
	}
	return o.store.ListConflicts(ctx, configurationID)
}

// Shutdown 取消全部触发器并等待执行中的同步写完终态
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.scheduler.Close(ctx)
}
