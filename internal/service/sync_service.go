package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"replication/internal/endpoint"
	"replication/internal/errs"
	"replication/internal/model"
	"replication/internal/store"
)

// JobResult 一次同步的结果，Job 为写入存储的最终状态
type JobResult struct {
	Job       *model.ReplicationJob
	Conflicts []*model.ReplicationConflict
}

type ExecutorOptions struct {
	// BatchSize 每批 upsert 的行数
	BatchSize int
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// SyncExecutor 执行初始、增量和全量同步，每次调用写且只写一条任务记录
type SyncExecutor struct {
	store    store.Store
	registry *endpoint.Registry
	opts     ExecutorOptions

	mutex     sync.RWMutex
	observers []JobObserver
}

func NewSyncExecutor(st store.Store, registry *endpoint.Registry, opts ExecutorOptions) *SyncExecutor {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SyncExecutor{store: st, registry: registry, opts: opts}
}

// RegisterObserver 注册观察者
func (e *SyncExecutor) RegisterObserver(observer JobObserver) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.observers = append(e.observers, observer)
}

// RunInitialSync 复制全部行，目标已存在且内容不同的行按冲突策略处理
func (e *SyncExecutor) RunInitialSync(ctx context.Context, configurationID string) (*JobResult, error) {
	return e.run(ctx, configurationID, model.JobInitialSync)
}

// RunIncrementalSync 只处理上次成功同步之后变更的行，master_master 时双向同步
func (e *SyncExecutor) RunIncrementalSync(ctx context.Context, configurationID string) (*JobResult, error) {
	return e.run(ctx, configurationID, model.JobIncrementalSync)
}

// RunFullSync 与初始同步相同的全量复制，用于手动重新对齐和 snapshot 类型
func (e *SyncExecutor) RunFullSync(ctx context.Context, configurationID string) (*JobResult, error) {
	return e.run(ctx, configurationID, model.JobFullSync)
}

// syncRun 单次执行的上下文
type syncRun struct {
	cfg       *model.ReplicationConfiguration
	job       *model.ReplicationJob
	src       endpoint.Handle
	dst       endpoint.Handle
	cursor    time.Time
	twoWay    bool
	conflicts []*model.ReplicationConflict
	logger    logrus.FieldLogger
}

func (e *SyncExecutor) run(ctx context.Context, configurationID string, jobType model.JobType) (*JobResult, error) {
	job := model.NewJob(configurationID, jobType, model.SourceToTarget)
	if err := e.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}
	patch, err := job.Start(e.opts.Now())
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateJob(ctx, job.ID, patch); err != nil {
		return nil, err
	}

	cfg, err := e.store.GetConfiguration(ctx, configurationID)
	if err != nil {
		e.notifyStart(nil, job)
		return e.finish(ctx, &syncRun{job: job}, fmt.Errorf("读取配置失败: %w", err))
	}

	r := &syncRun{
		cfg: cfg,
		job: job,
		logger: e.opts.Logger.WithFields(logrus.Fields{
			"configuration_id": cfg.ID,
			"job_id":           job.ID,
			"job_type":         jobType,
		}),
	}
	if jobType == model.JobIncrementalSync && cfg.ReplicationType == model.ReplicationMasterMaster {
		r.twoWay = true
		job.SyncMetadata.SyncDirection = model.Bidirectional
	}
	e.notifyStart(cfg, job)

	if jobType == model.JobIncrementalSync {
		if r.cursor, err = e.lastCursor(ctx, cfg.ID); err != nil {
			return e.finish(ctx, r, err)
		}
	}

	opts := endpoint.Options{
		KeyColumn:   cfg.KeyColumn(),
		UpdateField: cfg.CursorColumn(),
		BatchSize:   e.opts.BatchSize,
	}
	if r.src, err = e.registry.Open(ctx, cfg.Source, opts); err != nil {
		return e.finish(ctx, r, fmt.Errorf("打开源库失败: %w", err))
	}
	defer r.src.Close()
	if r.dst, err = e.registry.Open(ctx, cfg.Target, opts); err != nil {
		return e.finish(ctx, r, fmt.Errorf("打开目标库失败: %w", err))
	}
	defer r.dst.Close()

	// 按表同步，某张表失败不回滚已完成的表
	var merr *multierror.Error
	var firstErr error
	for _, table := range cfg.TablesToReplicate {
		if err := e.syncTable(ctx, r, table); err != nil {
			err = fmt.Errorf("同步表 %s 失败: %w", table, err)
			merr = multierror.Append(merr, err)
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		job.TablesSynced = append(job.TablesSynced, table)
	}
	if merr != nil && len(merr.Errors) > 1 {
		r.logger.Warnf("共 %d 张表同步失败: %v", len(merr.Errors), merr)
	}
	return e.finish(ctx, r, firstErr)
}

// lastCursor 已完成任务中最新的同步游标，没有则返回零值
func (e *SyncExecutor) lastCursor(ctx context.Context, configurationID string) (time.Time, error) {
	jobs, err := e.store.ListJobs(ctx, store.JobFilter{
		ConfigurationID: configurationID,
		Status:          model.JobCompleted,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("读取同步游标失败: %w", err)
	}
	var cursor time.Time
	for _, j := range jobs {
		if ts := j.SyncMetadata.LastSyncTimestamp; ts != nil && ts.After(cursor) {
			cursor = *ts
		}
	}
	return cursor, nil
}

// syncTable 同步单个表
func (e *SyncExecutor) syncTable(ctx context.Context, r *syncRun, table string) error {
	log := r.logger.WithField("table", table)
	key := r.cfg.KeyColumn()

	sourceRows, err := r.src.ReadChangedRows(ctx, table, r.cursor)
	if err != nil {
		return err
	}
	// 游标之后目标端变更过的行，初始和全量同步时是整张表
	targetRows, err := r.dst.ReadChangedRows(ctx, table, r.cursor)
	if err != nil {
		return err
	}
	targetByKey := make(map[string]endpoint.Row, len(targetRows))
	var targetOrder []string
	for _, row := range targetRows {
		if k, ok := endpoint.KeyOf(row, key); ok {
			targetByKey[k] = row
			targetOrder = append(targetOrder, k)
		}
	}

	var toTarget, toSource []endpoint.Row
	var processed, failed int64
	for _, row := range sourceRows {
		k, ok := endpoint.KeyOf(row, key)
		if !ok {
			failed++
			continue
		}
		processed++
		current, exists := targetByKey[k]
		if !exists {
			toTarget = append(toTarget, row)
			continue
		}
		delete(targetByKey, k)
		if endpoint.RowsEqual(row, current) {
			continue
		}

		r.job.SyncMetadata.ConflictsDetected++
		switch r.cfg.ConflictResolution {
		case model.SourceWins:
			r.job.SyncMetadata.ConflictsResolved++
			toTarget = append(toTarget, row)
		case model.TargetWins:
			r.job.SyncMetadata.ConflictsResolved++
			if r.twoWay {
				toSource = append(toSource, current)
			}
		case model.TimestampWins:
			r.job.SyncMetadata.ConflictsResolved++
			if newer(current, row, r.cfg.CursorColumn()) {
				if r.twoWay {
					toSource = append(toSource, current)
				}
			} else {
				toTarget = append(toTarget, row)
			}
		case model.Manual:
			if err := e.recordConflict(ctx, r, table, k, row, current); err != nil {
				return err
			}
		}
	}

	// 双向同步时，目标端独有的变更写回源库
	if r.twoWay {
		for _, k := range targetOrder {
			if row, ok := targetByKey[k]; ok {
				processed++
				toSource = append(toSource, row)
			}
		}
	}

	r.job.RecordsProcessed += processed
	r.job.RecordsFailed += failed

	if err := r.dst.UpsertRows(ctx, table, toTarget); err != nil {
		r.job.RecordsFailed += int64(len(toTarget))
		return err
	}
	if err := r.src.UpsertRows(ctx, table, toSource); err != nil {
		r.job.RecordsFailed += int64(len(toSource))
		return err
	}
	log.Infof("表 %s 同步完成: 读取 %d 行, 写入目标 %d 行, 写回源库 %d 行", table, processed, len(toTarget), len(toSource))
	return nil
}

// newer a 的更新时间是否晚于 b，无法比较时返回 false
func newer(a, b endpoint.Row, field string) bool {
	ta, okA := endpoint.ParseTime(a[field])
	tb, okB := endpoint.ParseTime(b[field])
	if !okA || !okB {
		return false
	}
	return ta.After(tb)
}

// recordConflict manual 策略下只记录冲突，不写任何一端
func (e *SyncExecutor) recordConflict(ctx context.Context, r *syncRun, table, key string, source, target endpoint.Row) error {
	sourceJSON, err := json.Marshal(source)
	if err != nil {
		return err
	}
	targetJSON, err := json.Marshal(target)
	if err != nil {
		return err
	}
	conflict := &model.ReplicationConflict{
		ID:              uuid.NewString(),
		ConfigurationID: r.cfg.ID,
		JobID:           r.job.ID,
		Table:           table,
		PrimaryKey:      key,
		SourceRow:       sourceJSON,
		TargetRow:       targetJSON,
		DetectedAt:      e.opts.Now(),
	}
	if err := e.store.InsertConflict(ctx, conflict); err != nil {
		return err
	}
	r.conflicts = append(r.conflicts, conflict)
	e.notifyConflict(r.cfg, r.job, conflict)
	return nil
}

// finish 写入终态。即使调用方的 ctx 已取消或超时也要写
func (e *SyncExecutor) finish(ctx context.Context, r *syncRun, runErr error) (*JobResult, error) {
	job := r.job
	now := e.opts.Now()

	if runErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errs.IsTimeout(runErr) {
		var limit time.Duration
		if deadline, ok := ctx.Deadline(); ok && job.StartedAt != nil {
			limit = deadline.Sub(*job.StartedAt).Round(time.Millisecond)
		}
		runErr = &errs.TimeoutError{Deadline: limit, Err: runErr}
	}

	var patch model.JobPatch
	var err error
	if runErr == nil {
		// 游标取上次游标与本次开始时间的较大值，保证单调不减
		next := *job.StartedAt
		if r.cursor.After(next) {
			next = r.cursor
		}
		job.SyncMetadata.LastSyncTimestamp = &next
		patch, err = job.Complete(now)
	} else {
		patch, err = job.Fail(now, runErr)
	}
	if err != nil {
		return nil, err
	}

	if err := e.store.UpdateJob(context.WithoutCancel(ctx), job.ID, patch); err != nil {
		e.opts.Logger.WithField("job_id", job.ID).Errorf("写入任务终态失败: %v", err)
		if runErr == nil {
			runErr = err
		}
	}

	if job.Status == model.JobCompleted {
		e.notifyComplete(r.cfg, job)
	} else {
		e.notifyError(r.cfg, job, runErr)
	}
	return &JobResult{Job: job.Clone(), Conflicts: r.conflicts}, runErr
}

func (e *SyncExecutor) snapshotObservers() []JobObserver {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return append([]JobObserver(nil), e.observers...)
}

func (e *SyncExecutor) notifyStart(cfg *model.ReplicationConfiguration, job *model.ReplicationJob) {
	for _, observer := range e.snapshotObservers() {
		observer.OnJobStart(cfg, job)
	}
}

func (e *SyncExecutor) notifyComplete(cfg *model.ReplicationConfiguration, job *model.ReplicationJob) {
	for _, observer := range e.snapshotObservers() {
		observer.OnJobComplete(cfg, job)
	}
}

func (e *SyncExecutor) notifyError(cfg *model.ReplicationConfiguration, job *model.ReplicationJob, err error) {
	for _, observer := range e.snapshotObservers() {
		observer.OnJobError(cfg, job, err)
	}
}

func (e *SyncExecutor) notifyConflict(cfg *model.ReplicationConfiguration, job *model.ReplicationJob, conflict *model.ReplicationConflict) {
	for _, observer := range e.snapshotObservers() {
		observer.OnConflict(cfg, job, conflict)
	}
}
