package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncMetadata 单次任务的同步元数据
type SyncMetadata struct {
	LastSyncTimestamp *time.Time    `json:"last_sync_timestamp,omitempty"`
	SyncDirection     SyncDirection `json:"sync_direction" gorm:"type:varchar(20)"`
	ConflictsDetected int           `json:"conflicts_detected"`
	ConflictsResolved int           `json:"conflicts_resolved"`
}

// ReplicationJob 一次同步执行记录，只属于一个配置
type ReplicationJob struct {
	ID               string       `json:"id" gorm:"type:varchar(50);primaryKey"`
	ConfigurationID  string       `json:"configuration_id" gorm:"type:varchar(50);not null;index"`
	JobType          JobType      `json:"job_type" gorm:"type:varchar(20);index"`
	Status           JobStatus    `json:"status" gorm:"type:varchar(20);index"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	RecordsProcessed int64        `json:"records_processed"`
	RecordsFailed    int64        `json:"records_failed"`
	TablesSynced     []string     `json:"tables_synced" gorm:"type:text;serializer:json"`
	ErrorMessage     string       `json:"error_message,omitempty" gorm:"type:text"`
	SyncMetadata     SyncMetadata `json:"sync_metadata" gorm:"embedded;embeddedPrefix:meta_"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// TableName 指定表名
func (ReplicationJob) TableName() string {
	return "replication_jobs"
}

// NewJob 创建处于 queued 状态的任务
func NewJob(configurationID string, jobType JobType, direction SyncDirection) *ReplicationJob {
	return &ReplicationJob{
		ID:              uuid.NewString(),
		ConfigurationID: configurationID,
		JobType:         jobType,
		Status:          JobQueued,
		SyncMetadata:    SyncMetadata{SyncDirection: direction},
	}
}

// Duration 已完成任务的耗时
func (j *ReplicationJob) Duration() (time.Duration, bool) {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0, false
	}
	return j.CompletedAt.Sub(*j.StartedAt), true
}

func (j *ReplicationJob) Clone() *ReplicationJob {
	if j == nil {
		return nil
	}
	out := *j
	out.TablesSynced = append([]string(nil), j.TablesSynced...)
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	out.SyncMetadata.LastSyncTimestamp = cloneTime(j.SyncMetadata.LastSyncTimestamp)
	return &out
}

// JobPatch 任务的部分更新，nil 字段保持不变
type JobPatch struct {
	Status           *JobStatus
	StartedAt        *time.Time
	CompletedAt      *time.Time
	RecordsProcessed *int64
	RecordsFailed    *int64
	TablesSynced     *[]string
	ErrorMessage     *string
	SyncMetadata     *SyncMetadata
}

func (p JobPatch) Apply(j *ReplicationJob) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.StartedAt != nil {
		j.StartedAt = cloneTime(p.StartedAt)
	}
	if p.CompletedAt != nil {
		j.CompletedAt = cloneTime(p.CompletedAt)
	}
	if p.RecordsProcessed != nil {
		j.RecordsProcessed = *p.RecordsProcessed
	}
	if p.RecordsFailed != nil {
		j.RecordsFailed = *p.RecordsFailed
	}
	if p.TablesSynced != nil {
		j.TablesSynced = append([]string(nil), (*p.TablesSynced)...)
	}
	if p.ErrorMessage != nil {
		j.ErrorMessage = *p.ErrorMessage
	}
	if p.SyncMetadata != nil {
		meta := *p.SyncMetadata
		meta.LastSyncTimestamp = cloneTime(p.SyncMetadata.LastSyncTimestamp)
		j.SyncMetadata = meta
	}
}

// InvalidTransitionError 非法的状态流转
type InvalidTransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("任务 %s 不允许从 %s 变更为 %s", e.JobID, e.From, e.To)
}

// 合法流转: queued->running->{completed,failed}, running<->paused
var transitions = map[JobStatus][]JobStatus{
	JobQueued:  {JobRunning},
	JobRunning: {JobCompleted, JobFailed, JobPaused},
	JobPaused:  {JobRunning},
}

func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (j *ReplicationJob) transition(to JobStatus) error {
	if !CanTransition(j.Status, to) {
		return &InvalidTransitionError{JobID: j.ID, From: j.Status, To: to}
	}
	j.Status = to
	return nil
}

// Start queued -> running
func (j *ReplicationJob) Start(at time.Time) (JobPatch, error) {
	if j.Status != JobQueued {
		return JobPatch{}, &InvalidTransitionError{JobID: j.ID, From: j.Status, To: JobRunning}
	}
	if err := j.transition(JobRunning); err != nil {
		return JobPatch{}, err
	}
	j.StartedAt = &at
	return JobPatch{Status: statusPtr(j.Status), StartedAt: &at}, nil
}

// Pause running -> paused，暂停的任务没有完成时间
func (j *ReplicationJob) Pause() (JobPatch, error) {
	if j.Status != JobRunning {
		return JobPatch{}, &InvalidTransitionError{JobID: j.ID, From: j.Status, To: JobPaused}
	}
	if err := j.transition(JobPaused); err != nil {
		return JobPatch{}, err
	}
	return JobPatch{Status: statusPtr(j.Status)}, nil
}

// Resume paused -> running
func (j *ReplicationJob) Resume() (JobPatch, error) {
	if j.Status != JobPaused {
		return JobPatch{}, &InvalidTransitionError{JobID: j.ID, From: j.Status, To: JobRunning}
	}
	if err := j.transition(JobRunning); err != nil {
		return JobPatch{}, err
	}
	return JobPatch{Status: statusPtr(j.Status)}, nil
}

// Complete running -> completed，同时带上本次的统计结果
func (j *ReplicationJob) Complete(at time.Time) (JobPatch, error) {
	if err := j.transition(JobCompleted); err != nil {
		return JobPatch{}, err
	}
	j.CompletedAt = &at
	j.ErrorMessage = ""
	return j.resultPatch(), nil
}

// Fail running -> failed，error_message 只在失败时存在
func (j *ReplicationJob) Fail(at time.Time, cause error) (JobPatch, error) {
	if err := j.transition(JobFailed); err != nil {
		return JobPatch{}, err
	}
	j.CompletedAt = &at
	if cause != nil {
		j.ErrorMessage = cause.Error()
	} else {
		j.ErrorMessage = "unknown error"
	}
	return j.resultPatch(), nil
}

func (j *ReplicationJob) resultPatch() JobPatch {
	tables := append([]string(nil), j.TablesSynced...)
	meta := j.SyncMetadata
	meta.LastSyncTimestamp = cloneTime(j.SyncMetadata.LastSyncTimestamp)
	processed, failed, msg := j.RecordsProcessed, j.RecordsFailed, j.ErrorMessage
	return JobPatch{
		Status:           statusPtr(j.Status),
		CompletedAt:      cloneTime(j.CompletedAt),
		RecordsProcessed: &processed,
		RecordsFailed:    &failed,
		TablesSynced:     &tables,
		ErrorMessage:     &msg,
		SyncMetadata:     &meta,
	}
}

func statusPtr(s JobStatus) *JobStatus { return &s }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
