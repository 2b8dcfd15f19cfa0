// Package store 定义复制配置、任务和冲突记录的持久化接口。
// 实现负责把底层错误包装成 errs.IntegrationError，记录不存在时返回 errs.ErrNotFound。
package store

import (
	"context"

	"replication/internal/model"
)

// ConfigurationFilter 配置列表的过滤条件，零值表示全部
type ConfigurationFilter struct {
	OwnerID    string
	ActiveOnly bool
}

// Match 判断配置是否满足过滤条件
func (f ConfigurationFilter) Match(c *model.ReplicationConfiguration) bool {
	if f.OwnerID != "" && c.OwnerID != f.OwnerID {
		return false
	}
	if f.ActiveOnly && !c.IsActive {
		return false
	}
	return true
}

// JobFilter 任务列表的过滤条件，空字段不过滤
type JobFilter struct {
	ConfigurationID string
	Status          model.JobStatus
	JobType         model.JobType
}

func (f JobFilter) Match(j *model.ReplicationJob) bool {
	if f.ConfigurationID != "" && j.ConfigurationID != f.ConfigurationID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.JobType != "" && j.JobType != f.JobType {
		return false
	}
	return true
}

// Store 任务记录存储
type Store interface {
	InsertConfiguration(ctx context.Context, cfg *model.ReplicationConfiguration) error
	// UpdateConfiguration 应用 patch 并返回更新后的配置
	UpdateConfiguration(ctx context.Context, id string, patch model.ConfigurationPatch) (*model.ReplicationConfiguration, error)
	GetConfiguration(ctx context.Context, id string) (*model.ReplicationConfiguration, error)
	// ListConfigurations 按创建时间升序
	ListConfigurations(ctx context.Context, filter ConfigurationFilter) ([]*model.ReplicationConfiguration, error)

	InsertJob(ctx context.Context, job *model.ReplicationJob) error
	UpdateJob(ctx context.Context, id string, patch model.JobPatch) error
	// ListJobs 按创建时间升序
	ListJobs(ctx context.Context, filter JobFilter) ([]*model.ReplicationJob, error)

	InsertConflict(ctx context.Context, conflict *model.ReplicationConflict) error
	ListConflicts(ctx context.Context, configurationID string) ([]*model.ReplicationConflict, error)
}
