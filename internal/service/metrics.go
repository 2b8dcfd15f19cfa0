package service

import (
	"context"
	"sort"
	"time"

	"replication/internal/model"
	"replication/internal/store"
)

const (
	// 最近连续失败多少次判定为 critical
	criticalStreak = 3
	// 失败任务占比达到多少判定为 warning
	warningFailureRatio = 0.25
)

// MetricsAggregator 每次查询时根据配置和任务记录重新计算指标
type MetricsAggregator struct {
	store store.Store
	now   func() time.Time
}

func NewMetricsAggregator(st store.Store) *MetricsAggregator {
	return &MetricsAggregator{store: st, now: time.Now}
}

// GetMetrics 汇总某个用户的复制指标，没有配置时返回零值和 healthy
func (m *MetricsAggregator) GetMetrics(ctx context.Context, ownerID string) (*model.ReplicationMetrics, error) {
	metrics := &model.ReplicationMetrics{ReplicationHealth: model.Healthy}

	cfgs, err := m.store.ListConfigurations(ctx, store.ConfigurationFilter{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	metrics.TotalConfigurations = len(cfgs)

	now := m.now()
	var totalDuration time.Duration
	var timed int
	var critical, warning bool

	for _, cfg := range cfgs {
		if cfg.IsActive {
			metrics.ActiveConfigurations++
		}
		jobs, err := m.store.ListJobs(ctx, store.JobFilter{ConfigurationID: cfg.ID})
		if err != nil {
			return nil, err
		}

		var finished []*model.ReplicationJob
		var cursor *time.Time
		for _, job := range jobs {
			metrics.TotalRecordsReplicated += job.RecordsProcessed
			switch job.Status {
			case model.JobCompleted:
				metrics.SuccessfulSyncs++
				if d, ok := job.Duration(); ok {
					totalDuration += d
					timed++
				}
				if c := job.CompletedAt; c != nil && (metrics.LastSyncDate == nil || c.After(*metrics.LastSyncDate)) {
					last := *c
					metrics.LastSyncDate = &last
				}
				if ts := job.SyncMetadata.LastSyncTimestamp; ts != nil && (cursor == nil || ts.After(*cursor)) {
					cursor = ts
				}
			case model.JobFailed:
				metrics.FailedSyncs++
			default:
				continue
			}
			finished = append(finished, job)
		}

		if cursor != nil {
			if lag := now.Sub(*cursor).Seconds(); lag > metrics.DataLagSeconds {
				metrics.DataLagSeconds = lag
			}
		}
		if streak := failedStreak(finished); streak >= criticalStreak {
			critical = true
		} else if streak > 0 {
			warning = true
		}
	}

	if timed > 0 {
		metrics.AverageSyncDuration = totalDuration.Seconds() / float64(timed)
	}
	if total := metrics.SuccessfulSyncs + metrics.FailedSyncs; total > 0 {
		if float64(metrics.FailedSyncs)/float64(total) >= warningFailureRatio {
			warning = true
		}
	}

	switch {
	case critical:
		metrics.ReplicationHealth = model.Critical
	case warning:
		metrics.ReplicationHealth = model.Warning
	}
	return metrics, nil
}

// failedStreak 按完成时间倒数，最近连续失败的任务数
func failedStreak(finished []*model.ReplicationJob) int {
	sorted := make([]*model.ReplicationJob, len(finished))
	copy(sorted, finished)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].CompletedAt, sorted[j].CompletedAt
		if a == nil || b == nil {
			return false
		}
		return a.Before(*b)
	})

	streak := 0
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Status != model.JobFailed {
			break
		}
		streak++
	}
	return streak
}
