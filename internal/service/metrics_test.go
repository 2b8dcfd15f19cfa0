package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replication/internal/model"
)

var metricsNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// addJob 写入一条已结束的任务，start 为相对 metricsNow 的偏移
func (h *harness) addJob(t *testing.T, cfg *model.ReplicationConfiguration, status model.JobStatus, start, took time.Duration, records int64) {
	t.Helper()
	job := model.NewJob(cfg.ID, model.JobIncrementalSync, model.SourceToTarget)
	require.NoError(t, h.store.InsertJob(context.Background(), job))

	startedAt := metricsNow.Add(start)
	patch, err := job.Start(startedAt)
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateJob(context.Background(), job.ID, patch))
	if status == model.JobRunning {
		return
	}

	job.RecordsProcessed = records
	if status == model.JobCompleted {
		job.SyncMetadata.LastSyncTimestamp = &startedAt
		patch, err = job.Complete(startedAt.Add(took))
	} else {
		patch, err = job.Fail(startedAt.Add(took), assert.AnError)
	}
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateJob(context.Background(), job.ID, patch))
}

func (h *harness) aggregator() *MetricsAggregator {
	m := NewMetricsAggregator(h.store)
	m.now = func() time.Time { return metricsNow }
	return m
}

func TestMetricsForOwnerWithoutConfigurations(t *testing.T) {
	h := newHarness(t)

	metrics, err := h.aggregator().GetMetrics(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, model.ReplicationMetrics{ReplicationHealth: model.Healthy}, *metrics)
}

func TestMetricsAggregatesJobs(t *testing.T) {
	h := newHarness(t)
	a := h.insert(t, func(c *model.ReplicationConfiguration) { c.IsActive = true })
	b := h.insert(t, nil)
	h.insert(t, func(c *model.ReplicationConfiguration) { c.OwnerID = "someone-else" })

	h.addJob(t, a, model.JobCompleted, -time.Hour, 10*time.Second, 100)
	h.addJob(t, a, model.JobCompleted, -30*time.Minute, 20*time.Second, 50)
	h.addJob(t, b, model.JobCompleted, -10*time.Minute, 30*time.Second, 25)
	h.addJob(t, b, model.JobRunning, -time.Minute, 0, 0)

	metrics, err := h.aggregator().GetMetrics(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.TotalConfigurations)
	assert.Equal(t, 1, metrics.ActiveConfigurations)
	assert.Equal(t, 3, metrics.SuccessfulSyncs)
	assert.Zero(t, metrics.FailedSyncs)
	assert.InDelta(t, 20.0, metrics.AverageSyncDuration, 0.001)
	assert.EqualValues(t, 175, metrics.TotalRecordsReplicated)
	require.NotNil(t, metrics.LastSyncDate)
	assert.Equal(t, metricsNow.Add(-10*time.Minute+30*time.Second), *metrics.LastSyncDate)
	// 配置 a 的游标最旧：30 分钟前
	assert.InDelta(t, 1800, metrics.DataLagSeconds, 0.001)
	assert.Equal(t, model.Healthy, metrics.ReplicationHealth)
}

func TestMetricsWarningOnLatestFailure(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, nil)
	for i := 0; i < 8; i++ {
		h.addJob(t, cfg, model.JobCompleted, time.Duration(-60+i)*time.Minute, time.Second, 1)
	}
	h.addJob(t, cfg, model.JobFailed, -time.Minute, time.Second, 0)

	metrics, err := h.aggregator().GetMetrics(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.FailedSyncs)
	assert.Equal(t, model.Warning, metrics.ReplicationHealth)
}

func TestMetricsRecoveredAfterFailure(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, nil)
	for i := 0; i < 8; i++ {
		h.addJob(t, cfg, model.JobCompleted, time.Duration(-60+i)*time.Minute, time.Second, 1)
	}
	h.addJob(t, cfg, model.JobFailed, -5*time.Minute, time.Second, 0)
	h.addJob(t, cfg, model.JobCompleted, -time.Minute, time.Second, 1)

	metrics, err := h.aggregator().GetMetrics(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, model.Healthy, metrics.ReplicationHealth, "失败之后已有成功")
}

func TestMetricsWarningOnFailureRatio(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, nil)
	h.addJob(t, cfg, model.JobFailed, -40*time.Minute, time.Second, 0)
	h.addJob(t, cfg, model.JobCompleted, -30*time.Minute, time.Second, 1)
	h.addJob(t, cfg, model.JobCompleted, -20*time.Minute, time.Second, 1)
	h.addJob(t, cfg, model.JobCompleted, -10*time.Minute, time.Second, 1)

	metrics, err := h.aggregator().GetMetrics(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, model.Warning, metrics.ReplicationHealth)
}

func TestMetricsCriticalOnSustainedFailures(t *testing.T) {
	h := newHarness(t)
	healthy := h.insert(t, nil)
	broken := h.insert(t, nil)
	for i := 0; i < 20; i++ {
		h.addJob(t, healthy, model.JobCompleted, time.Duration(-60+i)*time.Minute, time.Second, 1)
	}
	h.addJob(t, broken, model.JobCompleted, -30*time.Minute, time.Second, 1)
	for i := 3; i > 0; i-- {
		h.addJob(t, broken, model.JobFailed, time.Duration(-i)*time.Minute, time.Second, 0)
	}

	metrics, err := h.aggregator().GetMetrics(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 3, metrics.FailedSyncs)
	assert.Equal(t, model.Critical, metrics.ReplicationHealth)
}
