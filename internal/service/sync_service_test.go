package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replication/internal/endpoint"
	"replication/internal/errs"
	"replication/internal/model"
	"replication/internal/store"
)

func TestInitialSyncIsIdempotent(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	for i := 1; i <= 3; i++ {
		h.src(cfg).Put("contacts", "id", contact(i, "c", past))
	}

	res, err := h.exec.RunInitialSync(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, res.Job.Status)
	assert.EqualValues(t, 3, res.Job.RecordsProcessed)
	assert.Equal(t, []string{"contacts"}, res.Job.TablesSynced)
	assert.Equal(t, model.SourceToTarget, res.Job.SyncMetadata.SyncDirection)
	require.NotNil(t, res.Job.SyncMetadata.LastSyncTimestamp)
	assert.Empty(t, res.Job.ErrorMessage)
	assert.Equal(t, 3, h.dst(cfg).Count("contacts"))

	// 再跑一次不会产生重复行
	res, err = h.exec.RunInitialSync(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, res.Job.Status)
	assert.Equal(t, 3, h.dst(cfg).Count("contacts"))
	assert.Zero(t, res.Job.SyncMetadata.ConflictsDetected)

	jobs, err := h.store.ListJobs(ctx, store.JobFilter{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 2, "每次调用只写一条任务记录")
	for _, j := range jobs {
		assert.Equal(t, model.JobCompleted, j.Status)
		assert.NotNil(t, j.StartedAt)
		assert.NotNil(t, j.CompletedAt)
	}

	started, completed, failed, _ := h.observer.counts()
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, completed)
	assert.Zero(t, failed)
}

func TestIncrementalSyncCursorIsMonotonic(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, nil)
	ctx := context.Background()

	h.src(cfg).Put("contacts", "id", contact(1, "a", time.Now().Add(-time.Hour)))
	initial, err := h.exec.RunInitialSync(ctx, cfg.ID)
	require.NoError(t, err)

	h.src(cfg).Put("contacts", "id", contact(2, "b", time.Now()))
	first, err := h.exec.RunIncrementalSync(ctx, cfg.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Job.RecordsProcessed, "只读取游标之后的变更")
	assert.Equal(t, 2, h.dst(cfg).Count("contacts"))

	second, err := h.exec.RunIncrementalSync(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Zero(t, second.Job.RecordsProcessed)

	c0 := *initial.Job.SyncMetadata.LastSyncTimestamp
	c1 := *first.Job.SyncMetadata.LastSyncTimestamp
	c2 := *second.Job.SyncMetadata.LastSyncTimestamp
	assert.False(t, c1.Before(c0))
	assert.False(t, c2.Before(c1))
}

func TestIncrementalWithoutHistoryReadsEverything(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, nil)

	h.src(cfg).Put("contacts", "id", contact(1, "a", time.Now().Add(-24*time.Hour)))
	res, err := h.exec.RunIncrementalSync(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Job.RecordsProcessed)
	assert.Equal(t, 1, h.dst(cfg).Count("contacts"))
}

// changeBothSides 初始同步后两端同时修改同一行
// 修改时间在初始同步之后，偏移量用于区分两端谁更新
func changeBothSides(t *testing.T, h *harness, cfg *model.ReplicationConfiguration, sourceOffset, targetOffset time.Duration) {
	t.Helper()
	h.src(cfg).Put("contacts", "id", contact(1, "original", time.Now().Add(-time.Hour)))
	_, err := h.exec.RunInitialSync(context.Background(), cfg.ID)
	require.NoError(t, err)

	now := time.Now()
	h.src(cfg).Put("contacts", "id", contact(1, "from-source", now.Add(sourceOffset)))
	h.dst(cfg).Put("contacts", "id", contact(1, "from-target", now.Add(targetOffset)))
}

func nameOf(t *testing.T, db *endpoint.MemoryDatabase) string {
	t.Helper()
	row, ok := db.Get("contacts", "1")
	require.True(t, ok)
	return endpoint.ValueString(row["name"])
}

func TestSourceWinsOverwritesTarget(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, func(c *model.ReplicationConfiguration) { c.ConflictResolution = model.SourceWins })
	changeBothSides(t, h, cfg, 0, time.Minute)

	res, err := h.exec.RunIncrementalSync(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "from-source", nameOf(t, h.dst(cfg)))
	assert.Equal(t, 1, res.Job.SyncMetadata.ConflictsDetected)
	assert.Equal(t, 1, res.Job.SyncMetadata.ConflictsResolved)
}

func TestManualConflictIsNotApplied(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, func(c *model.ReplicationConfiguration) { c.ConflictResolution = model.Manual })
	changeBothSides(t, h, cfg, 0, 0)

	res, err := h.exec.RunIncrementalSync(context.Background(), cfg.ID)
	require.NoError(t, err, "未解决的冲突不算任务失败")
	assert.Equal(t, model.JobCompleted, res.Job.Status)
	assert.Equal(t, "from-target", nameOf(t, h.dst(cfg)))
	assert.Equal(t, "from-source", nameOf(t, h.src(cfg)))
	assert.Equal(t, 1, res.Job.SyncMetadata.ConflictsDetected)
	assert.Zero(t, res.Job.SyncMetadata.ConflictsResolved)
	require.Len(t, res.Conflicts, 1)

	conflicts, err := h.store.ListConflicts(context.Background(), cfg.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "contacts", conflicts[0].Table)
	assert.Equal(t, "1", conflicts[0].PrimaryKey)
	assert.Equal(t, res.Job.ID, conflicts[0].JobID)
	assert.Contains(t, string(conflicts[0].SourceRow), "from-source")
	assert.Contains(t, string(conflicts[0].TargetRow), "from-target")
	assert.False(t, conflicts[0].Resolved)

	_, _, _, observed := h.observer.counts()
	assert.Equal(t, 1, observed)
}

func TestTargetWinsSkipsWrite(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, func(c *model.ReplicationConfiguration) { c.ConflictResolution = model.TargetWins })
	changeBothSides(t, h, cfg, time.Minute, 0)

	res, err := h.exec.RunIncrementalSync(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "from-target", nameOf(t, h.dst(cfg)))
	assert.Equal(t, "from-source", nameOf(t, h.src(cfg)), "master_slave 不写回源库")
	assert.Equal(t, 1, res.Job.SyncMetadata.ConflictsResolved)
}

func TestTimestampWinsAppliesNewer(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, func(c *model.ReplicationConfiguration) { c.ConflictResolution = model.TimestampWins })
	changeBothSides(t, h, cfg, time.Minute, 0)

	_, err := h.exec.RunIncrementalSync(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "from-source", nameOf(t, h.dst(cfg)), "源端更新")
}

func TestTimestampWinsMasterMasterPullsNewerTarget(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, func(c *model.ReplicationConfiguration) {
		c.ReplicationType = model.ReplicationMasterMaster
		c.ConflictResolution = model.TimestampWins
	})
	changeBothSides(t, h, cfg, 0, time.Minute)

	res, err := h.exec.RunIncrementalSync(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "from-target", nameOf(t, h.src(cfg)))
	assert.Equal(t, "from-target", nameOf(t, h.dst(cfg)))
	assert.Equal(t, model.Bidirectional, res.Job.SyncMetadata.SyncDirection)
}

func TestMasterMasterCopiesTargetChangesBack(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, func(c *model.ReplicationConfiguration) { c.ReplicationType = model.ReplicationMasterMaster })
	ctx := context.Background()

	h.src(cfg).Put("contacts", "id", contact(1, "a", time.Now().Add(-time.Hour)))
	initial, err := h.exec.RunInitialSync(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceToTarget, initial.Job.SyncMetadata.SyncDirection, "初始同步只从源到目标")

	h.dst(cfg).Put("contacts", "id", contact(2, "written-on-target", time.Now()))
	h.src(cfg).Put("contacts", "id", contact(3, "written-on-source", time.Now()))

	res, err := h.exec.RunIncrementalSync(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Bidirectional, res.Job.SyncMetadata.SyncDirection)
	assert.EqualValues(t, 2, res.Job.RecordsProcessed)
	assert.Equal(t, 3, h.src(cfg).Count("contacts"))
	assert.Equal(t, 3, h.dst(cfg).Count("contacts"))
}

func TestPartialFailureKeepsSucceededTables(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, func(c *model.ReplicationConfiguration) {
		c.TablesToReplicate = []string{"contacts", "deals", "notes"}
	})
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	h.src(cfg).Put("contacts", "id", contact(1, "a", past))
	h.src(cfg).Put("deals", "id", contact(1, "d", past))
	h.src(cfg).Put("notes", "id", contact(1, "n", past))
	h.dst(cfg).SetFailure("deals", errors.New("table is locked"))

	res, err := h.exec.RunInitialSync(ctx, cfg.ID)
	require.Error(t, err)
	assert.Equal(t, model.JobFailed, res.Job.Status)
	assert.Equal(t, []string{"contacts", "notes"}, res.Job.TablesSynced)
	assert.Contains(t, res.Job.ErrorMessage, "deals")
	assert.Contains(t, res.Job.ErrorMessage, "table is locked")
	assert.Nil(t, res.Job.SyncMetadata.LastSyncTimestamp, "失败的任务不推进游标")
	assert.Equal(t, 1, h.dst(cfg).Count("contacts"), "已完成的表不回滚")

	jobs, err := h.store.ListJobs(ctx, store.JobFilter{ConfigurationID: cfg.ID, Status: model.JobFailed})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.NotNil(t, jobs[0].CompletedAt)

	_, _, failed, _ := h.observer.counts()
	assert.Equal(t, 1, failed)
}

func TestRunTimeoutFailsJob(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, nil)
	h.src(cfg).SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := h.exec.RunIncrementalSync(ctx, cfg.ID)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
	assert.Equal(t, model.JobFailed, res.Job.Status)

	// 终态在 ctx 超时之后仍然写入
	jobs, err := h.store.ListJobs(context.Background(), store.JobFilter{ConfigurationID: cfg.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].ErrorMessage, "超时")
}

func TestMissingConfigurationFailsJob(t *testing.T) {
	h := newHarness(t)

	res, err := h.exec.RunIncrementalSync(context.Background(), "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NotNil(t, res)
	assert.Equal(t, model.JobFailed, res.Job.Status)

	started, _, failed, _ := h.observer.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, failed)
}

func TestUnknownEndpointTypeFailsJob(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, func(c *model.ReplicationConfiguration) { c.Target.Type = "oracle" })

	res, err := h.exec.RunInitialSync(context.Background(), cfg.ID)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Equal(t, model.JobFailed, res.Job.Status)
	assert.Empty(t, res.Job.TablesSynced)
}

func TestCustomPrimaryKey(t *testing.T) {
	h := newHarness(t)
	cfg := h.insert(t, func(c *model.ReplicationConfiguration) { c.PrimaryKey = "uid" })

	past := time.Now().Add(-time.Hour)
	h.src(cfg).Put("contacts", "uid", endpoint.Row{"uid": "u1", "updated_at": past})

	res, err := h.exec.RunInitialSync(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Job.RecordsProcessed)
	_, ok := h.dst(cfg).Get("contacts", "u1")
	assert.True(t, ok)
}
