package model

// ReplicationType 复制拓扑
type ReplicationType string

const (
	ReplicationMasterSlave  ReplicationType = "master_slave"
	ReplicationMasterMaster ReplicationType = "master_master"
	ReplicationSnapshot     ReplicationType = "snapshot"
	ReplicationStreaming    ReplicationType = "streaming"
)

func (t ReplicationType) Valid() bool {
	switch t {
	case ReplicationMasterSlave, ReplicationMasterMaster, ReplicationSnapshot, ReplicationStreaming:
		return true
	}
	return false
}

// ReplicationMode 同步节奏
type ReplicationMode string

const (
	ModeRealTime  ReplicationMode = "real_time"
	ModeBatch     ReplicationMode = "batch"
	ModeScheduled ReplicationMode = "scheduled"
)

func (m ReplicationMode) Valid() bool {
	switch m {
	case ModeRealTime, ModeBatch, ModeScheduled:
		return true
	}
	return false
}

// ConflictResolution 冲突解决策略
type ConflictResolution string

const (
	SourceWins    ConflictResolution = "source_wins"
	TargetWins    ConflictResolution = "target_wins"
	TimestampWins ConflictResolution = "timestamp_wins"
	Manual        ConflictResolution = "manual"
)

func (c ConflictResolution) Valid() bool {
	switch c {
	case SourceWins, TargetWins, TimestampWins, Manual:
		return true
	}
	return false
}

type JobType string

const (
	JobInitialSync     JobType = "initial_sync"
	JobIncrementalSync JobType = "incremental_sync"
	JobFullSync        JobType = "full_sync"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPaused    JobStatus = "paused"
)

// Finished 是否为终态
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed
}

type SyncDirection string

const (
	SourceToTarget SyncDirection = "source_to_target"
	TargetToSource SyncDirection = "target_to_source"
	Bidirectional  SyncDirection = "bidirectional"
)

type Health string

const (
	Healthy  Health = "healthy"
	Warning  Health = "warning"
	Critical Health = "critical"
)
