package model

import (
	"time"

	"gorm.io/datatypes"
)

// ReplicationConflict manual 策略下记录的冲突行，等待人工处理
type ReplicationConflict struct {
	ID              string         `json:"id" gorm:"type:varchar(50);primaryKey"`
	ConfigurationID string         `json:"configuration_id" gorm:"type:varchar(50);not null;index"`
	JobID           string         `json:"job_id" gorm:"type:varchar(50);index"`
	Table           string         `json:"table_name" gorm:"column:table_name;type:varchar(128)"`
	PrimaryKey      string         `json:"primary_key" gorm:"type:varchar(255)"`
	SourceRow       datatypes.JSON `json:"source_row"`
	TargetRow       datatypes.JSON `json:"target_row"`
	Resolved        bool           `json:"resolved"`
	DetectedAt      time.Time      `json:"detected_at"`
}

// TableName 指定表名
func (ReplicationConflict) TableName() string {
	return "replication_conflicts"
}

func (c *ReplicationConflict) Clone() *ReplicationConflict {
	if c == nil {
		return nil
	}
	out := *c
	out.SourceRow = append(datatypes.JSON(nil), c.SourceRow...)
	out.TargetRow = append(datatypes.JSON(nil), c.TargetRow...)
	return &out
}

// ReplicationMetrics 按用户汇总的复制指标，每次查询时重新计算
type ReplicationMetrics struct {
	TotalConfigurations    int        `json:"total_configurations"`
	ActiveConfigurations   int        `json:"active_configurations"`
	SuccessfulSyncs        int        `json:"successful_syncs"`
	FailedSyncs            int        `json:"failed_syncs"`
	AverageSyncDuration    float64    `json:"average_sync_duration_seconds"`
	DataLagSeconds         float64    `json:"data_lag_seconds"`
	ReplicationHealth      Health     `json:"replication_health"`
	LastSyncDate           *time.Time `json:"last_sync_date,omitempty"`
	TotalRecordsReplicated int64      `json:"total_records_replicated"`
}
