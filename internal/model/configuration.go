package model

import (
	"regexp"
	"strings"
	"time"

	"replication/internal/errs"
)

const (
	DefaultPrimaryKey  = "id"
	DefaultUpdateField = "updated_at"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier 表名和字段名会拼进 SQL，只允许普通标识符，最多带一段 schema 前缀
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

func validColumn(name string) bool {
	return ValidIdentifier(name) && !strings.Contains(name, ".")
}

// ConnectionDescriptor 描述如何连接源库或目标库，本身没有行为
type ConnectionDescriptor struct {
	Type             string `json:"type" gorm:"type:varchar(32)"`
	ConnectionString string `json:"connection_string" gorm:"type:text"`
	DatabaseName     string `json:"database_name" gorm:"type:varchar(128)"`
}

func (d ConnectionDescriptor) validate(field string) error {
	if strings.TrimSpace(d.Type) == "" {
		return errs.Validation(field+".type", "不能为空")
	}
	if strings.TrimSpace(d.ConnectionString) == "" {
		return errs.Validation(field+".connection_string", "不能为空")
	}
	return nil
}

// ReplicationConfiguration 用户的一组源库到目标库的复制关系
type ReplicationConfiguration struct {
	ID                 string               `json:"id" gorm:"type:varchar(50);primaryKey"`
	OwnerID            string               `json:"owner_id" gorm:"type:varchar(50);index"`
	Name               string               `json:"name" gorm:"type:varchar(100)"`
	Description        string               `json:"description" gorm:"type:text"`
	Source             ConnectionDescriptor `json:"source" gorm:"embedded;embeddedPrefix:source_"`
	Target             ConnectionDescriptor `json:"target" gorm:"embedded;embeddedPrefix:target_"`
	ReplicationType    ReplicationType      `json:"replication_type" gorm:"type:varchar(20)"`
	ReplicationMode    ReplicationMode      `json:"replication_mode" gorm:"type:varchar(20)"`
	TablesToReplicate  []string             `json:"tables_to_replicate" gorm:"type:text;serializer:json"`
	PrimaryKey         string               `json:"primary_key" gorm:"type:varchar(64)"`
	UpdateField        string               `json:"update_field" gorm:"type:varchar(64)"`
	ConflictResolution ConflictResolution   `json:"conflict_resolution" gorm:"type:varchar(20)"`
	IsActive           bool                 `json:"is_active" gorm:"index"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// TableName 指定表名
func (ReplicationConfiguration) TableName() string {
	return "replication_configurations"
}

// ApplyDefaults 补齐未填写的可选字段
func (c *ReplicationConfiguration) ApplyDefaults() {
	if c.ReplicationType == "" {
		c.ReplicationType = ReplicationMasterSlave
	}
	if c.ReplicationMode == "" {
		c.ReplicationMode = ModeBatch
	}
	if c.ConflictResolution == "" {
		c.ConflictResolution = SourceWins
	}
	if c.PrimaryKey == "" {
		c.PrimaryKey = DefaultPrimaryKey
	}
	if c.UpdateField == "" {
		c.UpdateField = DefaultUpdateField
	}
	c.TablesToReplicate = dedupeTables(c.TablesToReplicate)
}

// Validate 只做结构校验，数据库类型是否受支持由调用方结合驱动注册表判断
func (c *ReplicationConfiguration) Validate() error {
	if len(c.TablesToReplicate) == 0 {
		return errs.Validation("tables_to_replicate", "不能为空")
	}
	for _, t := range c.TablesToReplicate {
		if strings.TrimSpace(t) == "" {
			return errs.Validation("tables_to_replicate", "包含空表名")
		}
		if !ValidIdentifier(t) {
			return errs.Validation("tables_to_replicate", "非法的表名 %q", t)
		}
	}
	if !validColumn(c.KeyColumn()) {
		return errs.Validation("primary_key", "非法的字段名 %q", c.PrimaryKey)
	}
	if !validColumn(c.CursorColumn()) {
		return errs.Validation("update_field", "非法的字段名 %q", c.UpdateField)
	}
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if err := c.Target.validate("target"); err != nil {
		return err
	}
	if !c.ReplicationType.Valid() {
		return errs.Validation("replication_type", "不支持的复制类型 %q", c.ReplicationType)
	}
	if !c.ReplicationMode.Valid() {
		return errs.Validation("replication_mode", "不支持的复制模式 %q", c.ReplicationMode)
	}
	if !c.ConflictResolution.Valid() {
		return errs.Validation("conflict_resolution", "不支持的冲突策略 %q", c.ConflictResolution)
	}
	return nil
}

// KeyColumn 行主键字段
func (c *ReplicationConfiguration) KeyColumn() string {
	if c.PrimaryKey == "" {
		return DefaultPrimaryKey
	}
	return c.PrimaryKey
}

// CursorColumn 增量比较使用的更新时间字段
func (c *ReplicationConfiguration) CursorColumn() string {
	if c.UpdateField == "" {
		return DefaultUpdateField
	}
	return c.UpdateField
}

func (c *ReplicationConfiguration) Clone() *ReplicationConfiguration {
	if c == nil {
		return nil
	}
	out := *c
	out.TablesToReplicate = append([]string(nil), c.TablesToReplicate...)
	return &out
}

// ConfigurationPatch 部分更新，nil 字段保持不变
type ConfigurationPatch struct {
	Name               *string               `json:"name,omitempty"`
	Description        *string               `json:"description,omitempty"`
	Source             *ConnectionDescriptor `json:"source,omitempty"`
	Target             *ConnectionDescriptor `json:"target,omitempty"`
	ReplicationType    *ReplicationType      `json:"replication_type,omitempty"`
	ReplicationMode    *ReplicationMode      `json:"replication_mode,omitempty"`
	TablesToReplicate  *[]string             `json:"tables_to_replicate,omitempty"`
	PrimaryKey         *string               `json:"primary_key,omitempty"`
	UpdateField        *string               `json:"update_field,omitempty"`
	ConflictResolution *ConflictResolution   `json:"conflict_resolution,omitempty"`
	IsActive           *bool                 `json:"is_active,omitempty"`
}

func (p ConfigurationPatch) Apply(c *ReplicationConfiguration) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Source != nil {
		c.Source = *p.Source
	}
	if p.Target != nil {
		c.Target = *p.Target
	}
	if p.ReplicationType != nil {
		c.ReplicationType = *p.ReplicationType
	}
	if p.ReplicationMode != nil {
		c.ReplicationMode = *p.ReplicationMode
	}
	if p.TablesToReplicate != nil {
		c.TablesToReplicate = dedupeTables(*p.TablesToReplicate)
	}
	if p.PrimaryKey != nil {
		c.PrimaryKey = *p.PrimaryKey
	}
	if p.UpdateField != nil {
		c.UpdateField = *p.UpdateField
	}
	if p.ConflictResolution != nil {
		c.ConflictResolution = *p.ConflictResolution
	}
	if p.IsActive != nil {
		c.IsActive = *p.IsActive
	}
}

// ChangesSchedule 是否影响调度或同步行为
func (p ConfigurationPatch) ChangesSchedule() bool {
	return p.ReplicationMode != nil || p.ReplicationType != nil
}

// dedupeTables 去重并保持原有顺序
func dedupeTables(tables []string) []string {
	if tables == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(tables))
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		t = strings.TrimSpace(t)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
