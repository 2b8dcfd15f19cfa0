// Package gormstore 用 gorm + MySQL 持久化复制配置、任务和冲突记录
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"replication/internal/config"
	"replication/internal/errs"
	"replication/internal/model"
	"replication/internal/store"
)

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open 连接元数据库，连接池参数与同步端保持一致
func Open(conn config.DBConnection) (*Store, error) {
	db, err := gorm.Open(mysql.Open(conn.GetDSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errs.Integration("连接元数据库", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errs.Integration("连接元数据库", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return New(db), nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 创建或更新三张元数据表
func (s *Store) AutoMigrate() error {
	err := s.db.AutoMigrate(
		&model.ReplicationConfiguration{},
		&model.ReplicationJob{},
		&model.ReplicationConflict{},
	)
	return errs.Integration("迁移元数据表", err)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// wrap 统一错误类型
func wrap(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.ErrNotFound
	}
	return errs.Integration(op, err)
}

func (s *Store) InsertConfiguration(ctx context.Context, cfg *model.ReplicationConfiguration) error {
	return wrap("保存配置", s.db.WithContext(ctx).Create(cfg).Error)
}

func (s *Store) UpdateConfiguration(ctx context.Context, id string, patch model.ConfigurationPatch) (*model.ReplicationConfiguration, error) {
	var cfg model.ReplicationConfiguration
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&cfg).Error; err != nil {
			return err
		}
		patch.Apply(&cfg)
		return tx.Save(&cfg).Error
	})
	if err != nil {
		return nil, wrap("更新配置", err)
	}
	return &cfg, nil
}

func (s *Store) GetConfiguration(ctx context.Context, id string) (*model.ReplicationConfiguration, error) {
	var cfg model.ReplicationConfiguration
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&cfg).Error; err != nil {
		return nil, wrap("查询配置", err)
	}
	return &cfg, nil
}

func (s *Store) ListConfigurations(ctx context.Context, filter store.ConfigurationFilter) ([]*model.ReplicationConfiguration, error) {
	q := s.db.WithContext(ctx).Model(&model.ReplicationConfiguration{})
	if filter.OwnerID != "" {
		q = q.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []*model.ReplicationConfiguration
	if err := q.Order("created_at").Find(&out).Error; err != nil {
		return nil, wrap("查询配置列表", err)
	}
	return out, nil
}

func (s *Store) InsertJob(ctx context.Context, job *model.ReplicationJob) error {
	return wrap("保存任务", s.db.WithContext(ctx).Create(job).Error)
}

// UpdateJob 在事务里读出任务、应用 patch 再整行写回
func (s *Store) UpdateJob(ctx context.Context, id string, patch model.JobPatch) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.ReplicationJob
		if err := tx.Where("id = ?", id).Take(&job).Error; err != nil {
			return err
		}
		patch.Apply(&job)
		return tx.Save(&job).Error
	})
	return wrap(fmt.Sprintf("更新任务 %s", id), err)
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*model.ReplicationJob, error) {
	q := s.db.WithContext(ctx).Model(&model.ReplicationJob{})
	if filter.ConfigurationID != "" {
		q = q.Where("configuration_id = ?", filter.ConfigurationID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.JobType != "" {
		q = q.Where("job_type = ?", filter.JobType)
	}
	var out []*model.ReplicationJob
	if err := q.Order("created_at").Find(&out).Error; err != nil {
		return nil, wrap("查询任务列表", err)
	}
	return out, nil
}

func (s *Store) InsertConflict(ctx context.Context, conflict *model.ReplicationConflict) error {
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = time.Now()
	}
	return wrap("保存冲突记录", s.db.WithContext(ctx).Create(conflict).Error)
}

func (s *Store) ListConflicts(ctx context.Context, configurationID string) ([]*model.ReplicationConflict, error) {
	var out []*model.ReplicationConflict
	err := s.db.WithContext(ctx).
		Where("configuration_id = ?", configurationID).
		Order("detected_at").
		Find(&out).Error
	if err != nil {
		return nil, wrap("查询冲突记录", err)
	}
	return out, nil
}
