// Package memstore 基于 go-memdb 的进程内存储，用于单机部署和测试。
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"replication/internal/errs"
	"replication/internal/model"
	"replication/internal/store"
)

const (
	tableConfigurations = "configurations"
	tableJobs           = "jobs"
	tableConflicts      = "conflicts"

	indexID            = "id"
	indexOwner         = "owner"
	indexConfiguration = "configuration"
)

// 每张表存一个包装记录，seq 保证列表按插入顺序返回
type configurationRow struct {
	ID      string
	OwnerID string
	Seq     uint64
	Value   *model.ReplicationConfiguration
}

type jobRow struct {
	ID              string
	ConfigurationID string
	Seq             uint64
	Value           *model.ReplicationJob
}

type conflictRow struct {
	ID              string
	ConfigurationID string
	Seq             uint64
	Value           *model.ReplicationConflict
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableConfigurations: {
				Name: tableConfigurations,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					indexOwner: {
						Name:         indexOwner,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "OwnerID"},
					},
				},
			},
			tableJobs: {
				Name: tableJobs,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					indexConfiguration: {
						Name:    indexConfiguration,
						Indexer: &memdb.StringFieldIndex{Field: "ConfigurationID"},
					},
				},
			},
			tableConflicts: {
				Name: tableConflicts,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					indexConfiguration: {
						Name:    indexConfiguration,
						Indexer: &memdb.StringFieldIndex{Field: "ConfigurationID"},
					},
				},
			},
		},
	}
}

type Store struct {
	db  *memdb.MemDB
	seq uint64
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("初始化内存存储失败: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) nextSeq() uint64 {
	return atomic.AddUint64(&s.seq, 1)
}

func (s *Store) InsertConfiguration(ctx context.Context, cfg *model.ReplicationConfiguration) error {
	if err := ctx.Err(); err != nil {
		return errs.Integration("保存配置", err)
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableConfigurations, indexID, cfg.ID)
	if err != nil {
		return errs.Integration("保存配置", err)
	}
	if existing != nil {
		return errs.Integration("保存配置", fmt.Errorf("配置 %s 已存在", cfg.ID))
	}
	now := s.now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	row := &configurationRow{ID: cfg.ID, OwnerID: cfg.OwnerID, Seq: s.nextSeq(), Value: cfg.Clone()}
	if err := txn.Insert(tableConfigurations, row); err != nil {
		return errs.Integration("保存配置", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) UpdateConfiguration(ctx context.Context, id string, patch model.ConfigurationPatch) (*model.ReplicationConfiguration, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Integration("更新配置", err)
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableConfigurations, indexID, id)
	if err != nil {
		return nil, errs.Integration("更新配置", err)
	}
	if raw == nil {
		return nil, errs.ErrNotFound
	}
	old := raw.(*configurationRow)
	cfg := old.Value.Clone()
	patch.Apply(cfg)
	cfg.UpdatedAt = s.now()

	row := &configurationRow{ID: cfg.ID, OwnerID: cfg.OwnerID, Seq: old.Seq, Value: cfg}
	if err := txn.Insert(tableConfigurations, row); err != nil {
		return nil, errs.Integration("更新配置", err)
	}
	txn.Commit()
	return cfg.Clone(), nil
}

func (s *Store) GetConfiguration(ctx context.Context, id string) (*model.ReplicationConfiguration, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Integration("查询配置", err)
	}
	txn := s.db.Txn(false)
	raw, err := txn.First(tableConfigurations, indexID, id)
	if err != nil {
		return nil, errs.Integration("查询配置", err)
	}
	if raw == nil {
		return nil, errs.ErrNotFound
	}
	return raw.(*configurationRow).Value.Clone(), nil
}

func (s *Store) ListConfigurations(ctx context.Context, filter store.ConfigurationFilter) ([]*model.ReplicationConfiguration, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Integration("查询配置列表", err)
	}
	txn := s.db.Txn(false)
	var (
		it  memdb.ResultIterator
		err error
	)
	if filter.OwnerID != "" {
		it, err = txn.Get(tableConfigurations, indexOwner, filter.OwnerID)
	} else {
		it, err = txn.Get(tableConfigurations, indexID)
	}
	if err != nil {
		return nil, errs.Integration("查询配置列表", err)
	}

	var rows []*configurationRow
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*configurationRow)
		if filter.Match(row.Value) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	out := make([]*model.ReplicationConfiguration, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Value.Clone())
	}
	return out, nil
}

func (s *Store) InsertJob(ctx context.Context, job *model.ReplicationJob) error {
	if err := ctx.Err(); err != nil {
		return errs.Integration("保存任务", err)
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableJobs, indexID, job.ID)
	if err != nil {
		return errs.Integration("保存任务", err)
	}
	if existing != nil {
		return errs.Integration("保存任务", fmt.Errorf("任务 %s 已存在", job.ID))
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	row := &jobRow{ID: job.ID, ConfigurationID: job.ConfigurationID, Seq: s.nextSeq(), Value: job.Clone()}
	if err := txn.Insert(tableJobs, row); err != nil {
		return errs.Integration("保存任务", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, id string, patch model.JobPatch) error {
	if err := ctx.Err(); err != nil {
		return errs.Integration("更新任务", err)
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableJobs, indexID, id)
	if err != nil {
		return errs.Integration("更新任务", err)
	}
	if raw == nil {
		return errs.ErrNotFound
	}
	old := raw.(*jobRow)
	job := old.Value.Clone()
	patch.Apply(job)
	job.UpdatedAt = s.now()

	row := &jobRow{ID: job.ID, ConfigurationID: job.ConfigurationID, Seq: old.Seq, Value: job}
	if err := txn.Insert(tableJobs, row); err != nil {
		return errs.Integration("更新任务", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*model.ReplicationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Integration("查询任务列表", err)
	}
	txn := s.db.Txn(false)
	var (
		it  memdb.ResultIterator
		err error
	)
	if filter.ConfigurationID != "" {
		it, err = txn.Get(tableJobs, indexConfiguration, filter.ConfigurationID)
	} else {
		it, err = txn.Get(tableJobs, indexID)
	}
	if err != nil {
		return nil, errs.Integration("查询任务列表", err)
	}

	var rows []*jobRow
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*jobRow)
		if filter.Match(row.Value) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	out := make([]*model.ReplicationJob, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Value.Clone())
	}
	return out, nil
}

func (s *Store) InsertConflict(ctx context.Context, conflict *model.ReplicationConflict) error {
	if err := ctx.Err(); err != nil {
		return errs.Integration("保存冲突记录", err)
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = s.now()
	}
	row := &conflictRow{ID: conflict.ID, ConfigurationID: conflict.ConfigurationID, Seq: s.nextSeq(), Value: conflict.Clone()}
	if err := txn.Insert(tableConflicts, row); err != nil {
		return errs.Integration("保存冲突记录", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) ListConflicts(ctx context.Context, configurationID string) ([]*model.ReplicationConflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Integration("查询冲突记录", err)
	}
	txn := s.db.Txn(false)
	it, err := txn.Get(tableConflicts, indexConfiguration, configurationID)
	if err != nil {
		return nil, errs.Integration("查询冲突记录", err)
	}
	var rows []*conflictRow
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rows = append(rows, raw.(*conflictRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	out := make([]*model.ReplicationConflict, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Value.Clone())
	}
	return out, nil
}
