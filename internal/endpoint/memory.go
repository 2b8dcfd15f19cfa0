package endpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"replication/internal/model"
)

// MemoryDriver 进程内的表存储，按连接串区分数据库，用于演示和测试
type MemoryDriver struct {
	mu  sync.Mutex
	dbs map[string]*MemoryDatabase
}

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{dbs: make(map[string]*MemoryDatabase)}
}

// Database 返回（必要时创建）连接串对应的数据库
func (d *MemoryDriver) Database(name string) *MemoryDatabase {
	d.mu.Lock()
	defer d.mu.Unlock()
	db, ok := d.dbs[name]
	if !ok {
		db = &MemoryDatabase{
			tables:   make(map[string]map[string]Row),
			failures: make(map[string]error),
		}
		d.dbs[name] = db
	}
	return db
}

func (d *MemoryDriver) Open(_ context.Context, desc model.ConnectionDescriptor, opts Options) (Handle, error) {
	return &memoryHandle{db: d.Database(desc.ConnectionString), opts: opts.withDefaults()}, nil
}

type MemoryDatabase struct {
	mu       sync.RWMutex
	tables   map[string]map[string]Row
	failures map[string]error
	latency  time.Duration
}

// Put 直接写入一行，不经过同步流程
func (db *MemoryDatabase) Put(table, keyColumn string, row Row) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.put(table, keyColumn, row)
}

func (db *MemoryDatabase) put(table, keyColumn string, row Row) {
	key, ok := KeyOf(row, keyColumn)
	if !ok {
		return
	}
	t, ok := db.tables[table]
	if !ok {
		t = make(map[string]Row)
		db.tables[table] = t
	}
	t[key] = copyRow(row)
}

// Get 按主键读取一行
func (db *MemoryDatabase) Get(table, key string) (Row, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	r, ok := db.tables[table][key]
	if !ok {
		return nil, false
	}
	return copyRow(r), true
}

// Count 表的行数
func (db *MemoryDatabase) Count(table string) int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.tables[table])
}

// SetFailure 之后对该表的读写都返回 err，传 nil 清除
func (db *MemoryDatabase) SetFailure(table string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err == nil {
		delete(db.failures, table)
		return
	}
	db.failures[table] = err
}

// SetLatency 模拟每次读取的网络耗时
func (db *MemoryDatabase) SetLatency(d time.Duration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.latency = d
}

func (db *MemoryDatabase) wait(ctx context.Context) error {
	db.mu.RLock()
	d := db.latency
	db.mu.RUnlock()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type memoryHandle struct {
	db   *MemoryDatabase
	opts Options
}

func (h *memoryHandle) ReadChangedRows(ctx context.Context, table string, since time.Time) ([]Row, error) {
	if err := h.db.wait(ctx); err != nil {
		return nil, err
	}
	h.db.mu.RLock()
	defer h.db.mu.RUnlock()
	if err := h.db.failures[table]; err != nil {
		return nil, err
	}
	var rows []Row
	for _, r := range h.db.tables[table] {
		if !since.IsZero() {
			ts, ok := ParseTime(r[h.opts.UpdateField])
			if !ok || !ts.After(since) {
				continue
			}
		}
		rows = append(rows, copyRow(r))
	}
	field := h.opts.UpdateField
	key := h.opts.KeyColumn
	sort.SliceStable(rows, func(i, j int) bool {
		ti, _ := ParseTime(rows[i][field])
		tj, _ := ParseTime(rows[j][field])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ValueString(rows[i][key]) < ValueString(rows[j][key])
	})
	return rows, nil
}

func (h *memoryHandle) UpsertRows(ctx context.Context, table string, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	if err := h.db.failures[table]; err != nil {
		return err
	}
	for _, r := range rows {
		h.db.put(table, h.opts.KeyColumn, r)
	}
	return nil
}

func (h *memoryHandle) Close() error { return nil }

func copyRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
