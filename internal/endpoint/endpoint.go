// Package endpoint 把连接描述解析成可读写的数据库句柄。
// 同步引擎只依赖两种能力：读取某个游标之后变更过的行、按主键 upsert 行。
package endpoint

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"replication/internal/errs"
	"replication/internal/model"
)

// Row 一行数据，字段名 -> 值
type Row map[string]interface{}

// Options 打开句柄时的表级约定
type Options struct {
	KeyColumn   string
	UpdateField string
	BatchSize   int
}

func (o Options) withDefaults() Options {
	if o.KeyColumn == "" {
		o.KeyColumn = model.DefaultPrimaryKey
	}
	if o.UpdateField == "" {
		o.UpdateField = model.DefaultUpdateField
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	return o
}

// Handle 已连接的数据库
type Handle interface {
	// ReadChangedRows 返回 update 字段晚于 since 的行，since 为零值时返回全表
	ReadChangedRows(ctx context.Context, table string, since time.Time) ([]Row, error)
	// UpsertRows 按主键写入，已存在则覆盖
	UpsertRows(ctx context.Context, table string, rows []Row) error
	Close() error
}

// Driver 打开某一类数据库
type Driver interface {
	Open(ctx context.Context, desc model.ConnectionDescriptor, opts Options) (Handle, error)
}

type DriverFunc func(ctx context.Context, desc model.ConnectionDescriptor, opts Options) (Handle, error)

func (f DriverFunc) Open(ctx context.Context, desc model.ConnectionDescriptor, opts Options) (Handle, error) {
	return f(ctx, desc, opts)
}

// Registry 数据库类型 -> 驱动
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// NewDefaultRegistry 注册所有内置驱动
func NewDefaultRegistry(logger logrus.FieldLogger) *Registry {
	r := NewRegistry()
	r.Register("mysql", NewMySQLDriver(logger))
	pg := NewPostgresDriver()
	r.Register("postgresql", pg)
	r.Register("postgres", pg)
	r.Register("yugabytedb", pg)
	r.Register("sqlite", NewSQLiteDriver())
	r.Register("memory", NewMemoryDriver())
	return r
}

func (r *Registry) Register(dbType string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[strings.ToLower(dbType)] = d
}

func (r *Registry) Supports(dbType string) bool {
	_, ok := r.lookup(dbType)
	return ok
}

// Types 已注册的类型，按名称排序
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(dbType string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[strings.ToLower(dbType)]
	return d, ok
}

// Open 未知类型返回 ValidationError，连接失败返回 IntegrationError
func (r *Registry) Open(ctx context.Context, desc model.ConnectionDescriptor, opts Options) (Handle, error) {
	d, ok := r.lookup(desc.Type)
	if !ok {
		return nil, errs.Validation("type", "不支持的数据库类型 %q，可选: %s", desc.Type, strings.Join(r.Types(), ", "))
	}
	h, err := d.Open(ctx, desc, opts.withDefaults())
	if err != nil {
		return nil, errs.Integration(fmt.Sprintf("连接 %s 数据库", desc.Type), err)
	}
	return h, nil
}

// Close 关闭持有连接池的驱动
func (r *Registry) Close() error {
	r.mu.RLock()
	closers := make(map[io.Closer]struct{})
	for _, d := range r.drivers {
		if c, ok := d.(io.Closer); ok {
			closers[c] = struct{}{}
		}
	}
	r.mu.RUnlock()

	var result *multierror.Error
	for c := range closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// KeyOf 行的主键字符串形式
func KeyOf(row Row, keyColumn string) (string, bool) {
	v, ok := row[keyColumn]
	if !ok || v == nil {
		return "", false
	}
	return ValueString(v), true
}

// ValueString 统一不同驱动返回值的字符串形式，用于比较
func ValueString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}

// RowsEqual 两行内容是否一致
func RowsEqual(a, b Row) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || ValueString(av) != ValueString(bv) {
			return false
		}
	}
	return true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime 解析更新时间字段，兼容 time.Time、字符串和 unix 秒
func ParseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case []byte:
		return ParseTime(string(t))
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	case int64:
		return time.Unix(t, 0).UTC(), true
	case int:
		return time.Unix(int64(t), 0).UTC(), true
	}
	return time.Time{}, false
}

// normalizeRow 把驱动返回的 []byte 转成字符串
func normalizeRow(row Row) Row {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
	return row
}

// sortedColumns 固定字段顺序，生成的 SQL 才稳定
func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func chunk(rows []Row, size int) [][]Row {
	if size <= 0 {
		size = len(rows)
	}
	var out [][]Row
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
