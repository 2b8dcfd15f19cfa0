package endpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"replication/internal/model"
)

// checkIdentifier 表名和字段名会拼进 SQL，只允许普通标识符
func checkIdentifier(name string) error {
	if !model.ValidIdentifier(name) {
		return fmt.Errorf("非法的标识符: %q", name)
	}
	return nil
}

// quoteIdent 双引号转义，schema.table 分段处理
func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, ".")
}

// sqlxDriver postgres 与 sqlite 共用，两者都支持 ON CONFLICT ... DO UPDATE
type sqlxDriver struct {
	driverName string
	maxConns   int
}

// NewPostgresDriver PostgreSQL / YugabyteDB (YSQL) 驱动
func NewPostgresDriver() Driver {
	return &sqlxDriver{driverName: "postgres", maxConns: 20}
}

// NewSQLiteDriver 纯 Go 的 sqlite 驱动，单连接写入
func NewSQLiteDriver() Driver {
	return &sqlxDriver{driverName: "sqlite", maxConns: 1}
}

func (d *sqlxDriver) Open(ctx context.Context, desc model.ConnectionDescriptor, opts Options) (Handle, error) {
	db, err := sqlx.Open(d.driverName, desc.ConnectionString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(d.maxConns)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	return NewSQLXHandle(db, opts), nil
}

type sqlxHandle struct {
	db   *sqlx.DB
	opts Options
}

// NewSQLXHandle 用已有的 sqlx 连接构造句柄
func NewSQLXHandle(db *sqlx.DB, opts Options) Handle {
	return &sqlxHandle{db: db, opts: opts.withDefaults()}
}

func (h *sqlxHandle) ReadChangedRows(ctx context.Context, table string, since time.Time) ([]Row, error) {
	if err := checkIdentifier(table); err != nil {
		return nil, err
	}
	if err := checkIdentifier(h.opts.UpdateField); err != nil {
		return nil, err
	}
	field := quoteIdent(h.opts.UpdateField)
	query := fmt.Sprintf("SELECT * FROM %s", quoteIdent(table))
	var args []interface{}
	if !since.IsZero() {
		query += fmt.Sprintf(" WHERE %s > ?", field)
		args = append(args, since)
	}
	query += " ORDER BY " + field

	rs, err := h.db.QueryxContext(ctx, h.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("读取表 %s 失败: %w", table, err)
	}
	defer rs.Close()

	var rows []Row
	for rs.Next() {
		r := make(map[string]interface{})
		if err := rs.MapScan(r); err != nil {
			return nil, fmt.Errorf("读取表 %s 失败: %w", table, err)
		}
		rows = append(rows, normalizeRow(r))
	}
	return rows, rs.Err()
}

func (h *sqlxHandle) UpsertRows(ctx context.Context, table string, rows []Row) error {
	if err := checkIdentifier(table); err != nil {
		return err
	}
	for _, batch := range chunk(rows, h.opts.BatchSize) {
		if err := h.upsertBatch(ctx, table, batch); err != nil {
			return err
		}
	}
	return nil
}

func (h *sqlxHandle) upsertBatch(ctx context.Context, table string, rows []Row) error {
	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for _, row := range rows {
		query, args, err := h.upsertStatement(table, row)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("更新记录失败: %w", err)
		}
	}
	return tx.Commit()
}

// upsertStatement INSERT ... ON CONFLICT (pk) DO UPDATE SET col = EXCLUDED.col
func (h *sqlxHandle) upsertStatement(table string, row Row) (string, []interface{}, error) {
	if err := checkIdentifier(h.opts.KeyColumn); err != nil {
		return "", nil, err
	}
	cols := sortedColumns(row)
	quoted := make([]string, 0, len(cols))
	holders := make([]string, 0, len(cols))
	updates := make([]string, 0, len(cols))
	args := make([]interface{}, 0, len(cols))
	for _, c := range cols {
		if err := checkIdentifier(c); err != nil {
			return "", nil, err
		}
		q := quoteIdent(c)
		quoted = append(quoted, q)
		holders = append(holders, "?")
		args = append(args, row[c])
		if c != h.opts.KeyColumn {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
		}
	}
	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		quoteIdent(table),
		strings.Join(quoted, ", "),
		strings.Join(holders, ", "),
		quoteIdent(h.opts.KeyColumn),
		conflict)
	return h.db.Rebind(query), args, nil
}

func (h *sqlxHandle) Close() error {
	return h.db.Close()
}
