package endpoint

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"replication/internal/model"
)

// 批量写入的重试策略
const (
	retryCount    = 3
	baseDelay     = 100 * time.Millisecond
	maxRetryDelay = 2 * time.Second
)

// mysqlDriver 按连接串缓存连接池，每次同步复用，Close 时统一关闭
type mysqlDriver struct {
	logger logrus.FieldLogger
	open   func(dsn string) (*gorm.DB, error)

	mu    sync.Mutex
	pools map[string]*gorm.DB
}

// NewMySQLDriver 基于 gorm 的 MySQL 驱动
func NewMySQLDriver(logger logrus.FieldLogger) Driver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &mysqlDriver{logger: logger, open: initDB, pools: make(map[string]*gorm.DB)}
}

func (d *mysqlDriver) Open(ctx context.Context, desc model.ConnectionDescriptor, opts Options) (Handle, error) {
	db, err := d.pool(desc.ConnectionString)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		d.evict(desc.ConnectionString, db)
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	h := NewMySQLHandle(db, opts, d.logger.WithField("database", desc.DatabaseName)).(*mysqlHandle)
	h.shared = true
	return h, nil
}

func (d *mysqlDriver) pool(dsn string) (*gorm.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if db, ok := d.pools[dsn]; ok {
		return db, nil
	}
	db, err := d.open(dsn)
	if err != nil {
		return nil, err
	}
	d.pools[dsn] = db
	return db, nil
}

// evict 连接失败的池不再复用，下次重新建立
func (d *mysqlDriver) evict(dsn string, db *gorm.DB) {
	d.mu.Lock()
	if d.pools[dsn] == db {
		delete(d.pools, dsn)
	}
	d.mu.Unlock()
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// Close 关闭所有缓存的连接池
func (d *mysqlDriver) Close() error {
	d.mu.Lock()
	pools := d.pools
	d.pools = make(map[string]*gorm.DB)
	d.mu.Unlock()

	var result *multierror.Error
	for _, db := range pools {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// initDB 初始化数据库连接
func initDB(dsn string) (*gorm.DB, error) {
	// 添加 sql_mode 参数来允许无效日期
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "sql_mode='ALLOW_INVALID_DATES'"
	if !strings.Contains(dsn, "parseTime=") {
		dsn += "&parseTime=True"
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true, // 使用单数表名
		},
	})
	if err != nil {
		return nil, err
	}

	// 设置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)           // 设置空闲连接池中的最大连接数
	sqlDB.SetMaxOpenConns(100)          // 设置打开数据库连接的最大数量
	sqlDB.SetConnMaxLifetime(time.Hour) // 设置连接可复用的最大时间

	return db, nil
}

type mysqlHandle struct {
	db     *gorm.DB
	opts   Options
	logger logrus.FieldLogger
	// 测试中替换为空实现，避免真实等待
	sleep func(time.Duration)
	// 连接池归驱动所有时 Close 不关闭连接
	shared bool
}

// NewMySQLHandle 用已有的 gorm 连接构造句柄
func NewMySQLHandle(db *gorm.DB, opts Options, logger logrus.FieldLogger) Handle {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &mysqlHandle{db: db, opts: opts.withDefaults(), logger: logger, sleep: time.Sleep}
}

func (h *mysqlHandle) ReadChangedRows(ctx context.Context, table string, since time.Time) ([]Row, error) {
	if err := checkIdentifier(table); err != nil {
		return nil, err
	}
	if err := checkIdentifier(h.opts.UpdateField); err != nil {
		return nil, err
	}
	var records []map[string]interface{}
	q := h.db.WithContext(ctx).Table(table)
	if !since.IsZero() {
		// 只获取更新时间大于游标的记录
		q = q.Where(fmt.Sprintf("`%s` > ?", h.opts.UpdateField), since)
	}
	if err := q.Order(fmt.Sprintf("`%s`", h.opts.UpdateField)).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("读取表 %s 失败: %w", table, err)
	}
	rows := make([]Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, normalizeRow(r))
	}
	return rows, nil
}

// UpsertRows 分批写入，每批一个事务
func (h *mysqlHandle) UpsertRows(ctx context.Context, table string, rows []Row) error {
	if err := checkIdentifier(table); err != nil {
		return err
	}
	for _, batch := range chunk(rows, h.opts.BatchSize) {
		if err := h.syncBatchData(ctx, table, batch); err != nil {
			return err
		}
	}
	return nil
}

// 同步批量数据
func (h *mysqlHandle) syncBatchData(ctx context.Context, table string, records []Row) error {
	// 空记录检查
	if len(records) == 0 {
		return nil
	}
	for _, record := range records {
		for col := range record {
			if err := checkIdentifier(col); err != nil {
				return err
			}
		}
	}

	// 使用指数退避的重试机制执行SQL，每次重试都是一个新的事务
	var lastErr error
	for attempt := 0; attempt < retryCount; attempt++ {
		lastErr = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// 在事务开始时关闭外键检查，防止 Error 1452 并发死锁
			if err := tx.Exec("SET FOREIGN_KEY_CHECKS = 0").Error; err != nil {
				h.logger.Warnf("警告: 无法关闭外键检查: %v", err)
			}
			for _, record := range records {
				if err := syncSingleRecord(tx, table, record); err != nil {
					return err
				}
			}
			return nil
		})
		if lastErr == nil {
			h.logger.Debugf("成功同步 %d 条记录到表 %s", len(records), table)
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		// 计算延迟时间（指数退避）
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		h.logger.Warnf("同步记录失败，第 %d 次重试，等待 %v: %v", attempt+1, delay, lastErr)
		h.sleep(delay)
	}

	return fmt.Errorf("批量同步失败，已重试 %d 次: %w", retryCount, lastErr)
}

// 同步单条记录
func syncSingleRecord(tx *gorm.DB, table string, record Row) error {
	// 构建字段名和值的列表
	var columns []string
	var placeholders []string
	var values []interface{}
	var updates []string

	for _, col := range sortedColumns(record) {
		if err := checkIdentifier(col); err != nil {
			return err
		}
		columns = append(columns, fmt.Sprintf("`%s`", col))
		placeholders = append(placeholders, "?")
		values = append(values, record[col])
		updates = append(updates, fmt.Sprintf("`%s` = VALUES(`%s`)", col, col))
	}

	// 构建 INSERT ... ON DUPLICATE KEY UPDATE 语句
	sql := fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "))

	// 执行 SQL
	if err := tx.Exec(sql, values...).Error; err != nil {
		return fmt.Errorf("更新记录失败: %w", err)
	}
	return nil
}

func (h *mysqlHandle) Close() error {
	if h.shared {
		return nil
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
