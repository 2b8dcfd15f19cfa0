package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("记录不存在")
	// ErrBusy 同一配置已有同步任务在执行
	ErrBusy = errors.New("同步任务正在执行")
	// ErrClosed 调度器已关闭
	ErrClosed = errors.New("调度器已关闭")
)

// ValidationError 配置校验失败，直接返回给调用方，不做重试
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "配置校验失败: " + e.Reason
	}
	return fmt.Sprintf("配置校验失败: %s %s", e.Field, e.Reason)
}

// Validation 构造 ValidationError
func Validation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IntegrationError 存储或数据库连接失败，重试策略由调用方决定
type IntegrationError struct {
	Op  string
	Err error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("%s 失败: %v", e.Op, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// Integration 包装底层错误。nil、ErrNotFound 以及已经包装过的错误原样返回
func Integration(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return err
	}
	return &IntegrationError{Op: op, Err: err}
}

// TimeoutError 同步任务超过截止时间
type TimeoutError struct {
	Deadline time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	if e.Deadline > 0 {
		return fmt.Sprintf("同步超时 (%v): %v", e.Deadline, e.Err)
	}
	return fmt.Sprintf("同步超时: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ConflictUnresolved manual 策略下检测到的冲突，不算任务失败
type ConflictUnresolved struct {
	Table string
	Key   string
}

func (e *ConflictUnresolved) Error() string {
	return fmt.Sprintf("表 %s 主键 %s 存在未解决的冲突", e.Table, e.Key)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsIntegration(err error) bool {
	var ie *IntegrationError
	return errors.As(err, &ie)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
