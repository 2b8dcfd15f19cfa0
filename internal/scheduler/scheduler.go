// Package scheduler 为每个复制配置维护一个周期触发器。
//
// 同一配置的同步串行执行：触发时若上一次仍在执行则直接跳过，不排队。
// 不同配置之间共享一个有上限的工作池，彼此并行。
// Stop 之后，已派发但还在等待工作池的执行会被丢弃。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"replication/internal/errs"
)

// RunFunc 一次同步执行，ctx 带有本次执行的截止时间
type RunFunc func(ctx context.Context) error

type Options struct {
	// Workers 同时执行的同步数量上限
	Workers int
	// RunTimeout 单次执行的截止时间，从拿到工作池开始计算
	RunTimeout time.Duration
	Logger     logrus.FieldLogger
}

type trigger struct {
	interval  time.Duration
	cancel    context.CancelFunc
	stoppedCh chan struct{} // 触发循环退出后关闭
}

// pending 一次已派发的执行
type pending struct {
	epoch   uint64
	started bool
}

type Scheduler struct {
	mu       sync.Mutex
	triggers map[string]*trigger
	inflight map[string]*pending
	// Stop 时递增，派发时记录，开始执行前比对
	epochs map[string]uint64
	closed bool

	// Close 时取消，释放还在等待工作池的执行
	ctx    context.Context
	cancel context.CancelFunc

	pool    *semaphore.Weighted
	timeout time.Duration
	logger  logrus.FieldLogger
	runs    sync.WaitGroup
}

func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		triggers: make(map[string]*trigger),
		inflight: make(map[string]*pending),
		epochs:   make(map[string]uint64),
		ctx:      ctx,
		cancel:   cancel,
		pool:     semaphore.NewWeighted(int64(opts.Workers)),
		timeout:  opts.RunTimeout,
		logger:   opts.Logger,
	}
}

// Start 为配置创建周期触发器。已存在时什么都不做
func (s *Scheduler) Start(id string, interval time.Duration, run RunFunc) error {
	if interval <= 0 {
		return errs.Validation("interval", "必须大于 0，实际为 %v", interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.ErrClosed
	}
	if _, ok := s.triggers[id]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &trigger{
		interval:  interval,
		cancel:    cancel,
		stoppedCh: make(chan struct{}),
	}
	s.triggers[id] = t
	go s.loop(ctx, id, t, run)

	s.logger.WithFields(logrus.Fields{"configuration_id": id, "interval": interval}).Info("已启动同步触发器")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, id string, t *trigger, run RunFunc) {
	defer close(t.stoppedCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.dispatch(id, run); err != nil && !errors.Is(err, errs.ErrClosed) {
				s.logger.WithField("configuration_id", id).Debugf("跳过本次触发: %v", err)
			}
		}
	}
}

// RunNow 立即执行一次，不等待结果。已有执行在进行时返回 errs.ErrBusy
func (s *Scheduler) RunNow(id string, run RunFunc) error {
	return s.dispatch(id, run)
}

func (s *Scheduler) dispatch(id string, run RunFunc) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.ErrClosed
	}
	if _, busy := s.inflight[id]; busy {
		s.mu.Unlock()
		return errs.ErrBusy
	}
	p := &pending{epoch: s.epochs[id]}
	s.inflight[id] = p
	s.runs.Add(1)
	s.mu.Unlock()

	go s.execute(id, p, run)
	return nil
}

// begin 派发之后没有 Stop 过才标记为已开始
func (s *Scheduler) begin(id string, p *pending) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.epochs[id] != p.epoch {
		return false
	}
	p.started = true
	return true
}

func (s *Scheduler) execute(id string, p *pending, run RunFunc) {
	defer s.runs.Done()
	defer func() {
		s.mu.Lock()
		if s.inflight[id] == p {
			delete(s.inflight, id)
		}
		s.mu.Unlock()
	}()

	log := s.logger.WithField("configuration_id", id)
	if err := s.pool.Acquire(s.ctx, 1); err != nil {
		log.Debug("调度器已关闭，丢弃等待中的同步")
		return
	}
	defer s.pool.Release(1)

	if !s.begin(id, p) {
		log.Info("触发器已停止，丢弃等待中的同步")
		return
	}

	// 停止触发器不会取消正在执行的同步，只有截止时间会
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Warnf("同步执行失败: %v", err)
	}
}

// Stop 取消并移除触发器，等待触发循环退出。
// 正在执行的同步会继续完成，还在等待工作池的同步（包括 RunNow 提交的）被丢弃
func (s *Scheduler) Stop(id string) bool {
	s.mu.Lock()
	s.epochs[id]++
	if p, busy := s.inflight[id]; busy && !p.started {
		delete(s.inflight, id)
	}
	t, ok := s.triggers[id]
	if ok {
		t.cancel()
		delete(s.triggers, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	<-t.stoppedCh
	s.logger.WithField("configuration_id", id).Info("已停止同步触发器")
	return true
}

// IsScheduled 配置是否有存活的触发器
func (s *Scheduler) IsScheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[id]
	return ok
}

// InFlight 配置是否有正在执行的同步
func (s *Scheduler) InFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// Interval 触发器的周期，不存在时返回 false
func (s *Scheduler) Interval(id string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return 0, false
	}
	return t.interval, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}

// Close 取消全部触发器并等待正在执行的同步结束，还没开始的同步直接丢弃。之后不能再使用
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	triggers := s.triggers
	s.triggers = make(map[string]*trigger)
	for _, t := range triggers {
		t.cancel()
	}
	s.mu.Unlock()
	s.cancel()

	for _, t := range triggers {
		<-t.stoppedCh
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infof("调度器已关闭，共停止 %d 个触发器", len(triggers))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待同步任务结束超时: %w", ctx.Err())
	}
}
