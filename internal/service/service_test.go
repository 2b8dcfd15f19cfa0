package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"replication/internal/endpoint"
	"replication/internal/model"
	"replication/internal/store/memstore"
)

// ----------------------------- 测试夹具 -----------------------------

type harness struct {
	store    *memstore.Store
	memory   *endpoint.MemoryDriver
	registry *endpoint.Registry
	exec     *SyncExecutor
	observer *recordingObserver
	logger   *logrus.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := memstore.New()
	require.NoError(t, err)

	mem := endpoint.NewMemoryDriver()
	reg := endpoint.NewRegistry()
	reg.Register("memory", mem)

	quiet := logrus.New()
	quiet.SetLevel(logrus.ErrorLevel)

	exec := NewSyncExecutor(st, reg, ExecutorOptions{BatchSize: 2, Logger: quiet})
	obs := &recordingObserver{}
	exec.RegisterObserver(obs)
	exec.RegisterObserver(NewLogObserver(quiet))

	return &harness{store: st, memory: mem, registry: reg, exec: exec, observer: obs, logger: quiet}
}

// spec 返回一个使用内存库的配置，源库和目标库按配置 id 区分
func (h *harness) spec(mutate func(*model.ReplicationConfiguration)) model.ReplicationConfiguration {
	id := uuid.NewString()
	cfg := model.ReplicationConfiguration{
		ID:                id,
		OwnerID:           "owner-1",
		Name:              "crm",
		Source:            model.ConnectionDescriptor{Type: "memory", ConnectionString: "src-" + id},
		Target:            model.ConnectionDescriptor{Type: "memory", ConnectionString: "dst-" + id},
		TablesToReplicate: []string{"contacts"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.ApplyDefaults()
	return cfg
}

// insert 直接写入存储，不经过编排器
func (h *harness) insert(t *testing.T, mutate func(*model.ReplicationConfiguration)) *model.ReplicationConfiguration {
	t.Helper()
	cfg := h.spec(mutate)
	require.NoError(t, h.store.InsertConfiguration(context.Background(), &cfg))
	return &cfg
}

func (h *harness) src(cfg *model.ReplicationConfiguration) *endpoint.MemoryDatabase {
	return h.memory.Database(cfg.Source.ConnectionString)
}

func (h *harness) dst(cfg *model.ReplicationConfiguration) *endpoint.MemoryDatabase {
	return h.memory.Database(cfg.Target.ConnectionString)
}

func contact(id int, name string, at time.Time) endpoint.Row {
	return endpoint.Row{"id": id, "name": name, "updated_at": at}
}

type recordingObserver struct {
	mu        sync.Mutex
	started   int
	completed int
	failed    int
	conflicts []*model.ReplicationConflict
	lastErr   error
}

func (o *recordingObserver) OnJobStart(*model.ReplicationConfiguration, *model.ReplicationJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) OnJobComplete(*model.ReplicationConfiguration, *model.ReplicationJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
}

func (o *recordingObserver) OnJobError(_ *model.ReplicationConfiguration, _ *model.ReplicationJob, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
	o.lastErr = err
}

func (o *recordingObserver) OnConflict(_ *model.ReplicationConfiguration, _ *model.ReplicationJob, c *model.ReplicationConflict) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conflicts = append(o.conflicts, c)
}

func (o *recordingObserver) counts() (started, completed, failed, conflicts int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started, o.completed, o.failed, len(o.conflicts)
}
