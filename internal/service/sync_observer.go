package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"replication/internal/errs"
	"replication/internal/model"
)

// JobObserver 同步任务观察者。配置读取失败时 cfg 为 nil
type JobObserver interface {
	OnJobStart(cfg *model.ReplicationConfiguration, job *model.ReplicationJob)
	OnJobComplete(cfg *model.ReplicationConfiguration, job *model.ReplicationJob)
	OnJobError(cfg *model.ReplicationConfiguration, job *model.ReplicationJob, err error)
	OnConflict(cfg *model.ReplicationConfiguration, job *model.ReplicationJob, conflict *model.ReplicationConflict)
}

type LogObserver struct {
	Logger logrus.FieldLogger
}

func NewLogObserver(logger logrus.FieldLogger) *LogObserver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogObserver{Logger: logger}
}

func (o *LogObserver) entry(cfg *model.ReplicationConfiguration, job *model.ReplicationJob) *logrus.Entry {
	fields := logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.JobType,
	}
	if cfg != nil {
		fields["configuration_id"] = cfg.ID
		fields["configuration"] = cfg.Name
	} else {
		fields["configuration_id"] = job.ConfigurationID
	}
	return o.Logger.WithFields(fields)
}

func (o *LogObserver) OnJobStart(cfg *model.ReplicationConfiguration, job *model.ReplicationJob) {
	e := o.entry(cfg, job)
	if cfg != nil {
		e = e.WithField("tables", cfg.TablesToReplicate)
	}
	e.Info("开始同步")
}

func (o *LogObserver) OnJobComplete(cfg *model.ReplicationConfiguration, job *model.ReplicationJob) {
	d, _ := job.Duration()
	o.entry(cfg, job).WithFields(logrus.Fields{
		"records_processed":  job.RecordsProcessed,
		"records_failed":     job.RecordsFailed,
		"conflicts_detected": job.SyncMetadata.ConflictsDetected,
		"conflicts_resolved": job.SyncMetadata.ConflictsResolved,
		"duration":           d,
	}).Info("同步完成")
}

func (o *LogObserver) OnJobError(cfg *model.ReplicationConfiguration, job *model.ReplicationJob, err error) {
	o.entry(cfg, job).WithFields(logrus.Fields{
		"tables_synced":  job.TablesSynced,
		"records_failed": job.RecordsFailed,
	}).Errorf("同步失败: %v", err)
}

func (o *LogObserver) OnConflict(cfg *model.ReplicationConfiguration, job *model.ReplicationJob, conflict *model.ReplicationConflict) {
	err := &errs.ConflictUnresolved{Table: conflict.Table, Key: conflict.PrimaryKey}
	o.entry(cfg, job).WithField("table", conflict.Table).Warn(err.Error())
}

// PrometheusObserver 把任务结果导出为 prometheus 指标
type PrometheusObserver struct {
	jobs      *prometheus.CounterVec
	records   *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	running   prometheus.Gauge
}

func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replication",
			Name:      "jobs_total",
			Help:      "Counter of finished replication jobs by type and status.",
		}, []string{"job_type", "status"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replication",
			Name:      "records_total",
			Help:      "Counter of records handled by replication jobs.",
		}, []string{"result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replication",
			Name:      "conflicts_total",
			Help:      "Counter of conflicts left for manual resolution.",
		}, []string{"table"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "replication",
			Name:      "job_duration_seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			Help:      "Histogram of the time each replication job took.",
		}, []string{"job_type"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "replication",
			Name:      "jobs_running",
			Help:      "Gauge of replication jobs currently running.",
		}),
	}
	for _, c := range []prometheus.Collector{o.jobs, o.records, o.conflicts, o.duration, o.running} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnJobStart(_ *model.ReplicationConfiguration, _ *model.ReplicationJob) {
	o.running.Inc()
}

func (o *PrometheusObserver) OnJobComplete(_ *model.ReplicationConfiguration, job *model.ReplicationJob) {
	o.finished(job)
}

func (o *PrometheusObserver) OnJobError(_ *model.ReplicationConfiguration, job *model.ReplicationJob, _ error) {
	o.finished(job)
}

func (o *PrometheusObserver) OnConflict(_ *model.ReplicationConfiguration, _ *model.ReplicationJob, conflict *model.ReplicationConflict) {
	o.conflicts.WithLabelValues(conflict.Table).Inc()
}

func (o *PrometheusObserver) finished(job *model.ReplicationJob) {
	o.running.Dec()
	o.jobs.WithLabelValues(string(job.JobType), string(job.Status)).Inc()
	o.records.WithLabelValues("processed").Add(float64(job.RecordsProcessed))
	o.records.WithLabelValues("failed").Add(float64(job.RecordsFailed))
	if d, ok := job.Duration(); ok {
		o.duration.WithLabelValues(string(job.JobType)).Observe(d.Seconds())
	}
}
