package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives engine events. Library code depends on this interface only.
type Recorder interface {
	BackupFinished(backupType, status string, duration time.Duration, sizeBytes int64)
	VerificationFinished(result string, duration time.Duration)
	QueueJobFinished(queue, outcome string, attempts int)
	RecoveryFinished(status string, duration time.Duration)
	SetScheduledJobs(n int)
	BackupsDeleted(reason string, n int)
}

// Nop discards every event
type Nop struct{}

func (Nop) BackupFinished(string, string, time.Duration, int64) {}
func (Nop) VerificationFinished(string, time.Duration)          {}
func (Nop) QueueJobFinished(string, string, int)                {}
func (Nop) RecoveryFinished(string, time.Duration)              {}
func (Nop) SetScheduledJobs(int)                                {}
func (Nop) BackupsDeleted(string, int)                          {}

// PrometheusRecorder exports engine events as Prometheus metrics
type PrometheusRecorder struct {
	backupsTotal         *prometheus.CounterVec
	pipelineDuration     *prometheus.HistogramVec
	backupBytes          *prometheus.CounterVec
	verificationsTotal   *prometheus.CounterVec
	verificationDuration prometheus.Histogram
	queueJobsTotal       *prometheus.CounterVec
	queueAttempts        *prometheus.HistogramVec
	recoveriesTotal      *prometheus.CounterVec
	recoveryDuration     prometheus.Histogram
	scheduledJobs        prometheus.Gauge
	deletedTotal         *prometheus.CounterVec
}

// NewPrometheusRecorder registers the engine metrics with reg. A nil reg uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		backupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tenant_backup_backups_total",
			Help: "Backup pipeline runs by type and final status",
		}, []string{"type", "status"}),
		pipelineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenant_backup_pipeline_duration_seconds",
			Help:    "Duration of backup pipeline runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"type"}),
		backupBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tenant_backup_uploaded_bytes_total",
			Help: "Bytes uploaded by successful backup runs",
		}, []string{"type"}),
		verificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tenant_backup_verifications_total",
			Help: "Backup verifications by result",
		}, []string{"result"}),
		verificationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tenant_backup_verification_duration_seconds",
			Help:    "Duration of backup verifications",
			Buckets: prometheus.DefBuckets,
		}),
		queueJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tenant_backup_queue_jobs_total",
			Help: "Queue jobs reaching a terminal state",
		}, []string{"queue", "outcome"}),
		queueAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenant_backup_queue_job_attempts",
			Help:    "Attempts used by queue jobs",
			Buckets: []float64{1, 2, 3, 5, 8},
		}, []string{"queue"}),
		recoveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tenant_backup_recoveries_total",
			Help: "Recovery plan executions by status",
		}, []string{"status"}),
		recoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tenant_backup_recovery_duration_seconds",
			Help:    "Duration of recovery plan executions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		scheduledJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tenant_backup_scheduled_jobs",
			Help: "Recurring jobs currently armed in the scheduler",
		}),
		deletedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tenant_backup_deleted_total",
			Help: "Backups deleted by reason",
		}, []string{"reason"}),
	}
}

func (r *PrometheusRecorder) BackupFinished(backupType, status string, duration time.Duration, sizeBytes int64) {
	r.backupsTotal.WithLabelValues(backupType, status).Inc()
	r.pipelineDuration.WithLabelValues(backupType).Observe(duration.Seconds())
	if sizeBytes > 0 {
		r.backupBytes.WithLabelValues(backupType).Add(float64(sizeBytes))
	}
}

func (r *PrometheusRecorder) VerificationFinished(result string, duration time.Duration) {
	r.verificationsTotal.WithLabelValues(result).Inc()
	r.verificationDuration.Observe(duration.Seconds())
}

func (r *PrometheusRecorder) QueueJobFinished(queue, outcome string, attempts int) {
	r.queueJobsTotal.WithLabelValues(queue, outcome).Inc()
	r.queueAttempts.WithLabelValues(queue).Observe(float64(attempts))
}

func (r *PrometheusRecorder) RecoveryFinished(status string, duration time.Duration) {
	r.recoveriesTotal.WithLabelValues(status).Inc()
	r.recoveryDuration.Observe(duration.Seconds())
}

func (r *PrometheusRecorder) SetScheduledJobs(n int) {
	r.scheduledJobs.Set(float64(n))
}

func (r *PrometheusRecorder) BackupsDeleted(reason string, n int) {
	if n > 0 {
		r.deletedTotal.WithLabelValues(reason).Add(float64(n))
	}
}
