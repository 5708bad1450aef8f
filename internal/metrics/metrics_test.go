package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.BackupFinished("full", "completed", 3*time.Second, 1024)
	r.BackupFinished("full", "completed", time.Second, 2048)
	r.BackupFinished("incremental", "failed", time.Second, 0)
	r.VerificationFinished("verified", time.Second)
	r.QueueJobFinished("backup-execution", "failed", 3)
	r.RecoveryFinished("partial", time.Minute)
	r.SetScheduledJobs(7)
	r.BackupsDeleted("expired", 2)
	r.BackupsDeleted("expired", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.backupsTotal.WithLabelValues("full", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.backupsTotal.WithLabelValues("incremental", "failed")))
	assert.Equal(t, 3072.0, testutil.ToFloat64(r.backupBytes.WithLabelValues("full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.verificationsTotal.WithLabelValues("verified")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.queueJobsTotal.WithLabelValues("backup-execution", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.recoveriesTotal.WithLabelValues("partial")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.scheduledJobs))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.deletedTotal.WithLabelValues("expired")))
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.BackupFinished("full", "completed", time.Second, 1)
	r.SetScheduledJobs(1)
}

func TestNewServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusRecorder(reg).SetScheduledJobs(3)

	srv := httptest.NewServer(NewServer(":0", reg).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "tenant_backup_scheduled_jobs 3"))
}
