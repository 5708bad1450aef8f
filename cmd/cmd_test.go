package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"tenant-backup/internal/backup"
)

// writeTestConfig writes a configuration backed by a sqlite catalog, local
// storage and shell dump/restore commands
func writeTestConfig(t *testing.T, autoVerify bool) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell commands are not available on windows")
	}

	dir := t.TempDir()
	cfg := map[string]interface{}{
		"temp_dir": dir,
		"tenants":  []string{"acme"},
		"catalog": map[string]interface{}{
			"driver":      "sqlite",
			"sqlite_path": filepath.Join(dir, "catalog.db"),
		},
		"storage": map[string]interface{}{
			"local": map[string]interface{}{"base_path": filepath.Join(dir, "backups")},
		},
		"encryption": map[string]interface{}{"master_key": strings.Repeat("ab", 32)},
		"commands": map[string]interface{}{
			"dump": map[string]interface{}{
				"path": "/bin/sh",
				"args": []string{"-c", `printf 'CREATE TABLE t (id INT);\n'`},
			},
			"restore": map[string]interface{}{
				"path": "/bin/sh",
				"args": []string{"-c", `cat "$BACKUP_INPUT" >> "$BACKUP_TARGET"`},
			},
		},
		"orchestrator": map[string]interface{}{"auto_verify": autoVerify},
		"verification": map[string]interface{}{"min_age": "1ns"},
		"logging":      map[string]interface{}{"level": "quiet"},
	}

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "tenant-backup.yaml")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

type cliResult struct {
	stdout string
	stderr string
	err    error
}

func runCLI(t *testing.T, cfgPath string, stdin string, args ...string) cliResult {
	t.Helper()

	var stdout, stderr bytes.Buffer
	root := NewRootCommand()
	if cfgPath != "" {
		args = append([]string{"--config", cfgPath}, args...)
	}
	root.SetArgs(append([]string{"--no-color"}, args...))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))

	err := root.Execute()
	return cliResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "today", "abc123", "go1.25")
	t.Cleanup(func() { SetVersionInfo("dev", "unknown", "unknown", "unknown") })

	res := runCLI(t, "", "", "version")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "tenant-backup version 1.2.3")
	assert.Contains(t, res.stdout, "Commit: abc123")
}

func TestRootCommand_RejectsUnknownFormat(t *testing.T) {
	res := runCLI(t, "", "", "--format", "xml", "version")
	require.Error(t, res.err)
	assert.Equal(t, 2, exitCode(res.err))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "tenant-backup.yaml")

	res := runCLI(t, "", "", "config", "init", path)
	require.NoError(t, res.err)
	assert.FileExists(t, path)

	res = runCLI(t, "", "", "config", "init", path)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "already exists")

	res = runCLI(t, "", "", "config", "init", path, "--force")
	require.NoError(t, res.err)
}

func TestConfigValidate_InvalidFileExitsWithUsageCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("catalog:\n  driver: oracle\n"), 0600))

	res := runCLI(t, path, "", "config", "validate")
	require.Error(t, res.err)
	assert.Equal(t, 2, exitCode(res.err))
	assert.Contains(t, res.err.Error(), "oracle")
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	cfgPath := writeTestConfig(t, false)

	res := runCLI(t, cfgPath, "", "config", "show")
	require.NoError(t, res.err)
	assert.NotContains(t, res.stdout, strings.Repeat("ab", 32))
	assert.Contains(t, res.stdout, "********")
}

func TestBackupLifecycle(t *testing.T) {
	cfgPath := writeTestConfig(t, false)

	res := runCLI(t, cfgPath, "", "backup", "create", "--tenant", "acme", "--type", "full", "--encrypt", "-o", "json")
	require.NoError(t, res.err, res.stderr)

	var created backup.Backup
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &created), res.stdout)
	assert.Equal(t, backup.BackupStatusCompleted, created.Status)
	assert.Equal(t, "acme", created.TenantID)
	assert.True(t, created.IsEncrypted())

	res = runCLI(t, cfgPath, "", "backup", "verify", created.ID, "--tenant", "acme")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "verified")

	res = runCLI(t, cfgPath, "", "backup", "list", "--tenant", "acme", "--status", "verified", "-o", "json")
	require.NoError(t, res.err, res.stderr)
	var listed []backup.Backup
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &listed), res.stdout)
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)
	assert.True(t, listed[0].IsVerified)

	res = runCLI(t, cfgPath, "", "backup", "get", created.ID, "--tenant", "acme")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, created.ID)
	assert.Contains(t, res.stdout, "in_progress")

	res = runCLI(t, cfgPath, "", "backup", "verify", "--all", "--tenant", "acme")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "No backups awaiting verification")

	res = runCLI(t, cfgPath, "", "backup", "stats", "--tenant", "acme", "-o", "json")
	require.NoError(t, res.err, res.stderr)
	var stats backup.BackupStatistics
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &stats), res.stdout)
	assert.Equal(t, 1, stats.Total)

	res = runCLI(t, cfgPath, "n\n", "backup", "delete", created.ID, "--tenant", "acme")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stderr, "[y/N]")
	assert.Contains(t, res.stdout, "cancelled")

	res = runCLI(t, cfgPath, "", "backup", "delete", created.ID, "--tenant", "acme", "--yes")
	require.NoError(t, res.err, res.stderr)

	res = runCLI(t, cfgPath, "", "backup", "get", created.ID, "--tenant", "acme")
	require.Error(t, res.err)
	assert.True(t, backup.IsNotFound(res.err))
}

func TestBackupCreate_WaitsForAutoVerification(t *testing.T) {
	cfgPath := writeTestConfig(t, true)

	res := runCLI(t, cfgPath, "", "backup", "create", "--tenant", "acme", "-o", "json")
	require.NoError(t, res.err, res.stderr)

	var created backup.Backup
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &created), res.stdout)
	assert.Equal(t, backup.BackupStatusVerified, created.Status)
	assert.True(t, created.IsVerified)
}

func TestBackupCreate_RequiresTenant(t *testing.T) {
	cfgPath := writeTestConfig(t, false)

	res := runCLI(t, cfgPath, "", "backup", "create")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "tenant")
}

func TestRecoveryCommands(t *testing.T) {
	cfgPath := writeTestConfig(t, true)

	res := runCLI(t, cfgPath, "", "backup", "create", "--tenant", "acme", "--encrypt")
	require.NoError(t, res.err, res.stderr)

	res = runCLI(t, cfgPath, "", "recovery", "points", "--tenant", "acme", "-o", "json")
	require.NoError(t, res.err, res.stderr)
	var points []backup.RecoveryPoint
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &points), res.stdout)
	require.Len(t, points, 1)
	assert.True(t, points[0].Encrypted)

	res = runCLI(t, cfgPath, "", "recovery", "plan", "--tenant", "acme", "-o", "json")
	require.NoError(t, res.err, res.stderr)
	var plan backup.RecoveryPlan
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &plan), res.stdout)
	assert.True(t, plan.CanRecover)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, points[0].BackupID, plan.Steps[0].BackupID)

	res = runCLI(t, cfgPath, "", "recovery", "plan", "--tenant", "acme", "--at", "2000-01-01T00:00:00Z")
	require.Error(t, res.err)
	assert.True(t, backup.IsNotFound(res.err))

	target := filepath.Join(t.TempDir(), "restored.sql")
	res = runCLI(t, cfgPath, "", "recovery", "execute", "--tenant", "acme", "--target", target, "--dry-run")
	require.NoError(t, res.err, res.stderr)
	assert.NoFileExists(t, target)

	res = runCLI(t, cfgPath, "", "recovery", "execute", "--tenant", "acme", "--target", target, "--yes")
	require.NoError(t, res.err, res.stderr)
	restored, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE t (id INT);\n", string(restored))
}

func TestKeyCommands(t *testing.T) {
	cfgPath := writeTestConfig(t, false)

	res := runCLI(t, cfgPath, "", "key", "list", "--tenant", "acme")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "No keys")

	res = runCLI(t, cfgPath, "", "key", "rotate", "--tenant", "acme", "--yes")
	require.NoError(t, res.err, res.stderr)
	res = runCLI(t, cfgPath, "", "key", "rotate", "--tenant", "acme", "--yes")
	require.NoError(t, res.err, res.stderr)

	res = runCLI(t, cfgPath, "", "key", "list", "--tenant", "acme", "-o", "json")
	require.NoError(t, res.err, res.stderr)
	var keys []backup.EncryptionKey
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &keys), res.stdout)
	require.Len(t, keys, 2)

	active := 0
	for _, k := range keys {
		if k.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestScheduleCommands(t *testing.T) {
	cfgPath := writeTestConfig(t, false)

	res := runCLI(t, cfgPath, "", "schedule", "create", "--tenant", "acme", "--name", "nightly",
		"--type", "full", "--cron", "0 2 * * *", "--encrypt", "-o", "json")
	require.NoError(t, res.err, res.stderr)
	var job backup.BackupJob
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &job), res.stdout)
	assert.True(t, job.Enabled)
	assert.NotNil(t, job.NextRunAt)

	res = runCLI(t, cfgPath, "", "schedule", "update", job.ID, "--tenant", "acme", "--cron", "@every 6h", "--retention-days", "3", "-o", "json")
	require.NoError(t, res.err, res.stderr)
	var updated backup.BackupJob
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &updated), res.stdout)
	assert.Equal(t, "@every 6h", updated.Schedule)
	assert.Equal(t, 3, updated.Config.RetentionDays)
	assert.True(t, updated.Config.EncryptionEnabled, "unchanged settings survive an update")

	res = runCLI(t, cfgPath, "", "schedule", "disable", job.ID, "--tenant", "acme")
	require.NoError(t, res.err, res.stderr)

	res = runCLI(t, cfgPath, "", "schedule", "list", "--tenant", "acme", "-o", "json")
	require.NoError(t, res.err, res.stderr)
	var jobs []backup.BackupJob
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &jobs), res.stdout)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Enabled)

	res = runCLI(t, cfgPath, "", "schedule", "run", job.ID, "--tenant", "acme", "-o", "json")
	require.NoError(t, res.err, res.stderr)
	var ran backup.Backup
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &ran), res.stdout)
	assert.Equal(t, backup.BackupStatusCompleted, ran.Status)
	assert.True(t, ran.IsEncrypted())

	res = runCLI(t, cfgPath, "", "schedule", "delete", job.ID, "--tenant", "acme", "--yes")
	require.NoError(t, res.err, res.stderr)

	res = runCLI(t, cfgPath, "", "schedule", "create", "--tenant", "acme", "--cron", "not a schedule")
	require.Error(t, res.err)
}

func TestBuildBackupFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	filter, err := buildBackupFilter("incremental", []string{"Completed", "verified"}, "local-disk", "24h", "2026-03-01T00:00:00Z", "true", now)
	require.NoError(t, err)
	assert.Equal(t, backup.BackupTypeIncremental, filter.Type)
	assert.Equal(t, []backup.BackupStatus{backup.BackupStatusCompleted, backup.BackupStatusVerified}, filter.Statuses)
	assert.Equal(t, backup.StorageLocationLocalDisk, filter.StorageLocation)
	require.NotNil(t, filter.StartedAfter)
	assert.Equal(t, now.Add(-24*time.Hour), *filter.StartedAfter)
	require.NotNil(t, filter.StartedBefore)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *filter.StartedBefore)
	require.NotNil(t, filter.IsVerified)
	assert.True(t, *filter.IsVerified)

	tests := []struct {
		name     string
		typ      string
		statuses []string
		storage  string
		since    string
		verified string
	}{
		{name: "unknown type", typ: "snapshot"},
		{name: "unknown status", statuses: []string{"lost"}},
		{name: "unknown storage", storage: "tape"},
		{name: "bad time", since: "yesterday"},
		{name: "bad verified", verified: "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildBackupFilter(tt.typ, tt.statuses, tt.storage, tt.since, "", tt.verified, now)
			require.Error(t, err)
			assert.Equal(t, 2, exitCode(err))
		})
	}
}

func TestParseTimeFlag(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseTimeFlag("2026-02-28T10:00:00+02:00", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 8, 0, 0, 0, time.UTC), got)

	got, err = parseTimeFlag("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), got)

	_, err = parseTimeFlag("-1h", now)
	assert.Error(t, err)
}

func TestParseKeyValues(t *testing.T) {
	meta, err := parseKeyValues([]string{"reason = release", "ticket=OPS-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"reason": "release", "ticket": "OPS-1"}, meta)

	meta, err = parseKeyValues(nil)
	require.NoError(t, err)
	assert.Nil(t, meta)

	_, err = parseKeyValues([]string{"novalue"})
	assert.Error(t, err)
}

func TestBackupSettled(t *testing.T) {
	tests := []struct {
		status     backup.BackupStatus
		verified   bool
		autoVerify bool
		want       bool
	}{
		{status: backup.BackupStatusPending, want: false},
		{status: backup.BackupStatusInProgress, want: false},
		{status: backup.BackupStatusVerifying, autoVerify: true, want: false},
		{status: backup.BackupStatusCompleted, want: true},
		{status: backup.BackupStatusCompleted, autoVerify: true, want: false},
		{status: backup.BackupStatusVerified, verified: true, autoVerify: true, want: true},
		{status: backup.BackupStatusFailed, autoVerify: true, want: true},
		{status: backup.BackupStatusVerificationFailed, autoVerify: true, want: true},
	}
	for _, tt := range tests {
		b := &backup.Backup{Status: tt.status, IsVerified: tt.verified}
		assert.Equal(t, tt.want, backupSettled(b, tt.autoVerify), "%s verified=%v autoVerify=%v", tt.status, tt.verified, tt.autoVerify)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(backup.NewValidationError("bad flag", nil)))
	assert.Equal(t, 2, exitCode(backup.NewConfigurationError("bad file", nil)))
	assert.Equal(t, 1, exitCode(backup.NewExecutionError("dump failed", nil)))
	assert.Equal(t, 1, exitCode(assert.AnError))
}
