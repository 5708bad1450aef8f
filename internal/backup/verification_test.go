package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeCompleted uploads content and seeds a completed record describing it
func storeCompleted(t *testing.T, e *testEngine, id string, content []byte) *Backup {
	t.Helper()
	path := filepath.Join(t.TempDir(), id)
	require.NoError(t, os.WriteFile(path, content, 0600))
	size, checksum, err := FileDigest(path)
	require.NoError(t, err)

	now := time.Now().UTC()
	b := &Backup{
		ID:          id,
		TenantID:    "tenant-a",
		Type:        BackupTypeFull,
		Status:      BackupStatusCompleted,
		StartedAt:   now.Add(-time.Hour),
		CompletedAt: timeAt(now.Add(-30 * time.Minute)),
		SizeBytes:   size,
		Checksum:    checksum,
		Compression: CompressionNone,
		StoragePath: "backups/tenant-a/full/" + id,
	}
	_, err = e.backend.Upload(context.Background(), path, b.StoragePath, nil)
	require.NoError(t, err)
	return seedBackup(t, e.store.Backups, b)
}

func TestVerificationEngine_ValidBackup(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	b := storeCompleted(t, e, "b-valid", []byte("CREATE TABLE t (id INT);\n"))

	result, err := e.verifier.VerifyBackup(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, result.IsValid, result.Errors)
	assert.True(t, result.Exists)
	assert.True(t, result.SizeValid)
	assert.True(t, result.ChecksumValid)
	assert.True(t, result.EncryptionValid)
	assert.True(t, result.StructureValid)
	assert.Equal(t, FormatSQL, result.DetectedFormat)

	stored, err := e.store.Backups.FindByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusVerified, stored.Status)
	assert.True(t, stored.IsVerified)
	assert.NotNil(t, stored.VerifiedAt)
}

func TestVerificationEngine_ChecksumMismatch(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	b := storeCompleted(t, e, "b-corrupt", []byte("CREATE TABLE t (id INT);\n"))

	// flip one byte in place so the size still matches
	objectPath := filepath.Join(e.backend.BasePath(), filepath.FromSlash(b.StoragePath))
	data, err := os.ReadFile(objectPath)
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(objectPath, data, 0600))

	result, err := e.verifier.VerifyBackup(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.True(t, result.SizeValid)
	assert.False(t, result.ChecksumValid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "checksumMatch=false")

	stored, err := e.store.Backups.FindByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusVerificationFailed, stored.Status)
	assert.False(t, stored.IsVerified)
	assert.Contains(t, stored.ErrorMessage, "checksumMatch=false")
}

func TestVerificationEngine_MissingArtifact(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	b := storeCompleted(t, e, "b-missing", []byte("CREATE TABLE t (id INT);\n"))
	require.NoError(t, e.backend.Delete(context.Background(), b.StoragePath))

	result, err := e.verifier.VerifyBackup(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.False(t, result.Exists)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "exists=false")
}

func TestVerificationEngine_SizeMismatch(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	b := storeCompleted(t, e, "b-truncated", []byte("CREATE TABLE t (id INT);\n"))

	b.SizeBytes += 10
	require.NoError(t, e.store.Backups.Update(context.Background(), b))

	result, err := e.verifier.VerifyBackup(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.False(t, result.SizeValid)
	assert.Contains(t, result.Errors[0], "sizeMatch=false")
}

func TestVerificationEngine_BadStructure(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	b := storeCompleted(t, e, "b-json", []byte(`{"table": "orders", "rows": [1, 2`))

	result, err := e.verifier.VerifyBackup(context.Background(), b.ID)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.True(t, result.ChecksumValid)
	assert.False(t, result.StructureValid)
	assert.Equal(t, FormatJSON, result.DetectedFormat)
}

func TestVerificationEngine_RejectsNonCompleted(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	b := seedBackup(t, e.store.Backups, &Backup{ID: "b-pending", TenantID: "tenant-a", Type: BackupTypeFull, Status: BackupStatusPending})

	_, err := e.verifier.VerifyBackup(context.Background(), b.ID)
	assert.True(t, IsConflict(err))

	_, err = e.verifier.VerifyBackup(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestVerificationEngine_VerifyUnverified(t *testing.T) {
	e := newTestEngine(t, sqlDumpScript)
	good := storeCompleted(t, e, "b-good", []byte("INSERT INTO t VALUES (1);\n"))
	bad := storeCompleted(t, e, "b-bad", []byte("INSERT INTO t VALUES (2);\n"))
	require.NoError(t, e.backend.Delete(context.Background(), bad.StoragePath))
	seedBackup(t, e.store.Backups, &Backup{ID: "b-running", TenantID: "tenant-a", Type: BackupTypeIncremental, Status: BackupStatusInProgress})

	results, err := e.verifier.VerifyUnverified(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := make(map[string]BatchVerification)
	for _, r := range results {
		byID[r.BackupID] = r
	}
	require.NoError(t, byID[good.ID].Err)
	assert.True(t, byID[good.ID].Result.IsValid)
	require.NoError(t, byID[bad.ID].Err)
	assert.False(t, byID[bad.ID].Result.IsValid)

	again, err := e.verifier.VerifyUnverified(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func tarArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0600, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestInspectStructure(t *testing.T) {
	tests := []struct {
		name       string
		content    []byte
		wantFormat string
		wantErr    bool
	}{
		{name: "sql dump", content: []byte("-- dump\nCREATE TABLE t (id INT);\n"), wantFormat: FormatSQL},
		{name: "sql without statements", content: []byte("-- only a comment\n-- and another\n"), wantFormat: FormatSQL, wantErr: true},
		{name: "json change log", content: []byte("{\"op\":\"insert\"}\n{\"op\":\"delete\"}\n"), wantFormat: FormatJSON},
		{name: "truncated json", content: []byte(`[{"op":"insert"}`), wantFormat: FormatJSON, wantErr: true},
		{name: "tar archive", content: tarArchive(t, map[string]string{"orders.sql": "CREATE TABLE orders;"}), wantFormat: FormatTar},
		{name: "gzipped sql", content: gzipped(t, []byte("INSERT INTO t VALUES (1);\n")), wantFormat: FormatSQL},
		{name: "unknown binary", content: []byte{0x00, 0x01, 0x02, 0x03}, wantFormat: FormatUnknown},
		{name: "empty", content: nil, wantFormat: FormatUnknown, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "dump")
			require.NoError(t, os.WriteFile(path, tt.content, 0600))

			format, err := InspectStructure(path)
			assert.Equal(t, tt.wantFormat, format)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
