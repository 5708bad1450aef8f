package backup

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressionManager_NewCompressionManager(t *testing.T) {
	cm := NewCompressionManager()

	assert.ElementsMatch(t, []CompressionAlgorithm{
		CompressionGzip,
		CompressionLZ4,
		CompressionZstd,
	}, cm.GetSupportedAlgorithms())
}

func TestCompressionManager_RoundTrip(t *testing.T) {
	cm := NewCompressionManager()
	ctx := context.Background()
	payload := strings.Repeat("INSERT INTO orders VALUES (1, 'pending', 42.00);\n", 2000)

	for _, algorithm := range []CompressionAlgorithm{CompressionGzip, CompressionLZ4, CompressionZstd} {
		t.Run(string(algorithm), func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "dump.sql")
			compressed := filepath.Join(dir, "dump.sql.c")
			restored := filepath.Join(dir, "dump.out.sql")
			require.NoError(t, os.WriteFile(src, []byte(payload), 0644))

			stats, err := cm.CompressFile(ctx, src, compressed, algorithm, 0)
			require.NoError(t, err)
			assert.Equal(t, int64(len(payload)), stats.OriginalSize)
			assert.Less(t, stats.CompressedSize, stats.OriginalSize)
			assert.Less(t, stats.CompressionRatio, 1.0)
			assert.Equal(t, algorithm, stats.Algorithm)

			info, err := os.Stat(compressed)
			require.NoError(t, err)
			assert.Equal(t, info.Size(), stats.CompressedSize)

			header := make([]byte, 8)
			f, err := os.Open(compressed)
			require.NoError(t, err)
			_, err = f.Read(header)
			f.Close()
			require.NoError(t, err)
			assert.Equal(t, algorithm, DetectCompression(header))

			n, err := cm.DecompressFile(ctx, compressed, restored, algorithm)
			require.NoError(t, err)
			assert.Equal(t, int64(len(payload)), n)

			data, err := os.ReadFile(restored)
			require.NoError(t, err)
			assert.Equal(t, payload, string(data))
		})
	}
}

func TestCompressionManager_None(t *testing.T) {
	cm := NewCompressionManager()
	dir := t.TempDir()
	src := filepath.Join(dir, "in")
	require.NoError(t, os.WriteFile(src, []byte("plain"), 0644))

	stats, err := cm.CompressFile(context.Background(), src, filepath.Join(dir, "out"), CompressionNone, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, stats.CompressionRatio)
	assert.Equal(t, int64(5), stats.CompressedSize)
	assert.Equal(t, CompressionNone, stats.Algorithm)
}

func TestCompressionManager_UnsupportedAlgorithm(t *testing.T) {
	cm := NewCompressionManager()
	dir := t.TempDir()
	src := filepath.Join(dir, "in")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0644))

	_, err := cm.CompressFile(context.Background(), src, filepath.Join(dir, "out"), "brotli", 0)
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeCompression, ErrorTypeOf(err))
}

func TestCompressionManager_RandomDataDoesNotShrink(t *testing.T) {
	cm := NewCompressionManager()
	dir := t.TempDir()
	src := filepath.Join(dir, "random")
	data := make([]byte, 64*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src, data, 0644))

	stats, err := cm.CompressFile(context.Background(), src, filepath.Join(dir, "out"), CompressionZstd, 3)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.CompressionRatio, 0.99)
}

func TestCompressionManager_CorruptInput(t *testing.T) {
	cm := NewCompressionManager()
	dir := t.TempDir()
	src := filepath.Join(dir, "corrupt.gz")
	require.NoError(t, os.WriteFile(src, []byte("definitely not gzip"), 0644))

	_, err := cm.DecompressFile(context.Background(), src, filepath.Join(dir, "out"), CompressionGzip)
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeCompression, ErrorTypeOf(err))
}

func TestCalculateCompressionRatio(t *testing.T) {
	assert.Equal(t, 1.0, CalculateCompressionRatio(0, 0))
	assert.Equal(t, 0.25, CalculateCompressionRatio(400, 100))
}

func TestDetectCompression_Plain(t *testing.T) {
	assert.Equal(t, CompressionNone, DetectCompression([]byte("CREATE TABLE")))
	assert.Equal(t, CompressionNone, DetectCompression(nil))
}
