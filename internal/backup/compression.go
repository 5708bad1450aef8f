package backup

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionStats contains statistics about compression operations
type CompressionStats struct {
	OriginalSize     int64                `json:"original_size"`
	CompressedSize   int64                `json:"compressed_size"`
	CompressionRatio float64              `json:"compression_ratio"`
	Algorithm        CompressionAlgorithm `json:"algorithm"`
	Level            int                  `json:"level"`
	Duration         time.Duration        `json:"duration"`
}

// Compressor wraps streams for one algorithm
type Compressor interface {
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
	GetAlgorithm() CompressionAlgorithm
	GetDefaultLevel() int
	GetMaxLevel() int
	GetMinLevel() int
}

// CompressionManager manages compression operations
type CompressionManager struct {
	compressors map[CompressionAlgorithm]Compressor
}

// NewCompressionManager creates a new compression manager
func NewCompressionManager() *CompressionManager {
	cm := &CompressionManager{
		compressors: make(map[CompressionAlgorithm]Compressor),
	}

	cm.compressors[CompressionGzip] = &GzipCompressor{}
	cm.compressors[CompressionLZ4] = &LZ4Compressor{}
	cm.compressors[CompressionZstd] = &ZstdCompressor{}

	return cm
}

// GetCompressor returns the compressor registered for algorithm
func (cm *CompressionManager) GetCompressor(algorithm CompressionAlgorithm) (Compressor, error) {
	compressor, exists := cm.compressors[algorithm]
	if !exists {
		return nil, NewCompressionError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}
	return compressor, nil
}

// GetSupportedAlgorithms returns every registered algorithm
func (cm *CompressionManager) GetSupportedAlgorithms() []CompressionAlgorithm {
	algorithms := make([]CompressionAlgorithm, 0, len(cm.compressors))
	for algorithm := range cm.compressors {
		algorithms = append(algorithms, algorithm)
	}
	return algorithms
}

// CompressFile streams src into dst. Level 0 or an out-of-range level uses the algorithm default.
func (cm *CompressionManager) CompressFile(ctx context.Context, src, dst string, algorithm CompressionAlgorithm, level int) (*CompressionStats, error) {
	start := time.Now()

	if algorithm == CompressionNone || algorithm == "" {
		n, err := copyFile(ctx, src, dst)
		if err != nil {
			return nil, NewCompressionError("failed to copy uncompressed artifact", err)
		}
		return &CompressionStats{
			OriginalSize:     n,
			CompressedSize:   n,
			CompressionRatio: 1.0,
			Algorithm:        CompressionNone,
			Duration:         time.Since(start),
		}, nil
	}

	compressor, err := cm.GetCompressor(algorithm)
	if err != nil {
		return nil, err
	}
	if level == 0 || level < compressor.GetMinLevel() || level > compressor.GetMaxLevel() {
		level = compressor.GetDefaultLevel()
	}

	in, err := os.Open(src)
	if err != nil {
		return nil, NewCompressionError(fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return nil, NewCompressionError(fmt.Sprintf("failed to create %s", dst), err)
	}
	counter := &countingWriter{w: out}
	buffered := bufio.NewWriterSize(counter, 256*1024)

	writer, err := compressor.NewWriter(buffered, level)
	if err != nil {
		out.Close()
		return nil, NewCompressionError(fmt.Sprintf("failed to create %s writer", algorithm), err)
	}

	originalSize, err := io.Copy(writer, &contextReader{ctx: ctx, r: in})
	if closeErr := writer.Close(); err == nil {
		err = closeErr
	}
	if flushErr := buffered.Flush(); err == nil {
		err = flushErr
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return nil, NewCompressionError(fmt.Sprintf("failed to compress with %s", algorithm), err)
	}

	return &CompressionStats{
		OriginalSize:     originalSize,
		CompressedSize:   counter.n,
		CompressionRatio: CalculateCompressionRatio(originalSize, counter.n),
		Algorithm:        algorithm,
		Level:            level,
		Duration:         time.Since(start),
	}, nil
}

// DecompressFile streams src into dst, reversing CompressFile
func (cm *CompressionManager) DecompressFile(ctx context.Context, src, dst string, algorithm CompressionAlgorithm) (int64, error) {
	if algorithm == CompressionNone || algorithm == "" {
		n, err := copyFile(ctx, src, dst)
		if err != nil {
			return 0, NewCompressionError("failed to copy uncompressed artifact", err)
		}
		return n, nil
	}

	compressor, err := cm.GetCompressor(algorithm)
	if err != nil {
		return 0, err
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, NewCompressionError(fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()

	reader, err := compressor.NewReader(bufio.NewReader(in))
	if err != nil {
		return 0, NewCompressionError(fmt.Sprintf("failed to create %s reader", algorithm), err)
	}
	defer reader.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, NewCompressionError(fmt.Sprintf("failed to create %s", dst), err)
	}

	n, err := io.Copy(out, &contextReader{ctx: ctx, r: reader})
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return 0, NewCompressionError(fmt.Sprintf("failed to decompress %s data", algorithm), err)
	}
	return n, nil
}

// DetectCompression identifies an algorithm from the leading magic bytes
func DetectCompression(header []byte) CompressionAlgorithm {
	switch {
	case bytes.HasPrefix(header, []byte{0x1f, 0x8b}):
		return CompressionGzip
	case bytes.HasPrefix(header, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return CompressionZstd
	case bytes.HasPrefix(header, []byte{0x04, 0x22, 0x4d, 0x18}):
		return CompressionLZ4
	}
	return CompressionNone
}

// CalculateCompressionRatio calculates the compression ratio
func CalculateCompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 1.0
	}
	return float64(compressedSize) / float64(originalSize)
}

// GzipCompressor implements gzip compression
type GzipCompressor struct{}

func (gc *GzipCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, level)
}

func (gc *GzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

func (gc *GzipCompressor) GetAlgorithm() CompressionAlgorithm {
	return CompressionGzip
}

func (gc *GzipCompressor) GetDefaultLevel() int {
	return gzip.DefaultCompression
}

func (gc *GzipCompressor) GetMaxLevel() int {
	return gzip.BestCompression
}

func (gc *GzipCompressor) GetMinLevel() int {
	return gzip.BestSpeed
}

// LZ4Compressor implements LZ4 frame compression
type LZ4Compressor struct{}

func (lc *LZ4Compressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	writer := lz4.NewWriter(w)
	if level > 6 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, err
		}
	}
	return writer, nil
}

func (lc *LZ4Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (lc *LZ4Compressor) GetAlgorithm() CompressionAlgorithm {
	return CompressionLZ4
}

func (lc *LZ4Compressor) GetDefaultLevel() int {
	return 1
}

func (lc *LZ4Compressor) GetMaxLevel() int {
	return 12
}

func (lc *LZ4Compressor) GetMinLevel() int {
	return 1
}

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct{}

func (zc *ZstdCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	var encoderLevel zstd.EncoderLevel
	switch {
	case level <= 1:
		encoderLevel = zstd.SpeedFastest
	case level <= 3:
		encoderLevel = zstd.SpeedDefault
	case level <= 6:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
}

func (zc *ZstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

func (zc *ZstdCompressor) GetAlgorithm() CompressionAlgorithm {
	return CompressionZstd
}

func (zc *ZstdCompressor) GetDefaultLevel() int {
	return 3
}

func (zc *ZstdCompressor) GetMaxLevel() int {
	return 22
}

func (zc *ZstdCompressor) GetMinLevel() int {
	return 1
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func copyFile(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, &contextReader{ctx: ctx, r: in})
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
	}
	return n, err
}
