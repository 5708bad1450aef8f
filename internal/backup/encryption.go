package backup

import (
	"bufio"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"tenant-backup/internal/logging"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionAlgorithm is the only cipher the artifact format carries
	EncryptionAlgorithm = "AES-256-GCM"
	// DefaultChunkSize is the plaintext size sealed per chunk
	DefaultChunkSize = 64 * 1024

	encryptionMagic         = "TBKENC01"
	encryptionFormatVersion = byte(1)
	pbkdf2Iterations        = 100000
	dataKeySize             = 32
	nonceSize               = 12
	gcmTagSize              = 16
	maxChunkSize            = 16 * 1024 * 1024

	// entropy above this many bits per byte is treated as ciphertext
	entropyThreshold  = 7.5
	entropySampleSize = 4096
)

// EncryptionStats contains statistics about encryption operations
type EncryptionStats struct {
	OriginalSize  int64         `json:"original_size"`
	EncryptedSize int64         `json:"encrypted_size"`
	Algorithm     string        `json:"algorithm"`
	KeyID         string        `json:"key_id"`
	Chunks        int           `json:"chunks"`
	Duration      time.Duration `json:"duration"`
}

// EncryptionHeader is the plaintext preamble of an encrypted artifact
type EncryptionHeader struct {
	Version   byte
	Algorithm string
	TenantID  string
	KeyID     string
	BaseNonce [nonceSize]byte
	ChunkSize uint32

	raw []byte
}

// MarshalBinary encodes the header in its on-disk layout
func (h *EncryptionHeader) MarshalBinary() ([]byte, error) {
	if len(h.Algorithm) > math.MaxUint8 || len(h.KeyID) > math.MaxUint8 || len(h.TenantID) > math.MaxUint16 {
		return nil, NewEncryptionError("encryption header field too long", nil)
	}

	var buf bytes.Buffer
	buf.WriteString(encryptionMagic)
	buf.WriteByte(h.Version)
	buf.WriteByte(byte(len(h.Algorithm)))
	buf.WriteString(h.Algorithm)
	binary.Write(&buf, binary.BigEndian, uint16(len(h.TenantID)))
	buf.WriteString(h.TenantID)
	buf.WriteByte(byte(len(h.KeyID)))
	buf.WriteString(h.KeyID)
	buf.Write(h.BaseNonce[:])
	binary.Write(&buf, binary.BigEndian, h.ChunkSize)
	return buf.Bytes(), nil
}

// ReadEncryptionHeader parses a header from r. A stream without the magic yields ErrNotEncrypted.
func ReadEncryptionHeader(r io.Reader) (*EncryptionHeader, error) {
	var raw bytes.Buffer
	tee := io.TeeReader(r, &raw)

	magic := make([]byte, len(encryptionMagic))
	if _, err := io.ReadFull(tee, magic); err != nil || string(magic) != encryptionMagic {
		return nil, NewEncryptionError("artifact has no encryption header", ErrNotEncrypted)
	}

	malformed := func(err error) error {
		return NewIntegrityError("malformed encryption header", err)
	}

	h := &EncryptionHeader{}
	var small [1]byte
	if _, err := io.ReadFull(tee, small[:]); err != nil {
		return nil, malformed(err)
	}
	h.Version = small[0]
	if h.Version != encryptionFormatVersion {
		return nil, NewEncryptionError(fmt.Sprintf("unsupported encryption format version %d", h.Version), nil)
	}

	readString := func(n int) (string, error) {
		b := make([]byte, n)
		if _, err := io.ReadFull(tee, b); err != nil {
			return "", err
		}
		return string(b), nil
	}

	if _, err := io.ReadFull(tee, small[:]); err != nil {
		return nil, malformed(err)
	}
	algorithm, err := readString(int(small[0]))
	if err != nil {
		return nil, malformed(err)
	}
	h.Algorithm = algorithm

	var tenantLen uint16
	if err := binary.Read(tee, binary.BigEndian, &tenantLen); err != nil {
		return nil, malformed(err)
	}
	if h.TenantID, err = readString(int(tenantLen)); err != nil {
		return nil, malformed(err)
	}

	if _, err := io.ReadFull(tee, small[:]); err != nil {
		return nil, malformed(err)
	}
	if h.KeyID, err = readString(int(small[0])); err != nil {
		return nil, malformed(err)
	}

	if _, err := io.ReadFull(tee, h.BaseNonce[:]); err != nil {
		return nil, malformed(err)
	}
	if err := binary.Read(tee, binary.BigEndian, &h.ChunkSize); err != nil {
		return nil, malformed(err)
	}
	if h.ChunkSize == 0 || h.ChunkSize > maxChunkSize {
		return nil, malformed(fmt.Errorf("chunk size %d out of range", h.ChunkSize))
	}

	h.raw = raw.Bytes()
	return h, nil
}

// LoadMasterKey resolves the master key from configuration: a hex key, a key file
// (hex or 32 raw bytes), or a passphrase stretched with PBKDF2-SHA256.
func LoadMasterKey(config EncryptionConfig) ([]byte, error) {
	switch {
	case config.MasterKey != "":
		key, err := hex.DecodeString(strings.TrimSpace(config.MasterKey))
		if err != nil {
			return nil, NewConfigurationError("master key is not valid hex", err)
		}
		if len(key) != dataKeySize {
			return nil, NewConfigurationError(fmt.Sprintf("master key must be 32 bytes for AES-256, got %d bytes", len(key)), nil)
		}
		return key, nil

	case config.MasterKeyFile != "":
		data, err := os.ReadFile(config.MasterKeyFile)
		if err != nil {
			return nil, NewConfigurationError(fmt.Sprintf("failed to read master key file %s", config.MasterKeyFile), err)
		}
		if trimmed := strings.TrimSpace(string(data)); len(trimmed) == 2*dataKeySize {
			if key, err := hex.DecodeString(trimmed); err == nil {
				return key, nil
			}
		}
		if len(data) != dataKeySize {
			return nil, NewConfigurationError(fmt.Sprintf("master key file must contain 32 bytes for AES-256, got %d bytes", len(data)), nil)
		}
		return data, nil

	case config.Passphrase != "":
		salt := config.Salt
		if salt == "" {
			salt = "tenant-backup"
		}
		return pbkdf2.Key([]byte(config.Passphrase), []byte(salt), pbkdf2Iterations, dataKeySize, sha256.New), nil
	}

	return nil, NewConfigurationError("no master key configured", nil)
}

// EncryptionService manages per-tenant data keys and the chunked artifact cipher
type EncryptionService struct {
	keys      KeyRepository
	master    []byte
	chunkSize int
	logger    *logging.Logger
	now       func() time.Time

	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex
}

// NewEncryptionService creates a service that wraps tenant keys under master
func NewEncryptionService(keys KeyRepository, master []byte, chunkSize int, logger *logging.Logger) (*EncryptionService, error) {
	if len(master) != dataKeySize {
		return nil, NewConfigurationError("master key must be 32 bytes", nil)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > maxChunkSize {
		return nil, NewConfigurationError(fmt.Sprintf("chunk size cannot exceed %d bytes", maxChunkSize), nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &EncryptionService{
		keys:        keys,
		master:      append([]byte(nil), master...),
		chunkSize:   chunkSize,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		tenantLocks: make(map[string]*sync.Mutex),
	}, nil
}

// NewEncryptionServiceFromConfig loads the master key named by config and builds the service
func NewEncryptionServiceFromConfig(keys KeyRepository, config EncryptionConfig, logger *logging.Logger) (*EncryptionService, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, NewConfigurationError("invalid encryption configuration", err)
	}
	master, err := LoadMasterKey(config)
	if err != nil {
		return nil, err
	}
	return NewEncryptionService(keys, master, config.ChunkSizeBytes, logger)
}

func (s *EncryptionService) lockTenant(tenantID string) func() {
	s.mu.Lock()
	l, ok := s.tenantLocks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		s.tenantLocks[tenantID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// GetOrCreateActiveKey returns the tenant's active key, minting one on first use
func (s *EncryptionService) GetOrCreateActiveKey(ctx context.Context, tenantID string) (*EncryptionKey, error) {
	if tenantID == "" {
		return nil, NewValidationError("tenant id is required", nil)
	}

	key, err := s.keys.FindActive(ctx, tenantID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	unlock := s.lockTenant(tenantID)
	defer unlock()

	// another caller may have minted the key while we waited
	if key, err := s.keys.FindActive(ctx, tenantID); err == nil {
		return key, nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	return s.mintKey(ctx, tenantID)
}

// RotateKey deactivates the tenant's active key and mints a new one. Retired keys stay
// available so older artifacts remain decryptable.
func (s *EncryptionService) RotateKey(ctx context.Context, tenantID string) (*EncryptionKey, error) {
	if tenantID == "" {
		return nil, NewValidationError("tenant id is required", nil)
	}

	unlock := s.lockTenant(tenantID)
	defer unlock()

	key, err := s.mintKey(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"key_id":    key.ID,
	}).Info("Encryption key rotated")
	return key, nil
}

// ListKeys returns every key of the tenant, oldest first
func (s *EncryptionService) ListKeys(ctx context.Context, tenantID string) ([]*EncryptionKey, error) {
	return s.keys.ListByTenant(ctx, tenantID)
}

func (s *EncryptionService) mintKey(ctx context.Context, tenantID string) (*EncryptionKey, error) {
	dataKey := make([]byte, dataKeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, NewEncryptionError("failed to generate data key", err)
	}

	key := &EncryptionKey{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Algorithm: EncryptionAlgorithm,
		Active:    true,
		CreatedAt: s.now(),
	}

	wrapped, err := s.wrap(tenantID, key.ID, dataKey)
	if err != nil {
		return nil, err
	}
	key.WrappedKey = wrapped

	if err := s.keys.ReplaceActive(ctx, tenantID, key, key.CreatedAt); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey checks that keyID exists, belongs to the tenant, and unwraps under the master key
func (s *EncryptionService) ValidateKey(ctx context.Context, tenantID, keyID string) error {
	_, err := s.dataKey(ctx, tenantID, keyID)
	return err
}

func (s *EncryptionService) dataKey(ctx context.Context, tenantID, keyID string) ([]byte, error) {
	key, err := s.keys.FindByID(ctx, keyID)
	if err != nil {
		if IsNotFound(err) {
			return nil, NewEncryptionError(fmt.Sprintf("encryption key %s not found", keyID), ErrKeyNotFound)
		}
		return nil, err
	}
	if key.TenantID != tenantID {
		return nil, NewEncryptionError(fmt.Sprintf("encryption key %s belongs to another tenant", keyID), ErrTenantMismatch)
	}
	return s.unwrap(tenantID, key.ID, key.WrappedKey)
}

// tenantWrappingKey derives the per-tenant key-encryption key from the master key
func (s *EncryptionService) tenantWrappingKey(tenantID string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, s.master, []byte("tenant-backup/key-wrap"), []byte("tenant:"+tenantID))
	wrappingKey := make([]byte, dataKeySize)
	if _, err := io.ReadFull(kdf, wrappingKey); err != nil {
		return nil, NewEncryptionError("failed to derive tenant wrapping key", err)
	}
	return wrappingKey, nil
}

func (s *EncryptionService) wrap(tenantID, keyID string, dataKey []byte) ([]byte, error) {
	wrappingKey, err := s.tenantWrappingKey(tenantID)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, NewEncryptionError("failed to generate nonce", err)
	}
	return gcm.Seal(nonce, nonce, dataKey, []byte(keyID)), nil
}

func (s *EncryptionService) unwrap(tenantID, keyID string, wrapped []byte) ([]byte, error) {
	wrappingKey, err := s.tenantWrappingKey(tenantID)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize()+gcm.Overhead() {
		return nil, NewEncryptionError("wrapped key too short", ErrAuthenticationFailed)
	}

	nonce, sealed := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	dataKey, err := gcm.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		return nil, NewEncryptionError(fmt.Sprintf("failed to unwrap encryption key %s", keyID), ErrAuthenticationFailed)
	}
	return dataKey, nil
}

// EncryptFile encrypts src into dst with the tenant's active key
func (s *EncryptionService) EncryptFile(ctx context.Context, tenantID, src, dst string) (*EncryptionStats, error) {
	start := time.Now()

	key, err := s.GetOrCreateActiveKey(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	dataKey, err := s.unwrap(tenantID, key.ID, key.WrappedKey)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}

	header := &EncryptionHeader{
		Version:   encryptionFormatVersion,
		Algorithm: EncryptionAlgorithm,
		TenantID:  tenantID,
		KeyID:     key.ID,
		ChunkSize: uint32(s.chunkSize),
	}
	if _, err := rand.Read(header.BaseNonce[:]); err != nil {
		return nil, NewEncryptionError("failed to generate nonce", err)
	}
	headerBytes, err := header.MarshalBinary()
	if err != nil {
		return nil, err
	}

	in, err := os.Open(src)
	if err != nil {
		return nil, NewEncryptionError(fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return nil, NewEncryptionError(fmt.Sprintf("failed to create %s", dst), err)
	}
	writer := &countingWriter{w: out}
	buffered := bufio.NewWriter(writer)

	stats := &EncryptionStats{Algorithm: EncryptionAlgorithm, KeyID: key.ID}
	err = s.sealChunks(ctx, gcm, header, headerBytes, bufio.NewReaderSize(in, s.chunkSize), buffered, stats)
	if flushErr := buffered.Flush(); err == nil {
		err = flushErr
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		if ErrorTypeOf(err) != "" {
			return nil, err
		}
		return nil, NewEncryptionError("failed to encrypt artifact", err)
	}

	stats.EncryptedSize = writer.n
	stats.Duration = time.Since(start)
	return stats, nil
}

func (s *EncryptionService) sealChunks(ctx context.Context, gcm cipher.AEAD, header *EncryptionHeader, headerBytes []byte,
	in io.Reader, out io.Writer, stats *EncryptionStats) error {

	if _, err := out.Write(headerBytes); err != nil {
		return err
	}

	current := make([]byte, header.ChunkSize)
	next := make([]byte, header.ChunkSize)

	n, err := io.ReadFull(in, current)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}

	var counter uint64
	var sealed []byte
	for {
		if err := ctx.Err(); err != nil {
			return NewTimeoutError("encryption cancelled", err)
		}

		// a short read means this is the last chunk; otherwise peek at the next one
		final := n < len(current)
		var m int
		if !final {
			m, err = io.ReadFull(in, next)
			if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
				return err
			}
			final = m == 0
		}

		nonce := chunkNonce(header.BaseNonce, counter)
		sealed = gcm.Seal(sealed[:0], nonce[:], current[:n], chunkAAD(headerBytes, final))

		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(sealed)))
		if _, err := out.Write(lenPrefix[:]); err != nil {
			return err
		}
		if _, err := out.Write(sealed); err != nil {
			return err
		}

		stats.OriginalSize += int64(n)
		stats.Chunks++
		counter++

		if final {
			return nil
		}
		current, next = next, current
		n = m
	}
}

// DecryptFile decrypts src into dst. expectedKeyID may be empty to accept the key named in the header.
func (s *EncryptionService) DecryptFile(ctx context.Context, tenantID, expectedKeyID, src, dst string) (*EncryptionStats, error) {
	start := time.Now()

	in, err := os.Open(src)
	if err != nil {
		return nil, NewEncryptionError(fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()
	reader := bufio.NewReader(in)

	header, gcm, err := s.openHeader(ctx, tenantID, expectedKeyID, reader)
	if err != nil {
		return nil, err
	}

	out, err := os.Create(dst)
	if err != nil {
		return nil, NewEncryptionError(fmt.Sprintf("failed to create %s", dst), err)
	}
	buffered := bufio.NewWriter(out)

	stats := &EncryptionStats{Algorithm: header.Algorithm, KeyID: header.KeyID}
	err = s.openChunks(ctx, gcm, header, reader, buffered, stats, 0)
	if flushErr := buffered.Flush(); err == nil {
		err = flushErr
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return nil, err
	}

	if info, statErr := in.Stat(); statErr == nil {
		stats.EncryptedSize = info.Size()
	}
	stats.Duration = time.Since(start)
	return stats, nil
}

// TrialDecrypt authenticates only the first chunk of an artifact
func (s *EncryptionService) TrialDecrypt(ctx context.Context, tenantID, expectedKeyID, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return NewEncryptionError(fmt.Sprintf("failed to open %s", path), err)
	}
	defer in.Close()
	reader := bufio.NewReader(in)

	header, gcm, err := s.openHeader(ctx, tenantID, expectedKeyID, reader)
	if err != nil {
		return err
	}
	return s.openChunks(ctx, gcm, header, reader, io.Discard, &EncryptionStats{}, 1)
}

// ReadArtifactHeader returns the encryption header of the file at path
func ReadArtifactHeader(path string) (*EncryptionHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, NewEncryptionError(fmt.Sprintf("failed to open %s", path), err)
	}
	defer f.Close()
	return ReadEncryptionHeader(bufio.NewReader(f))
}

func (s *EncryptionService) openHeader(ctx context.Context, tenantID, expectedKeyID string, r io.Reader) (*EncryptionHeader, cipher.AEAD, error) {
	header, err := ReadEncryptionHeader(r)
	if err != nil {
		return nil, nil, err
	}
	if header.Algorithm != EncryptionAlgorithm {
		return nil, nil, NewEncryptionError(fmt.Sprintf("unsupported algorithm %s", header.Algorithm), nil)
	}
	if header.TenantID != tenantID {
		return nil, nil, NewEncryptionError(
			fmt.Sprintf("artifact belongs to tenant %s, not %s", header.TenantID, tenantID), ErrTenantMismatch)
	}
	if expectedKeyID != "" && header.KeyID != expectedKeyID {
		return nil, nil, NewEncryptionError(
			fmt.Sprintf("artifact was encrypted with key %s, catalog records %s", header.KeyID, expectedKeyID), ErrKeyMismatch)
	}

	dataKey, err := s.dataKey(ctx, tenantID, header.KeyID)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, nil, err
	}
	return header, gcm, nil
}

// openChunks authenticates and writes chunks. limit > 0 stops after that many chunks.
func (s *EncryptionService) openChunks(ctx context.Context, gcm cipher.AEAD, header *EncryptionHeader, r *bufio.Reader,
	out io.Writer, stats *EncryptionStats, limit int) error {

	maxSealed := int(header.ChunkSize) + gcmTagSize
	sealed := make([]byte, maxSealed)
	var plain []byte
	var counter uint64

	for {
		if err := ctx.Err(); err != nil {
			return NewTimeoutError("decryption cancelled", err)
		}

		var lenPrefix [4]byte
		if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
			if err == io.EOF {
				// the stream ended without a chunk sealed as final
				return NewIntegrityError("encrypted artifact is truncated", ErrAuthenticationFailed)
			}
			return NewIntegrityError("failed to read chunk length", err)
		}
		size := int(binary.BigEndian.Uint32(lenPrefix[:]))
		if size < gcmTagSize || size > maxSealed {
			return NewIntegrityError(fmt.Sprintf("chunk %d has invalid length %d", counter, size), ErrAuthenticationFailed)
		}
		if _, err := io.ReadFull(r, sealed[:size]); err != nil {
			return NewIntegrityError(fmt.Sprintf("chunk %d is truncated", counter), ErrAuthenticationFailed)
		}

		_, peekErr := r.Peek(1)
		final := peekErr == io.EOF

		nonce := chunkNonce(header.BaseNonce, counter)
		var err error
		plain, err = gcm.Open(plain[:0], nonce[:], sealed[:size], chunkAAD(header.raw, final))
		if err != nil {
			return NewEncryptionError(fmt.Sprintf("chunk %d failed authentication", counter), ErrAuthenticationFailed)
		}
		if _, err := out.Write(plain); err != nil {
			return NewEncryptionError("failed to write plaintext", err)
		}

		stats.OriginalSize += int64(len(plain))
		stats.Chunks++
		counter++

		if final || (limit > 0 && stats.Chunks >= limit) {
			return nil
		}
	}
}

// IsEncrypted reports whether the file carries the encryption header, or failing that,
// whether its leading bytes look like ciphertext.
func IsEncrypted(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	sample := make([]byte, entropySampleSize)
	n, err := io.ReadFull(f, sample)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return false, err
	}
	sample = sample[:n]

	if bytes.HasPrefix(sample, []byte(encryptionMagic)) {
		return true, nil
	}
	if len(sample) < 256 {
		return false, nil
	}
	return ShannonEntropy(sample) >= entropyThreshold, nil
}

// ShannonEntropy returns the entropy of data in bits per byte
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	entropy := 0.0
	total := float64(len(data))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

func chunkNonce(base [nonceSize]byte, counter uint64) [nonceSize]byte {
	nonce := base
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		nonce[nonceSize-8+i] ^= ctr[i]
	}
	return nonce
}

func chunkAAD(header []byte, final bool) []byte {
	aad := make([]byte, len(header)+1)
	copy(aad, header)
	if final {
		aad[len(header)] = 1
	}
	return aad
}
