package backup

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"tenant-backup/internal/metrics"

	"golang.org/x/sync/errgroup"
)

// DefaultVerificationMinAge keeps the sweep away from backups whose upload may still be settling
const DefaultVerificationMinAge = 5 * time.Minute

const (
	structureHeaderSize  = 512
	structureSampleLimit = 1 << 20
	maxJSONValues        = 1000
)

// Detected artifact formats
const (
	FormatTar     = "tar"
	FormatSQL     = "sql"
	FormatJSON    = "json"
	FormatUnknown = "unknown"
)

var sqlStatement = regexp.MustCompile(`(?i)^\s*(CREATE|INSERT|ALTER|DROP|SET|USE|LOCK|UNLOCK|COPY|BEGIN|START|COMMIT|UPDATE|DELETE|REPLACE)\b`)

// VerificationResult is the outcome of verifying one backup
type VerificationResult struct {
	BackupID        string        `json:"backup_id"`
	IsValid         bool          `json:"is_valid"`
	Exists          bool          `json:"exists"`
	SizeValid       bool          `json:"size_valid"`
	ChecksumValid   bool          `json:"checksum_valid"`
	EncryptionValid bool          `json:"encryption_valid"`
	StructureValid  bool          `json:"structure_valid"`
	DetectedFormat  string        `json:"detected_format,omitempty"`
	Errors          []string      `json:"errors,omitempty"`
	Warnings        []string      `json:"warnings,omitempty"`
	VerifiedAt      time.Time     `json:"verified_at"`
	Duration        time.Duration `json:"duration"`
}

func (r *VerificationResult) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// BatchVerification pairs a backup id with its verification outcome
type BatchVerification struct {
	BackupID string              `json:"backup_id"`
	Result   *VerificationResult `json:"result,omitempty"`
	Err      error               `json:"-"`
}

// VerificationDeps bundles the verification engine's collaborators
type VerificationDeps struct {
	Backups      BackupRepository
	Storage      *StorageRegistry
	Materializer *ArtifactMaterializer
	Encryption   *EncryptionService
	Logger       *BackupLogger
	Metrics      metrics.Recorder
	Config       VerificationConfig
}

// VerificationEngine checks stored artifacts against their catalog records
type VerificationEngine struct {
	backups      BackupRepository
	storage      *StorageRegistry
	materializer *ArtifactMaterializer
	encryption   *EncryptionService
	logger       *BackupLogger
	metrics      metrics.Recorder
	config       VerificationConfig
	now          func() time.Time
}

// NewVerificationEngine creates a verification engine
func NewVerificationEngine(deps VerificationDeps) (*VerificationEngine, error) {
	if deps.Backups == nil || deps.Storage == nil {
		return nil, NewConfigurationError("verification requires a backup repository and storage registry", nil)
	}
	deps.Config.SetDefaults()

	v := &VerificationEngine{
		backups:      deps.Backups,
		storage:      deps.Storage,
		materializer: deps.Materializer,
		encryption:   deps.Encryption,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		config:       deps.Config,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if v.materializer == nil {
		v.materializer = NewArtifactMaterializer(deps.Storage, deps.Encryption, nil, "")
	}
	if v.logger == nil {
		v.logger = NewNopBackupLogger()
	}
	if v.metrics == nil {
		v.metrics = metrics.Nop{}
	}
	return v, nil
}

// VerifyBackup verifies a completed backup and records verified or verification_failed
func (v *VerificationEngine) VerifyBackup(ctx context.Context, id string) (*VerificationResult, error) {
	return v.verify(ctx, id, false, true)
}

// verify runs one verification attempt. resume accepts a backup left in verifying by an
// earlier attempt. A failure on the final attempt marks the backup verification_failed.
func (v *VerificationEngine) verify(ctx context.Context, id string, resume, final bool) (result *VerificationResult, err error) {
	backup, err := v.backups.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ResolveTenant(ctx, backup.TenantID); err != nil {
		return nil, err
	}

	switch {
	case backup.Status == BackupStatusCompleted:
		if err := v.transition(ctx, backup, BackupStatusVerifying, ""); err != nil {
			return nil, err
		}
	case backup.Status == BackupStatusVerifying && resume:
		// retry after a transient failure
	default:
		return nil, NewConflictError(
			fmt.Sprintf("backup %s is %s; only completed backups can be verified", backup.ID, backup.Status), nil)
	}

	start := time.Now()
	done := v.logger.LogVerification(ctx, backup)
	defer func() {
		if err != nil && (final || IsPermanent(err)) {
			v.abort(ctx, backup.ID, err)
		}
		done(err, result)

		outcome := "error"
		if result != nil {
			outcome = "invalid"
			if result.IsValid {
				outcome = "valid"
			}
		}
		v.metrics.VerificationFinished(outcome, time.Since(start))
	}()

	result, err = v.runChecks(ctx, backup)
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	result.VerifiedAt = v.now()

	if result.IsValid {
		err = v.transition(ctx, backup, BackupStatusVerified, "")
	} else {
		err = v.transition(ctx, backup, BackupStatusVerificationFailed, strings.Join(result.Errors, "; "))
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (v *VerificationEngine) transition(ctx context.Context, backup *Backup, next BackupStatus, reason string) error {
	from := backup.Status
	if err := backup.TransitionTo(next, v.now(), reason); err != nil {
		return err
	}
	if err := v.backups.Update(ctx, backup); err != nil {
		return err
	}
	v.logger.Logger().LogBackupTransition(backup.TenantID, backup.ID, string(from), string(next), reason)
	return nil
}

// abort moves a backup stuck in verifying to verification_failed
func (v *VerificationEngine) abort(ctx context.Context, id string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	current, err := v.backups.FindByID(ctx, id)
	if err != nil || current.Status != BackupStatusVerifying {
		return
	}
	if err := v.transition(ctx, current, BackupStatusVerificationFailed, "verification aborted: "+cause.Error()); err != nil {
		v.logger.Logger().WithContext(ctx).WithField("backup_id", id).WithError(err).Error("Failed to release backup from verifying")
	}
}

// runChecks performs existence, size, checksum, encryption and structure checks in order.
// Check failures accumulate in the result; infrastructure failures are returned as errors.
func (v *VerificationEngine) runChecks(ctx context.Context, backup *Backup) (*VerificationResult, error) {
	result := &VerificationResult{BackupID: backup.ID}

	backend, err := v.storage.Resolve(backup.StorageLocation, backup.Regions)
	if err != nil {
		return nil, err
	}

	exists, err := backend.Exists(ctx, backup.StoragePath)
	if err != nil {
		return nil, err
	}
	if !exists {
		result.addError("exists=false: artifact %s not found in %s", backup.StoragePath, backup.StorageLocation)
		return result, nil
	}
	result.Exists = true

	info, err := backend.GetMetadata(ctx, backup.StoragePath)
	if err != nil {
		return nil, err
	}
	result.SizeValid = info.Size == backup.SizeBytes
	if !result.SizeValid {
		result.addError("sizeMatch=false: stored size %d does not match recorded size %d", info.Size, backup.SizeBytes)
	}

	artifact, err := v.materializer.Fetch(ctx, backup)
	if err != nil {
		if IsNotFound(err) {
			result.Exists = false
			result.addError("exists=false: artifact %s disappeared during verification", backup.StoragePath)
			return result, nil
		}
		return nil, err
	}
	defer func() {
		if cerr := artifact.Cleanup(); cerr != nil {
			v.logger.Logger().WithContext(ctx).WithField("dir", artifact.Dir).WithError(cerr).Warn("Failed to remove verification working directory")
		}
	}()

	_, checksum, err := FileDigest(artifact.DownloadedPath)
	if err != nil {
		return nil, NewExecutionError("failed to checksum downloaded artifact", err)
	}
	switch {
	case backup.Checksum == "":
		result.addError("checksumMatch=false: no checksum recorded")
	case checksum != backup.Checksum:
		result.addError("checksumMatch=false: computed %s, recorded %s", checksum, backup.Checksum)
	default:
		result.ChecksumValid = true
	}

	if err := v.checkEncryption(ctx, backup, artifact.DownloadedPath, result); err != nil {
		return nil, err
	}

	result.StructureValid = true
	if !v.config.SkipStructureCheck {
		if err := v.checkStructure(ctx, backup, artifact, result); err != nil {
			return nil, err
		}
	}

	result.IsValid = result.Exists && result.SizeValid && result.ChecksumValid &&
		result.EncryptionValid && result.StructureValid && len(result.Errors) == 0
	return result, nil
}

func (v *VerificationEngine) checkEncryption(ctx context.Context, backup *Backup, path string, result *VerificationResult) error {
	if !backup.IsEncrypted() {
		result.EncryptionValid = true
		if header, err := ReadArtifactHeader(path); err == nil && header != nil {
			result.EncryptionValid = false
			result.addError("encryption=false: artifact is encrypted with key %s but the record references no key", header.KeyID)
		}
		return nil
	}

	encrypted, err := IsEncrypted(path)
	if err != nil {
		return NewExecutionError("failed to inspect artifact", err)
	}
	if !encrypted {
		result.addError("encryption=false: artifact does not look encrypted")
		return nil
	}
	if v.encryption == nil {
		result.addError("encryption=false: no master key configured to check key %s", backup.EncryptionKeyID)
		return nil
	}

	if err := v.encryption.ValidateKey(ctx, backup.TenantID, backup.EncryptionKeyID); err != nil {
		if transientCheckError(ctx, err) {
			return err
		}
		result.addError("encryption=false: key %s does not resolve: %v", backup.EncryptionKeyID, err)
		return nil
	}
	if err := v.encryption.TrialDecrypt(ctx, backup.TenantID, backup.EncryptionKeyID, path); err != nil {
		if transientCheckError(ctx, err) {
			return err
		}
		result.addError("encryption=false: trial decryption failed: %v", err)
		return nil
	}

	result.EncryptionValid = true
	return nil
}

func (v *VerificationEngine) checkStructure(ctx context.Context, backup *Backup, artifact *MaterializedArtifact, result *VerificationResult) error {
	if !result.EncryptionValid {
		result.Warnings = append(result.Warnings, "structure check skipped: artifact could not be decrypted")
		return nil
	}

	if err := v.materializer.Decode(ctx, backup, artifact); err != nil {
		if transientCheckError(ctx, err) {
			return err
		}
		result.StructureValid = false
		result.addError("structure=false: failed to decode artifact: %v", err)
		return nil
	}

	format, err := InspectStructure(artifact.Path)
	result.DetectedFormat = format
	if err != nil {
		result.StructureValid = false
		result.addError("structure=false: %v", err)
		return nil
	}
	if format == FormatUnknown {
		result.Warnings = append(result.Warnings, "structure not checked: unrecognized dump format")
	}
	return nil
}

// transientCheckError separates infrastructure trouble from a failed check
func transientCheckError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch ErrorTypeOf(err) {
	case BackupErrorTypeDatabase, BackupErrorTypeNetwork, BackupErrorTypeStorage, BackupErrorTypeTimeout:
		return true
	}
	return false
}

// InspectStructure detects the dump format from its signature and checks it is well formed.
// Nested compression written by the dump tool itself is unwrapped first.
func InspectStructure(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return FormatUnknown, fmt.Errorf("failed to open dump: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	header, err := reader.Peek(structureHeaderSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return FormatUnknown, fmt.Errorf("failed to read dump header: %w", err)
	}
	if len(header) == 0 {
		return FormatUnknown, fmt.Errorf("dump is empty")
	}

	if algo := DetectCompression(header); algo != CompressionNone {
		compressor, err := NewCompressionManager().GetCompressor(algo)
		if err != nil {
			return FormatUnknown, err
		}
		inner, err := compressor.NewReader(reader)
		if err != nil {
			return FormatUnknown, fmt.Errorf("failed to open %s stream: %w", algo, err)
		}
		defer inner.Close()
		reader = bufio.NewReader(inner)
		header, err = reader.Peek(structureHeaderSize)
		if err != nil && !errors.Is(err, io.EOF) {
			return FormatUnknown, fmt.Errorf("failed to read %s stream: %w", algo, err)
		}
	}

	switch {
	case len(header) >= 262 && string(header[257:262]) == "ustar":
		return FormatTar, checkTar(reader)
	case startsWithAny(bytes.TrimLeft(header, " \t\r\n"), "{", "["):
		return FormatJSON, checkJSON(reader)
	case looksLikeSQL(header):
		return FormatSQL, checkSQL(reader)
	}
	return FormatUnknown, nil
}

func startsWithAny(b []byte, prefixes ...string) bool {
	for _, p := range prefixes {
		if bytes.HasPrefix(b, []byte(p)) {
			return true
		}
	}
	return false
}

func looksLikeSQL(header []byte) bool {
	trimmed := bytes.TrimLeft(header, " \t\r\n")
	if startsWithAny(trimmed, "--", "/*", "#") {
		return true
	}
	line := trimmed
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return sqlStatement.Match(line)
}

func checkTar(r io.Reader) error {
	tr := tar.NewReader(r)
	entries := 0
	for {
		_, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("archive listing failed after %d entries: %w", entries, err)
		}
		entries++
	}
	if entries == 0 {
		return fmt.Errorf("archive has no entries")
	}
	return nil
}

func checkJSON(r io.Reader) error {
	dec := json.NewDecoder(r)
	values := 0
	for values < maxJSONValues {
		var v json.RawMessage
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("change log is not valid JSON after %d values: %w", values, err)
		}
		values++
	}
	if values == 0 {
		return fmt.Errorf("change log contains no JSON values")
	}
	return nil
}

func checkSQL(r io.Reader) error {
	scanner := bufio.NewScanner(io.LimitReader(r, structureSampleLimit))
	scanner.Buffer(make([]byte, 64*1024), structureSampleLimit)
	for scanner.Scan() {
		if sqlStatement.Match(scanner.Bytes()) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan SQL dump: %w", err)
	}
	return fmt.Errorf("SQL dump contains no recognizable statements")
}

// VerifyBatch verifies backups in parallel. One failure never affects the others.
func (v *VerificationEngine) VerifyBatch(ctx context.Context, ids []string) []BatchVerification {
	results := make([]BatchVerification, len(ids))

	var g errgroup.Group
	g.SetLimit(v.config.MaxParallel)
	for i, id := range ids {
		i, id := i, id
		results[i].BackupID = id
		g.Go(func() error {
			result, err := v.VerifyBackup(ctx, id)
			results[i].Result = result
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// VerifyUnverified verifies every completed, unverified backup that finished at least MinAge ago
func (v *VerificationEngine) VerifyUnverified(ctx context.Context) ([]BatchVerification, error) {
	candidates, err := v.backups.FindUnverified(ctx, v.now().Add(-v.config.MinAge))
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(candidates))
	for _, b := range candidates {
		ids = append(ids, b.ID)
	}

	results := v.VerifyBatch(ctx, ids)

	valid, invalid, failed := 0, 0, 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Result.IsValid:
			valid++
		default:
			invalid++
		}
	}
	v.logger.Logger().WithContext(ctx).WithFields(map[string]interface{}{
		"candidates": len(ids),
		"valid":      valid,
		"invalid":    invalid,
		"failed":     failed,
	}).Info("Verification sweep finished")

	return results, nil
}
