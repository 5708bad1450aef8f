package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "tenant-backup/internal/errors"
)

// Dialect carries the per-engine DDL. Queries themselves are portable between MySQL and SQLite:
// timestamps are stored as UTC unix nanoseconds and structured fields as JSON text.
type Dialect struct {
	Name   string
	Schema []string
}

const backupTableColumns = `
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	tenant_id VARCHAR(128) NOT NULL,
	type VARCHAR(32) NOT NULL,
	status VARCHAR(32) NOT NULL,
	storage_location VARCHAR(64) NOT NULL,
	storage_path VARCHAR(512) NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	checksum VARCHAR(128) NOT NULL DEFAULT '',
	encryption_key_id VARCHAR(64) NOT NULL DEFAULT '',
	compression VARCHAR(16) NOT NULL DEFAULT 'none',
	compression_ratio DOUBLE NOT NULL DEFAULT 1,
	started_at BIGINT NOT NULL,
	completed_at BIGINT NULL,
	retention_days INT NOT NULL,
	expires_at BIGINT NOT NULL,
	is_verified BOOLEAN NOT NULL DEFAULT 0,
	verified_at BIGINT NULL,
	metadata TEXT NOT NULL,
	regions TEXT NOT NULL,
	rto_minutes INT NOT NULL DEFAULT 0,
	rpo_minutes INT NOT NULL DEFAULT 0,
	created_by VARCHAR(128) NOT NULL DEFAULT '',
	error_message TEXT NOT NULL,
	status_history TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL`

const jobTableColumns = `
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	tenant_id VARCHAR(128) NOT NULL,
	name VARCHAR(255) NOT NULL DEFAULT '',
	backup_type VARCHAR(32) NOT NULL,
	schedule VARCHAR(128) NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	config TEXT NOT NULL,
	last_run_at BIGINT NULL,
	next_run_at BIGINT NULL,
	status VARCHAR(32) NOT NULL,
	last_error TEXT NOT NULL,
	last_backup_id VARCHAR(64) NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL`

const keyTableColumns = `
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	tenant_id VARCHAR(128) NOT NULL,
	algorithm VARCHAR(32) NOT NULL,
	wrapped_key BLOB NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	deactivated_at BIGINT NULL`

// DialectMySQL targets MySQL 8 through go-sql-driver/mysql
var DialectMySQL = Dialect{
	Name: "mysql",
	Schema: []string{
		"CREATE TABLE IF NOT EXISTS backups (" + backupTableColumns + `,
	INDEX idx_backups_tenant_type (tenant_id, type, completed_at),
	INDEX idx_backups_expires (expires_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		"CREATE TABLE IF NOT EXISTS backup_jobs (" + jobTableColumns + `,
	INDEX idx_backup_jobs_tenant (tenant_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		"CREATE TABLE IF NOT EXISTS encryption_keys (" + keyTableColumns + `,
	INDEX idx_encryption_keys_tenant (tenant_id, active)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
}

// DialectSQLite targets modernc.org/sqlite for single-node deployments
var DialectSQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		"CREATE TABLE IF NOT EXISTS backups (" + backupTableColumns + "\n)",
		"CREATE INDEX IF NOT EXISTS idx_backups_tenant_type ON backups (tenant_id, type, completed_at)",
		"CREATE INDEX IF NOT EXISTS idx_backups_expires ON backups (expires_at)",
		"CREATE TABLE IF NOT EXISTS backup_jobs (" + jobTableColumns + "\n)",
		"CREATE INDEX IF NOT EXISTS idx_backup_jobs_tenant ON backup_jobs (tenant_id)",
		"CREATE TABLE IF NOT EXISTS encryption_keys (" + keyTableColumns + "\n)",
		"CREATE INDEX IF NOT EXISTS idx_encryption_keys_tenant ON encryption_keys (tenant_id, active)",
	},
}

// DialectByName resolves "mysql" or "sqlite"
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "mysql":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return Dialect{}, NewConfigurationError(fmt.Sprintf("unsupported catalog dialect %q", name), nil)
}

// OpenSQLStore creates the catalog tables if needed and returns a Store over db.
// Closing the Store closes db.
func OpenSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, wrapDBError(err, fmt.Sprintf("failed to migrate %s catalog", dialect.Name))
		}
	}

	return &Store{
		Backups: &SQLBackupRepository{db: db},
		Jobs:    &SQLJobRepository{db: db},
		Keys:    &SQLKeyRepository{db: db},
		closer:  db.Close,
	}, nil
}

var dbClassifier = apperrors.NewErrorClassifier()

func wrapDBError(err error, message string) error {
	if err == nil {
		return nil
	}
	classified := dbClassifier.ClassifyError(err)
	switch classified.Type {
	case apperrors.ErrorTypeNotFound:
		return NewNotFoundError(message, err)
	case apperrors.ErrorTypeConflict:
		return NewConflictError(message, err)
	case apperrors.ErrorTypePermission:
		return NewPermissionError(message, err)
	case apperrors.ErrorTypeValidation:
		return NewConfigurationError(message, err)
	}
	return NewDatabaseError(message, err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", NewValidationError("failed to encode record field", err)
	}
	return string(data), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []BackupStatus) []interface{} {
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}

const backupColumns = `id, tenant_id, type, status, storage_location, storage_path, size_bytes, checksum,
	encryption_key_id, compression, compression_ratio, started_at, completed_at, retention_days, expires_at,
	is_verified, verified_at, metadata, regions, rto_minutes, rpo_minutes, created_by, error_message,
	status_history, created_at, updated_at`

// SQLBackupRepository implements BackupRepository on database/sql
type SQLBackupRepository struct {
	db *sql.DB
}

// NewSQLBackupRepository wraps an already migrated database
func NewSQLBackupRepository(db *sql.DB) *SQLBackupRepository {
	return &SQLBackupRepository{db: db}
}

func backupArgs(b *Backup) ([]interface{}, error) {
	metadata, err := marshalJSON(b.Metadata)
	if err != nil {
		return nil, err
	}
	regions, err := marshalJSON(b.Regions)
	if err != nil {
		return nil, err
	}
	history, err := marshalJSON(b.StatusHistory)
	if err != nil {
		return nil, err
	}

	return []interface{}{
		b.ID, b.TenantID, string(b.Type), string(b.Status), string(b.StorageLocation), b.StoragePath,
		b.SizeBytes, b.Checksum, b.EncryptionKeyID, string(b.Compression), b.CompressionRatio,
		toNanos(b.StartedAt), nullableNanos(b.CompletedAt), b.RetentionDays, toNanos(b.ExpiresAt),
		boolToInt(b.IsVerified), nullableNanos(b.VerifiedAt), metadata, regions, b.RTOMinutes, b.RPOMinutes,
		b.CreatedBy, b.ErrorMessage, history, toNanos(b.CreatedAt), toNanos(b.UpdatedAt),
	}, nil
}

func scanBackup(row rowScanner) (*Backup, error) {
	var (
		b                                  Backup
		backupType, status, location, comp string
		startedAt, expiresAt               int64
		createdAt, updatedAt               int64
		completedAt, verifiedAt            sql.NullInt64
		metadata, regions, history         string
	)

	err := row.Scan(&b.ID, &b.TenantID, &backupType, &status, &location, &b.StoragePath, &b.SizeBytes,
		&b.Checksum, &b.EncryptionKeyID, &comp, &b.CompressionRatio, &startedAt, &completedAt,
		&b.RetentionDays, &expiresAt, &b.IsVerified, &verifiedAt, &metadata, &regions, &b.RTOMinutes,
		&b.RPOMinutes, &b.CreatedBy, &b.ErrorMessage, &history, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	b.Type = BackupType(backupType)
	b.Status = BackupStatus(status)
	b.StorageLocation = StorageLocation(location)
	b.Compression = CompressionAlgorithm(comp)
	b.StartedAt = fromNanos(startedAt)
	b.CompletedAt = timePtr(completedAt)
	b.ExpiresAt = fromNanos(expiresAt)
	b.VerifiedAt = timePtr(verifiedAt)
	b.CreatedAt = fromNanos(createdAt)
	b.UpdatedAt = fromNanos(updatedAt)

	if err := json.Unmarshal([]byte(metadata), &b.Metadata); err != nil {
		return nil, NewDatabaseError("corrupt metadata column", err).WithContext("backup_id", b.ID)
	}
	if err := json.Unmarshal([]byte(regions), &b.Regions); err != nil {
		return nil, NewDatabaseError("corrupt regions column", err).WithContext("backup_id", b.ID)
	}
	if err := json.Unmarshal([]byte(history), &b.StatusHistory); err != nil {
		return nil, NewDatabaseError("corrupt status_history column", err).WithContext("backup_id", b.ID)
	}
	return &b, nil
}

func (r *SQLBackupRepository) Create(ctx context.Context, backup *Backup) error {
	args, err := backupArgs(backup)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("INSERT INTO backups (%s) VALUES (%s)", backupColumns, placeholders(len(args)))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return wrapDBError(err, fmt.Sprintf("failed to create backup %s", backup.ID))
	}
	return nil
}

func (r *SQLBackupRepository) FindByID(ctx context.Context, id string) (*Backup, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+backupColumns+" FROM backups WHERE id = ?", id)
	b, err := scanBackup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
		}
		return nil, wrapDBError(err, fmt.Sprintf("failed to load backup %s", id))
	}
	return b, nil
}

func (r *SQLBackupRepository) FindMany(ctx context.Context, filter BackupFilter, limit, offset int) ([]*Backup, error) {
	where, args := backupFilterClause(filter)
	query := "SELECT " + backupColumns + " FROM backups" + where + " ORDER BY started_at DESC, id DESC"

	if limit > 0 || offset > 0 {
		if limit <= 0 {
			limit = math.MaxInt32
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	return r.query(ctx, query, args...)
}

func backupFilterClause(f BackupFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(f.Type))
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders(len(f.Statuses))))
		args = append(args, statusArgs(f.Statuses)...)
	}
	if f.StorageLocation != "" {
		clauses = append(clauses, "storage_location = ?")
		args = append(args, string(f.StorageLocation))
	}
	if f.StartedAfter != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, toNanos(*f.StartedAfter))
	}
	if f.StartedBefore != nil {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, toNanos(*f.StartedBefore))
	}
	if f.CompletedAfter != nil {
		clauses = append(clauses, "completed_at >= ?")
		args = append(args, toNanos(*f.CompletedAfter))
	}
	if f.CompletedBefore != nil {
		clauses = append(clauses, "completed_at <= ?")
		args = append(args, toNanos(*f.CompletedBefore))
	}
	if f.IsVerified != nil {
		clauses = append(clauses, "is_verified = ?")
		args = append(args, boolToInt(*f.IsVerified))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *SQLBackupRepository) Update(ctx context.Context, backup *Backup) error {
	args, err := backupArgs(backup)
	if err != nil {
		return err
	}

	query := `UPDATE backups SET tenant_id = ?, type = ?, status = ?, storage_location = ?, storage_path = ?,
		size_bytes = ?, checksum = ?, encryption_key_id = ?, compression = ?, compression_ratio = ?, started_at = ?,
		completed_at = ?, retention_days = ?, expires_at = ?, is_verified = ?, verified_at = ?, metadata = ?,
		regions = ?, rto_minutes = ?, rpo_minutes = ?, created_by = ?, error_message = ?, status_history = ?,
		created_at = ?, updated_at = ? WHERE id = ?`

	// id moves from the first to the last position
	args = append(args[1:], backup.ID)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapDBError(err, fmt.Sprintf("failed to update backup %s", backup.ID))
	}
	return requireAffected(res, fmt.Sprintf("backup %s not found", backup.ID))
}

func (r *SQLBackupRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM backups WHERE id = ?", id)
	if err != nil {
		return wrapDBError(err, fmt.Sprintf("failed to delete backup %s", id))
	}
	return requireAffected(res, fmt.Sprintf("backup %s not found", id))
}

func requireAffected(res sql.Result, notFound string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError(err, "failed to read affected rows")
	}
	if n == 0 {
		return NewNotFoundError(notFound, nil)
	}
	return nil
}

func (r *SQLBackupRepository) FindExpired(ctx context.Context, now time.Time) ([]*Backup, error) {
	args := append([]interface{}{toNanos(now)}, statusArgs(settledStatuses)...)
	return r.query(ctx, "SELECT "+backupColumns+fmt.Sprintf(
		" FROM backups WHERE expires_at < ? AND status IN (%s) ORDER BY started_at ASC",
		placeholders(len(settledStatuses))), args...)
}

func (r *SQLBackupRepository) FindUnverified(ctx context.Context, completedBefore time.Time) ([]*Backup, error) {
	return r.query(ctx, "SELECT "+backupColumns+` FROM backups
		WHERE status = ? AND is_verified = 0 AND completed_at IS NOT NULL AND completed_at <= ?
		ORDER BY started_at ASC`,
		string(BackupStatusCompleted), toNanos(completedBefore))
}

func (r *SQLBackupRepository) FindLatestByType(ctx context.Context, tenantID string, backupType BackupType) (*Backup, error) {
	args := append([]interface{}{tenantID, string(backupType)}, statusArgs(successfulStatuses)...)
	query := "SELECT " + backupColumns + fmt.Sprintf(` FROM backups
		WHERE tenant_id = ? AND type = ? AND status IN (%s) AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1`, placeholders(len(successfulStatuses)))

	b, err := scanBackup(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapDBError(err, "failed to load latest backup")
	}
	return b, nil
}

func (r *SQLBackupRepository) GetStatistics(ctx context.Context, tenantID string) (*BackupStatistics, error) {
	byStatus, err := r.CountByStatus(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	usage, err := r.GetStorageUsageByLocation(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	byType := make(map[BackupType]int)
	rows, err := r.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM backups WHERE tenant_id = ? GROUP BY type", tenantID)
	if err != nil {
		return nil, wrapDBError(err, "failed to count backups by type")
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, wrapDBError(err, "failed to scan type count")
		}
		byType[BackupType(t)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError(err, "failed to count backups by type")
	}

	succeeded := append(append([]BackupStatus(nil), successfulStatuses...), BackupStatusVerificationFailed)
	query := fmt.Sprintf(`SELECT
		COALESCE(SUM(CASE WHEN status IN (%s) THEN size_bytes ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN completed_at IS NOT NULL THEN completed_at - started_at ELSE 0 END), 0),
		COUNT(completed_at),
		MAX(started_at)
		FROM backups WHERE tenant_id = ?`, placeholders(len(succeeded)))
	args := append(statusArgs(succeeded), tenantID)

	var successSize, totalDuration int64
	var samples int
	var lastStarted sql.NullInt64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&successSize, &totalDuration, &samples, &lastStarted); err != nil {
		return nil, wrapDBError(err, "failed to aggregate backup statistics")
	}

	return assembleStatistics(tenantID, byStatus, byType, usage, successSize,
		time.Duration(totalDuration), samples, timePtr(lastStarted)), nil
}

func (r *SQLBackupRepository) CountByStatus(ctx context.Context, tenantID string) (map[BackupStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM backups WHERE tenant_id = ? GROUP BY status", tenantID)
	if err != nil {
		return nil, wrapDBError(err, "failed to count backups by status")
	}
	defer rows.Close()

	counts := make(map[BackupStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapDBError(err, "failed to scan status count")
		}
		counts[BackupStatus(status)] = n
	}
	return counts, wrapDBError(rows.Err(), "failed to count backups by status")
}

func (r *SQLBackupRepository) GetStorageUsageByLocation(ctx context.Context, tenantID string) (map[StorageLocation]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT storage_location, COALESCE(SUM(size_bytes), 0) FROM backups WHERE tenant_id = ? GROUP BY storage_location",
		tenantID)
	if err != nil {
		return nil, wrapDBError(err, "failed to sum storage usage")
	}
	defer rows.Close()

	usage := make(map[StorageLocation]int64)
	for rows.Next() {
		var location string
		var total int64
		if err := rows.Scan(&location, &total); err != nil {
			return nil, wrapDBError(err, "failed to scan storage usage")
		}
		usage[StorageLocation(location)] = total
	}
	return usage, wrapDBError(rows.Err(), "failed to sum storage usage")
}

func (r *SQLBackupRepository) query(ctx context.Context, query string, args ...interface{}) ([]*Backup, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(err, "failed to query backups")
	}
	defer rows.Close()

	backups := make([]*Backup, 0)
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, wrapDBError(err, "failed to scan backup")
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError(err, "failed to query backups")
	}
	return backups, nil
}

const jobColumns = `id, tenant_id, name, backup_type, schedule, enabled, config, last_run_at, next_run_at,
	status, last_error, last_backup_id, created_at, updated_at`

// SQLJobRepository implements JobRepository on database/sql
type SQLJobRepository struct {
	db *sql.DB
}

func jobArgs(j *BackupJob) ([]interface{}, error) {
	config, err := marshalJSON(j.Config)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		j.ID, j.TenantID, j.Name, string(j.BackupType), j.Schedule, boolToInt(j.Enabled), config,
		nullableNanos(j.LastRunAt), nullableNanos(j.NextRunAt), string(j.Status), j.LastError, j.LastBackup,
		toNanos(j.CreatedAt), toNanos(j.UpdatedAt),
	}, nil
}

func scanJob(row rowScanner) (*BackupJob, error) {
	var (
		j                    BackupJob
		backupType, status   string
		config               string
		lastRun, nextRun     sql.NullInt64
		createdAt, updatedAt int64
	)

	if err := row.Scan(&j.ID, &j.TenantID, &j.Name, &backupType, &j.Schedule, &j.Enabled, &config,
		&lastRun, &nextRun, &status, &j.LastError, &j.LastBackup, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	j.BackupType = BackupType(backupType)
	j.Status = JobStatus(status)
	j.LastRunAt = timePtr(lastRun)
	j.NextRunAt = timePtr(nextRun)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	if err := json.Unmarshal([]byte(config), &j.Config); err != nil {
		return nil, NewDatabaseError("corrupt job config column", err).WithContext("job_id", j.ID)
	}
	return &j, nil
}

func (r *SQLJobRepository) Create(ctx context.Context, job *BackupJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO backup_jobs (%s) VALUES (%s)", jobColumns, placeholders(len(args)))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return wrapDBError(err, fmt.Sprintf("failed to create job %s", job.ID))
	}
	return nil
}

func (r *SQLJobRepository) FindByID(ctx context.Context, id string) (*BackupJob, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM backup_jobs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError(fmt.Sprintf("job %s not found", id), nil)
		}
		return nil, wrapDBError(err, fmt.Sprintf("failed to load job %s", id))
	}
	return job, nil
}

func (r *SQLJobRepository) FindMany(ctx context.Context, tenantID string) ([]*BackupJob, error) {
	if tenantID == "" {
		return r.query(ctx, "SELECT "+jobColumns+" FROM backup_jobs ORDER BY created_at ASC")
	}
	return r.query(ctx, "SELECT "+jobColumns+" FROM backup_jobs WHERE tenant_id = ? ORDER BY created_at ASC", tenantID)
}

func (r *SQLJobRepository) FindEnabled(ctx context.Context) ([]*BackupJob, error) {
	return r.query(ctx, "SELECT "+jobColumns+" FROM backup_jobs WHERE enabled = 1 ORDER BY created_at ASC")
}

func (r *SQLJobRepository) Update(ctx context.Context, job *BackupJob) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}

	query := `UPDATE backup_jobs SET tenant_id = ?, name = ?, backup_type = ?, schedule = ?, enabled = ?, config = ?,
		last_run_at = ?, next_run_at = ?, status = ?, last_error = ?, last_backup_id = ?, created_at = ?, updated_at = ?
		WHERE id = ?`
	args = append(args[1:], job.ID)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapDBError(err, fmt.Sprintf("failed to update job %s", job.ID))
	}
	return requireAffected(res, fmt.Sprintf("job %s not found", job.ID))
}

func (r *SQLJobRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM backup_jobs WHERE id = ?", id)
	if err != nil {
		return wrapDBError(err, fmt.Sprintf("failed to delete job %s", id))
	}
	return requireAffected(res, fmt.Sprintf("job %s not found", id))
}

func (r *SQLJobRepository) query(ctx context.Context, query string, args ...interface{}) ([]*BackupJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(err, "failed to query jobs")
	}
	defer rows.Close()

	jobs := make([]*BackupJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrapDBError(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, wrapDBError(rows.Err(), "failed to query jobs")
}

const keyColumns = "id, tenant_id, algorithm, wrapped_key, active, created_at, deactivated_at"

// SQLKeyRepository implements KeyRepository on database/sql
type SQLKeyRepository struct {
	db *sql.DB
}

func scanKey(row rowScanner) (*EncryptionKey, error) {
	var k EncryptionKey
	var createdAt int64
	var deactivatedAt sql.NullInt64

	if err := row.Scan(&k.ID, &k.TenantID, &k.Algorithm, &k.WrappedKey, &k.Active, &createdAt, &deactivatedAt); err != nil {
		return nil, err
	}
	k.CreatedAt = fromNanos(createdAt)
	k.DeactivatedAt = timePtr(deactivatedAt)
	return &k, nil
}

func (r *SQLKeyRepository) FindByID(ctx context.Context, id string) (*EncryptionKey, error) {
	k, err := scanKey(r.db.QueryRowContext(ctx, "SELECT "+keyColumns+" FROM encryption_keys WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError(fmt.Sprintf("encryption key %s not found", id), ErrKeyNotFound)
		}
		return nil, wrapDBError(err, fmt.Sprintf("failed to load encryption key %s", id))
	}
	return k, nil
}

func (r *SQLKeyRepository) FindActive(ctx context.Context, tenantID string) (*EncryptionKey, error) {
	k, err := scanKey(r.db.QueryRowContext(ctx,
		"SELECT "+keyColumns+" FROM encryption_keys WHERE tenant_id = ? AND active = 1 ORDER BY created_at DESC LIMIT 1",
		tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError(fmt.Sprintf("tenant %s has no active encryption key", tenantID), ErrKeyNotFound)
		}
		return nil, wrapDBError(err, "failed to load active encryption key")
	}
	return k, nil
}

func (r *SQLKeyRepository) ListByTenant(ctx context.Context, tenantID string) ([]*EncryptionKey, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+keyColumns+" FROM encryption_keys WHERE tenant_id = ? ORDER BY created_at ASC", tenantID)
	if err != nil {
		return nil, wrapDBError(err, "failed to list encryption keys")
	}
	defer rows.Close()

	keys := make([]*EncryptionKey, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, wrapDBError(err, "failed to scan encryption key")
		}
		keys = append(keys, k)
	}
	return keys, wrapDBError(rows.Err(), "failed to list encryption keys")
}

func (r *SQLKeyRepository) ReplaceActive(ctx context.Context, tenantID string, next *EncryptionKey, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError(err, "failed to begin key rotation")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE encryption_keys SET active = 0, deactivated_at = ? WHERE tenant_id = ? AND active = 1",
		toNanos(at), tenantID); err != nil {
		return wrapDBError(err, "failed to deactivate encryption keys")
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO encryption_keys ("+keyColumns+") VALUES (?, ?, ?, ?, 1, ?, NULL)",
		next.ID, tenantID, next.Algorithm, next.WrappedKey, toNanos(next.CreatedAt)); err != nil {
		return wrapDBError(err, fmt.Sprintf("failed to store encryption key %s", next.ID))
	}

	if err := tx.Commit(); err != nil {
		return wrapDBError(err, "failed to commit key rotation")
	}
	return nil
}
