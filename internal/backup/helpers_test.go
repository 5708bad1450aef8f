package backup

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingNotifier captures alerts for assertions
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *recordingNotifier) Notify(_ context.Context, alert Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) ofType(t AlertType) []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Alert
	for _, a := range n.alerts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

func fastQueuePolicies() map[string]QueuePolicy {
	return map[string]QueuePolicy{
		QueueBackupExecution:    {Workers: 2, Attempts: 3, Backoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, Timeout: 30 * time.Second},
		QueueBackupVerification: {Workers: 2, Attempts: 2, Backoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, Timeout: 30 * time.Second},
		QueueBackupRestore:      {Workers: 1, Attempts: 2, Backoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, Timeout: 30 * time.Second},
	}
}

// testEngine wires the orchestrator and its collaborators over memory repositories and a local backend
type testEngine struct {
	store        *Store
	backend      *LocalStorageBackend
	registry     *StorageRegistry
	encryption   *EncryptionService
	queue        *MemoryQueue
	pipeline     *Pipeline
	materializer *ArtifactMaterializer
	verifier     *VerificationEngine
	recovery     *RecoveryManager
	orchestrator *Orchestrator
	notifier     *recordingNotifier
	target       string
}

type engineSettings struct {
	orchestrator OrchestratorConfig
	verification VerificationConfig
	policies     map[string]QueuePolicy
	store        func(t *testing.T) *Store
}

type engineOption func(*engineSettings)

func withAutoVerify() engineOption {
	return func(s *engineSettings) { s.orchestrator.AutoVerify = true }
}

// withSQLiteCatalog backs the engine with the SQL repositories instead of memory
func withSQLiteCatalog() engineOption {
	return func(s *engineSettings) { s.store = newSQLiteTestStore }
}

func withQueuePolicy(queue string, policy QueuePolicy) engineOption {
	return func(s *engineSettings) { s.policies[queue] = policy }
}

func newTestEngine(t *testing.T, dumpScript string, opts ...engineOption) *testEngine {
	t.Helper()

	settings := engineSettings{
		verification: VerificationConfig{MinAge: time.Nanosecond},
		policies:     fastQueuePolicies(),
		store:        func(*testing.T) *Store { return NewMemoryStore() },
	}
	for _, opt := range opts {
		opt(&settings)
	}

	e := &testEngine{
		store:    settings.store(t),
		backend:  newTestLocalBackend(t),
		registry: NewStorageRegistry(),
		notifier: &recordingNotifier{},
		target:   filepath.Join(t.TempDir(), "restored"),
	}
	e.registry.Register(StorageLocationLocalDisk, e.backend)
	e.encryption = newTestEncryptionService(t, e.store.Keys)

	dumper, err := NewCommandDumper(shellCommand(t, dumpScript))
	require.NoError(t, err)
	restorer, err := NewCommandRestorer(shellCommand(t, `cat "$BACKUP_INPUT" >> "$BACKUP_TARGET"`))
	require.NoError(t, err)

	tempDir := t.TempDir()
	e.pipeline, err = NewPipeline(PipelineDeps{
		Backups:    e.store.Backups,
		Storage:    e.registry,
		Encryption: e.encryption,
		Dumper:     dumper,
		TempDir:    tempDir,
	})
	require.NoError(t, err)

	e.materializer = NewArtifactMaterializer(e.registry, e.encryption, nil, tempDir)
	e.verifier, err = NewVerificationEngine(VerificationDeps{
		Backups:      e.store.Backups,
		Storage:      e.registry,
		Materializer: e.materializer,
		Encryption:   e.encryption,
		Config:       settings.verification,
	})
	require.NoError(t, err)

	e.recovery, err = NewRecoveryManager(RecoveryDeps{
		Backups:      e.store.Backups,
		Storage:      e.registry,
		Materializer: e.materializer,
		Encryption:   e.encryption,
		Restorer:     restorer,
		Notifier:     e.notifier,
	})
	require.NoError(t, err)

	e.queue = NewMemoryQueue(settings.policies, nil, nil)
	e.orchestrator, err = NewOrchestrator(OrchestratorDeps{
		Backups:      e.store.Backups,
		Queue:        e.queue,
		Pipeline:     e.pipeline,
		Verifier:     e.verifier,
		Materializer: e.materializer,
		Restorer:     restorer,
		Storage:      e.registry,
		Encryption:   e.encryption,
		Notifier:     e.notifier,
		Config:       settings.orchestrator,
	})
	require.NoError(t, err)
	e.orchestrator.RegisterHandlers(e.queue)

	e.queue.Start(context.Background())
	t.Cleanup(e.queue.Stop)
	return e
}

// waitForStatus polls the catalog until the backup reaches one of the statuses
func (e *testEngine) waitForStatus(t *testing.T, id string, statuses ...BackupStatus) *Backup {
	t.Helper()
	var current *Backup
	require.Eventually(t, func() bool {
		b, err := e.store.Backups.FindByID(context.Background(), id)
		if err != nil {
			return false
		}
		current = b
		for _, s := range statuses {
			if b.Status == s {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond, "backup %s never reached %v", id, statuses)
	return current
}

// seedBackup stores a record directly in the catalog
func seedBackup(t *testing.T, repo BackupRepository, b *Backup) *Backup {
	t.Helper()
	if b.StartedAt.IsZero() {
		b.StartedAt = time.Now().UTC().Add(-time.Hour)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = b.StartedAt
		b.UpdatedAt = b.StartedAt
	}
	if b.StorageLocation == "" {
		b.StorageLocation = StorageLocationLocalDisk
	}
	if b.StoragePath == "" {
		b.StoragePath = FormatStoragePath(b.TenantID, b.Type, b.StartedAt)
	}
	if b.ExpiresAt.IsZero() {
		b.ExpiresAt = b.StartedAt.AddDate(0, 0, 30)
	}
	if b.Metadata == nil {
		b.Metadata = map[string]interface{}{}
	}
	require.NoError(t, repo.Create(context.Background(), b))
	return b
}

func timeAt(t time.Time) *time.Time {
	return &t
}
