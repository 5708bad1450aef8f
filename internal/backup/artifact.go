package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// MaterializedArtifact is a backup artifact turned back into its raw dump on local disk
type MaterializedArtifact struct {
	// Path is the decrypted, decompressed dump
	Path string
	// DownloadedPath is the artifact exactly as stored
	DownloadedPath string
	Dir            string
}

// Cleanup removes every local file of the artifact
func (a *MaterializedArtifact) Cleanup() error {
	if a == nil || a.Dir == "" {
		return nil
	}
	return os.RemoveAll(a.Dir)
}

// ArtifactMaterializer downloads artifacts and reverses the pipeline's encoding steps
type ArtifactMaterializer struct {
	storage     *StorageRegistry
	encryption  *EncryptionService
	compression *CompressionManager
	tempDir     string
}

// NewArtifactMaterializer creates a materializer. Encryption may be nil; encrypted artifacts then fail.
func NewArtifactMaterializer(storage *StorageRegistry, encryption *EncryptionService, compression *CompressionManager, tempDir string) *ArtifactMaterializer {
	if compression == nil {
		compression = NewCompressionManager()
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &ArtifactMaterializer{
		storage:     storage,
		encryption:  encryption,
		compression: compression,
		tempDir:     tempDir,
	}
}

// Fetch downloads the stored artifact into a fresh directory without checking it
func (m *ArtifactMaterializer) Fetch(ctx context.Context, backup *Backup) (*MaterializedArtifact, error) {
	backend, err := m.storage.Resolve(backup.StorageLocation, backup.Regions)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(m.tempDir, "artifact-"+backup.ID+"-")
	if err != nil {
		return nil, NewExecutionError("failed to create working directory", err)
	}
	artifact := &MaterializedArtifact{Dir: dir, DownloadedPath: filepath.Join(dir, "artifact")}

	if err := backend.Download(ctx, backup.StoragePath, artifact.DownloadedPath); err != nil {
		artifact.Cleanup()
		return nil, err
	}
	artifact.Path = artifact.DownloadedPath
	return artifact, nil
}

// Download fetches the artifact and checks its size and checksum against the record
func (m *ArtifactMaterializer) Download(ctx context.Context, backup *Backup) (*MaterializedArtifact, error) {
	artifact, err := m.Fetch(ctx, backup)
	if err != nil {
		return nil, err
	}

	size, checksum, err := FileDigest(artifact.DownloadedPath)
	if err != nil {
		artifact.Cleanup()
		return nil, NewExecutionError("failed to checksum downloaded artifact", err)
	}
	if backup.SizeBytes > 0 && size != backup.SizeBytes {
		artifact.Cleanup()
		return nil, NewIntegrityError(fmt.Sprintf("downloaded size %d does not match recorded size %d", size, backup.SizeBytes), nil)
	}
	if backup.Checksum != "" && checksum != backup.Checksum {
		artifact.Cleanup()
		return nil, NewIntegrityError(fmt.Sprintf("downloaded checksum %s does not match recorded checksum %s", checksum, backup.Checksum), nil)
	}
	return artifact, nil
}

// Decode decrypts and decompresses a fetched artifact in place. On error the
// artifact is left for the caller to clean up.
func (m *ArtifactMaterializer) Decode(ctx context.Context, backup *Backup, artifact *MaterializedArtifact) error {
	if backup.IsEncrypted() {
		if m.encryption == nil {
			return NewConfigurationError("artifact is encrypted but no master key is configured", nil)
		}
		decrypted := filepath.Join(artifact.Dir, "decrypted")
		if _, err := m.encryption.DecryptFile(ctx, backup.TenantID, backup.EncryptionKeyID, artifact.Path, decrypted); err != nil {
			return err
		}
		artifact.Path = decrypted
	}

	if backup.Compression != "" && backup.Compression != CompressionNone {
		decompressed := filepath.Join(artifact.Dir, "dump")
		if _, err := m.compression.DecompressFile(ctx, artifact.Path, decompressed, backup.Compression); err != nil {
			return err
		}
		artifact.Path = decompressed
	}
	return nil
}

// Materialize downloads the artifact, verifies it, then decrypts and decompresses it
func (m *ArtifactMaterializer) Materialize(ctx context.Context, backup *Backup) (*MaterializedArtifact, error) {
	artifact, err := m.Download(ctx, backup)
	if err != nil {
		return nil, err
	}
	if err := m.Decode(ctx, backup, artifact); err != nil {
		artifact.Cleanup()
		return nil, err
	}
	return artifact, nil
}
