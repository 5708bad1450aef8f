package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Object metadata keys written with every artifact
const (
	MetaBackupID   = "backup-id"
	MetaTenantID   = "tenant-id"
	MetaBackupType = "backup-type"
	MetaCreatedAt  = "created-at"
	MetaChecksum   = "checksum-sha256"

	MetaCompression     = "compression"
	MetaEncryptionKeyID = "encryption-key-id"
)

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Path         string            `json:"path"`
	Size         int64             `json:"size"`
	Checksum     string            `json:"checksum"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// StorageBackend is implemented once per physical storage system
type StorageBackend interface {
	// Name identifies the backend in logs
	Name() string
	// Upload stores the local file at remotePath. Size and SHA-256 are computed while
	// streaming and the checksum is stored as object metadata.
	Upload(ctx context.Context, localPath, remotePath string, metadata map[string]string) (*ObjectInfo, error)
	// Download writes the object to localPath. A missing object yields a NOT_FOUND_ERROR.
	Download(ctx context.Context, remotePath, localPath string) error
	// Delete removes the object. Deleting a missing object succeeds.
	Delete(ctx context.Context, remotePath string) error
	// Exists returns false without error when the object is missing
	Exists(ctx context.Context, remotePath string) (bool, error)
	// GetMetadata returns a NOT_FOUND_ERROR when the object is missing
	GetMetadata(ctx context.Context, remotePath string) (*ObjectInfo, error)
}

// FileDigest returns the size and hex SHA-256 of a local file
func FileDigest(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// withChecksum copies metadata and records the checksum
func withChecksum(metadata map[string]string, checksum string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[MetaChecksum] = checksum
	return out
}

// contextReader aborts a streaming copy when ctx is cancelled
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// StorageRegistry maps storage locations to backends. Multi-region resolves to a
// MultiRegionBackend over the registered regions.
type StorageRegistry struct {
	mu          sync.RWMutex
	backends    map[StorageLocation]StorageBackend
	regions     map[string]StorageBackend
	regionOrder []string
}

// NewStorageRegistry creates an empty registry
func NewStorageRegistry() *StorageRegistry {
	return &StorageRegistry{
		backends: make(map[StorageLocation]StorageBackend),
		regions:  make(map[string]StorageBackend),
	}
}

// Register binds a backend to a single-backend location
func (r *StorageRegistry) Register(location StorageLocation, backend StorageBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[location] = backend
}

// RegisterRegion adds a physical backend for multi-region storage. The first
// registered region is canonical when no regions are requested explicitly.
func (r *StorageRegistry) RegisterRegion(region string, backend StorageBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regions[region]; !exists {
		r.regionOrder = append(r.regionOrder, region)
	}
	r.regions[region] = backend
}

// Locations lists configured locations
func (r *StorageRegistry) Locations() []StorageLocation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StorageLocation, 0, len(r.backends)+1)
	for loc := range r.backends {
		out = append(out, loc)
	}
	if len(r.regions) > 0 {
		out = append(out, StorageLocationMultiRegion)
	}
	return out
}

// Regions lists the configured multi-region regions in canonical order
func (r *StorageRegistry) Regions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.regionOrder...)
}

// Resolve returns the backend for location. regions narrows multi-region storage
// and is ignored elsewhere.
func (r *StorageRegistry) Resolve(location StorageLocation, regions []string) (StorageBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if location != StorageLocationMultiRegion {
		backend, ok := r.backends[location]
		if !ok {
			return nil, NewConfigurationError(fmt.Sprintf("storage location %s is not configured", location), nil)
		}
		return backend, nil
	}

	if len(regions) == 0 {
		regions = r.regionOrder
	}
	if len(regions) == 0 {
		return nil, NewConfigurationError("no regions configured for multi-region storage", nil)
	}

	members := make([]RegionBackend, 0, len(regions))
	for _, region := range regions {
		backend, ok := r.regions[region]
		if !ok {
			return nil, NewValidationError(fmt.Sprintf("region %s is not configured", region), nil)
		}
		members = append(members, RegionBackend{Region: region, Backend: backend})
	}
	return NewMultiRegionBackend(members...), nil
}

// RegionBackend pairs a region name with its physical backend
type RegionBackend struct {
	Region  string
	Backend StorageBackend
}

// MultiRegionBackend replicates every object to several regions. The first region is canonical.
type MultiRegionBackend struct {
	members []RegionBackend
}

// NewMultiRegionBackend creates a replicating backend over members
func NewMultiRegionBackend(members ...RegionBackend) *MultiRegionBackend {
	return &MultiRegionBackend{members: members}
}

func (m *MultiRegionBackend) Name() string {
	names := make([]string, len(m.members))
	for i, member := range m.members {
		names[i] = member.Region
	}
	return "multi-region(" + strings.Join(names, ",") + ")"
}

// Upload writes to every region in parallel. Any region failing fails the upload.
func (m *MultiRegionBackend) Upload(ctx context.Context, localPath, remotePath string, metadata map[string]string) (*ObjectInfo, error) {
	if len(m.members) == 0 {
		return nil, NewConfigurationError("multi-region backend has no regions", nil)
	}

	results := make([]*ObjectInfo, len(m.members))
	g, gctx := errgroup.WithContext(ctx)
	for i, member := range m.members {
		i, member := i, member
		g.Go(func() error {
			info, err := member.Backend.Upload(gctx, localPath, remotePath, metadata)
			if err != nil {
				return NewStorageError(fmt.Sprintf("upload to region %s failed", member.Region), err)
			}
			results[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	canonical := *results[0]
	for i, info := range results[1:] {
		if info.Checksum != canonical.Checksum {
			return nil, NewIntegrityError(fmt.Sprintf("region %s reported checksum %s, canonical is %s",
				m.members[i+1].Region, info.Checksum, canonical.Checksum), nil)
		}
	}
	return &canonical, nil
}

// Download reads from the first region holding the object
func (m *MultiRegionBackend) Download(ctx context.Context, remotePath, localPath string) error {
	var lastErr error
	for _, member := range m.members {
		err := member.Backend.Download(ctx, remotePath, localPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
	}
	if lastErr == nil {
		return NewConfigurationError("multi-region backend has no regions", nil)
	}
	return lastErr
}

// Delete removes the object from every region in parallel
func (m *MultiRegionBackend) Delete(ctx context.Context, remotePath string) error {
	var g errgroup.Group
	for _, member := range m.members {
		member := member
		g.Go(func() error {
			if err := member.Backend.Delete(ctx, remotePath); err != nil {
				return NewStorageError(fmt.Sprintf("delete in region %s failed", member.Region), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Exists reports whether any region holds the object
func (m *MultiRegionBackend) Exists(ctx context.Context, remotePath string) (bool, error) {
	var firstErr error
	for _, member := range m.members {
		ok, err := member.Backend.Exists(ctx, remotePath)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

// GetMetadata returns the metadata of the first region holding the object
func (m *MultiRegionBackend) GetMetadata(ctx context.Context, remotePath string) (*ObjectInfo, error) {
	var lastErr error
	for _, member := range m.members {
		info, err := member.Backend.GetMetadata(ctx, remotePath)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, NewConfigurationError("multi-region backend has no regions", nil)
	}
	return nil, lastErr
}

// List lists the canonical region
func (m *MultiRegionBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if len(m.members) == 0 {
		return nil, NewConfigurationError("multi-region backend has no regions", nil)
	}
	lister, ok := m.members[0].Backend.(ObjectLister)
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("region %s cannot list objects", m.members[0].Region), nil)
	}
	return lister.List(ctx, prefix)
}
