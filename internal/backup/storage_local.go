package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const metadataSuffix = ".meta.json"

// LocalStorageBackend stores artifacts on the local file system with a JSON sidecar per object
type LocalStorageBackend struct {
	basePath    string
	permissions os.FileMode
}

// NewLocalStorageBackend creates a LocalStorageBackend instance
func NewLocalStorageBackend(config *LocalConfig) (*LocalStorageBackend, error) {
	if config == nil {
		return nil, NewValidationError("local storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid local storage configuration", err)
	}

	backend := &LocalStorageBackend{
		basePath:    config.BasePath,
		permissions: config.Permissions,
	}
	if backend.permissions == 0 {
		backend.permissions = 0o755
	}

	if err := os.MkdirAll(backend.basePath, backend.permissions); err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to create base directory %s", backend.basePath), err)
	}

	return backend, nil
}

func (l *LocalStorageBackend) Name() string {
	return "local:" + l.basePath
}

// BasePath returns the root directory of the backend
func (l *LocalStorageBackend) BasePath() string {
	return l.basePath
}

// Upload copies the file into place through a temporary file and an atomic rename
func (l *LocalStorageBackend) Upload(ctx context.Context, localPath, remotePath string, metadata map[string]string) (*ObjectInfo, error) {
	target, err := l.resolve(remotePath)
	if err != nil {
		return nil, err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to open %s", localPath), err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(target), l.permissions); err != nil {
		return nil, NewStorageError("failed to create object directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return nil, NewStorageError("failed to create temporary object", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), &contextReader{ctx: ctx, r: src})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewTimeoutError("upload cancelled", ctx.Err())
		}
		return nil, NewStorageError(fmt.Sprintf("failed to write %s", remotePath), err)
	}

	info := &ObjectInfo{
		Path:         remotePath,
		Size:         size,
		Checksum:     hex.EncodeToString(hash.Sum(nil)),
		LastModified: time.Now().UTC(),
	}
	info.Metadata = withChecksum(metadata, info.Checksum)

	if err := os.Rename(tmpName, target); err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to commit %s", remotePath), err)
	}
	committed = true

	if err := l.writeSidecar(target, info); err != nil {
		os.Remove(target)
		return nil, err
	}
	return info, nil
}

func (l *LocalStorageBackend) Download(ctx context.Context, remotePath, localPath string) error {
	source, err := l.resolve(remotePath)
	if err != nil {
		return err
	}

	src, err := os.Open(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewNotFoundError(fmt.Sprintf("object %s not found", remotePath), err)
		}
		return NewStorageError(fmt.Sprintf("failed to open %s", remotePath), err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to create %s", localPath), err)
	}

	_, err = io.Copy(dst, &contextReader{ctx: ctx, r: src})
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		if ctx.Err() != nil {
			return NewTimeoutError("download cancelled", ctx.Err())
		}
		return NewStorageError(fmt.Sprintf("failed to download %s", remotePath), err)
	}
	return nil
}

func (l *LocalStorageBackend) Delete(ctx context.Context, remotePath string) error {
	target, err := l.resolve(remotePath)
	if err != nil {
		return err
	}

	for _, path := range []string{target, target + metadataSuffix} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return NewStorageError(fmt.Sprintf("failed to delete %s", remotePath), err)
		}
	}
	return nil
}

func (l *LocalStorageBackend) Exists(ctx context.Context, remotePath string) (bool, error) {
	target, err := l.resolve(remotePath)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(target)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, NewStorageError(fmt.Sprintf("failed to stat %s", remotePath), err)
}

func (l *LocalStorageBackend) GetMetadata(ctx context.Context, remotePath string) (*ObjectInfo, error) {
	target, err := l.resolve(remotePath)
	if err != nil {
		return nil, err
	}

	stat, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewNotFoundError(fmt.Sprintf("object %s not found", remotePath), err)
		}
		return nil, NewStorageError(fmt.Sprintf("failed to stat %s", remotePath), err)
	}

	info := &ObjectInfo{
		Path:         remotePath,
		Size:         stat.Size(),
		LastModified: stat.ModTime().UTC(),
	}

	data, err := os.ReadFile(target + metadataSuffix)
	switch {
	case err == nil:
		var sidecar ObjectInfo
		if err := json.Unmarshal(data, &sidecar); err != nil {
			return nil, NewStorageError("failed to parse object metadata", err)
		}
		info.Metadata = sidecar.Metadata
		info.Checksum = sidecar.Checksum
	case !errors.Is(err, fs.ErrNotExist):
		return nil, NewStorageError("failed to read object metadata", err)
	}

	// size always comes from the object itself so truncation stays visible
	return info, nil
}

func (l *LocalStorageBackend) writeSidecar(target string, info *ObjectInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return NewStorageError("failed to serialize object metadata", err)
	}
	if err := os.WriteFile(target+metadataSuffix, data, 0o644); err != nil {
		return NewStorageError("failed to write object metadata", err)
	}
	return nil
}

// resolve maps a remote path below the base directory and rejects traversal
func (l *LocalStorageBackend) resolve(remotePath string) (string, error) {
	if strings.TrimSpace(remotePath) == "" {
		return "", NewValidationError("remote path is required", nil)
	}

	cleaned := filepath.Clean("/" + filepath.ToSlash(remotePath))
	target := filepath.Join(l.basePath, filepath.FromSlash(cleaned))

	rel, err := filepath.Rel(l.basePath, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", NewValidationError(fmt.Sprintf("remote path %s escapes the storage root", remotePath), nil)
	}
	if strings.HasSuffix(target, metadataSuffix) {
		return "", NewValidationError("remote path uses a reserved suffix", nil)
	}
	return target, nil
}

// List returns every object under prefix, skipping sidecars and in-flight uploads
func (l *LocalStorageBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := filepath.WalkDir(l.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, metadataSuffix) || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}

		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		remotePath := filepath.ToSlash(rel)
		if !strings.HasPrefix(remotePath, prefix) {
			return nil
		}

		info, err := l.GetMetadata(ctx, remotePath)
		if err != nil {
			return err
		}
		objects = append(objects, *info)
		return nil
	})
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to list %s", prefix), err)
	}
	return objects, nil
}
