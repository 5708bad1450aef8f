package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStorageBackend stores artifacts in a Google Cloud Storage bucket
type GCSStorageBackend struct {
	client     *storage.Client
	bucketName string
}

// NewGCSStorageBackend creates a GCSStorageBackend instance
func NewGCSStorageBackend(ctx context.Context, config *GCSConfig) (*GCSStorageBackend, error) {
	if config == nil {
		return nil, NewValidationError("GCS storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid GCS storage configuration", err)
	}

	var client *storage.Client
	var err error

	if config.CredentialsPath != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(config.CredentialsPath))
	} else {
		// default credentials (environment or metadata server)
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, NewStorageError("failed to create GCS client", err)
	}

	return &GCSStorageBackend{
		client:     client,
		bucketName: config.Bucket,
	}, nil
}

func (g *GCSStorageBackend) Name() string {
	return "gs://" + g.bucketName
}

// Close releases the client
func (g *GCSStorageBackend) Close() error {
	return g.client.Close()
}

// Upload streams the file through an object writer. Object attributes are sent with the
// first chunk, so the file is digested before the write begins. A cancelled ctx aborts the write.
func (g *GCSStorageBackend) Upload(ctx context.Context, localPath, remotePath string, metadata map[string]string) (*ObjectInfo, error) {
	size, checksum, err := FileDigest(localPath)
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to read %s", localPath), err)
	}

	file, err := os.Open(localPath)
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to open %s", localPath), err)
	}
	defer file.Close()

	stored := withChecksum(metadata, checksum)

	writer := g.client.Bucket(g.bucketName).Object(remotePath).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.Metadata = stored

	if _, err := io.Copy(writer, file); err != nil {
		writer.Close()
		return nil, g.translate(ctx, "upload", remotePath, err)
	}
	if err := writer.Close(); err != nil {
		return nil, g.translate(ctx, "upload", remotePath, err)
	}

	info := &ObjectInfo{
		Path:     remotePath,
		Size:     size,
		Checksum: checksum,
		Metadata: stored,
	}
	if attrs := writer.Attrs(); attrs != nil {
		info.LastModified = attrs.Updated.UTC()
	}
	return info, nil
}

func (g *GCSStorageBackend) Download(ctx context.Context, remotePath, localPath string) error {
	reader, err := g.client.Bucket(g.bucketName).Object(remotePath).NewReader(ctx)
	if err != nil {
		return g.translate(ctx, "download", remotePath, err)
	}
	defer reader.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to create %s", localPath), err)
	}

	_, err = io.Copy(file, reader)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		return g.translate(ctx, "download", remotePath, err)
	}
	return nil
}

func (g *GCSStorageBackend) Delete(ctx context.Context, remotePath string) error {
	err := g.client.Bucket(g.bucketName).Object(remotePath).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return g.translate(ctx, "delete", remotePath, err)
	}
	return nil
}

func (g *GCSStorageBackend) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := g.client.Bucket(g.bucketName).Object(remotePath).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, g.translate(ctx, "stat", remotePath, err)
}

func (g *GCSStorageBackend) GetMetadata(ctx context.Context, remotePath string) (*ObjectInfo, error) {
	attrs, err := g.client.Bucket(g.bucketName).Object(remotePath).Attrs(ctx)
	if err != nil {
		return nil, g.translate(ctx, "stat", remotePath, err)
	}
	return g.objectInfo(attrs), nil
}

// List returns every object under prefix
func (g *GCSStorageBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := g.client.Bucket(g.bucketName).Objects(ctx, &storage.Query{Prefix: prefix})

	var objects []ObjectInfo
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, g.translate(ctx, "list", prefix, err)
		}
		objects = append(objects, *g.objectInfo(attrs))
	}
	return objects, nil
}

func (g *GCSStorageBackend) objectInfo(attrs *storage.ObjectAttrs) *ObjectInfo {
	info := &ObjectInfo{
		Path:         attrs.Name,
		Size:         attrs.Size,
		Metadata:     attrs.Metadata,
		LastModified: attrs.Updated.UTC(),
	}
	info.Checksum = attrs.Metadata[MetaChecksum]
	return info
}

// translate maps GCS errors onto the backup error taxonomy
func (g *GCSStorageBackend) translate(ctx context.Context, op, remotePath string, err error) error {
	message := fmt.Sprintf("gcs %s of %s failed", op, remotePath)

	if errors.Is(err, storage.ErrObjectNotExist) {
		return NewNotFoundError(fmt.Sprintf("object %s not found", remotePath), err)
	}
	if ctx.Err() != nil {
		return NewTimeoutError(message, ctx.Err())
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return NewConfigurationError(message, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return NewConfigurationError(message, err)
		case apiErr.Code == 404:
			return NewNotFoundError(fmt.Sprintf("object %s not found", remotePath), err)
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return NewNetworkError(message, err)
		}
	}
	return NewStorageError(message, err)
}
