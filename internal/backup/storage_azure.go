package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureStorageBackend stores artifacts in an Azure Blob Storage container
type AzureStorageBackend struct {
	containerURL  azblob.ContainerURL
	containerName string
}

// NewAzureStorageBackend creates an AzureStorageBackend instance
func NewAzureStorageBackend(config *AzureConfig) (*AzureStorageBackend, error) {
	if config == nil {
		return nil, NewValidationError("Azure storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid Azure storage configuration", err)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, NewConfigurationError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName)
	}
	serviceURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, NewConfigurationError("failed to parse Azure service URL", err)
	}

	return &AzureStorageBackend{
		containerURL:  azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(config.ContainerName),
		containerName: config.ContainerName,
	}, nil
}

func (a *AzureStorageBackend) Name() string {
	return "azure://" + a.containerName
}

// Upload digests the file and uploads it as a block blob. Cancelling ctx aborts the block uploads.
func (a *AzureStorageBackend) Upload(ctx context.Context, localPath, remotePath string, metadata map[string]string) (*ObjectInfo, error) {
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
	blobURL := a.containerURL.NewBlockBlobURL(remotePath)

	_, err = azblob.UploadFileToBlockBlob(ctx, file, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 4,
		Metadata:    toAzureMetadata(stored),
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return nil, a.translate(ctx, "upload", remotePath, err)
	}

	return &ObjectInfo{
		Path:     remotePath,
		Size:     size,
		Checksum: checksum,
		Metadata: stored,
	}, nil
}

func (a *AzureStorageBackend) Download(ctx context.Context, remotePath, localPath string) error {
	blobURL := a.containerURL.NewBlobURL(remotePath)

	downloadResponse, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return a.translate(ctx, "download", remotePath, err)
	}

	body := downloadResponse.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20})
	defer body.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to create %s", localPath), err)
	}

	_, err = io.Copy(file, body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		return a.translate(ctx, "download", remotePath, err)
	}
	return nil
}

func (a *AzureStorageBackend) Delete(ctx context.Context, remotePath string) error {
	blobURL := a.containerURL.NewBlobURL(remotePath)
	_, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil {
		translated := a.translate(ctx, "delete", remotePath, err)
		if IsNotFound(translated) {
			return nil
		}
		return translated
	}
	return nil
}

func (a *AzureStorageBackend) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := a.GetMetadata(ctx, remotePath)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (a *AzureStorageBackend) GetMetadata(ctx context.Context, remotePath string) (*ObjectInfo, error) {
	blobURL := a.containerURL.NewBlobURL(remotePath)
	props, err := blobURL.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, a.translate(ctx, "stat", remotePath, err)
	}

	info := &ObjectInfo{
		Path:         remotePath,
		Size:         props.ContentLength(),
		Metadata:     fromAzureMetadata(props.NewMetadata()),
		LastModified: props.LastModified().UTC(),
	}
	info.Checksum = info.Metadata[MetaChecksum]
	return info, nil
}

// List returns every blob under prefix
func (a *AzureStorageBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for marker := (azblob.Marker{}); marker.NotDone(); {
		listResponse, err := a.containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix:  prefix,
			Details: azblob.BlobListingDetails{Metadata: true},
		})
		if err != nil {
			return nil, a.translate(ctx, "list", prefix, err)
		}
		marker = listResponse.NextMarker

		for _, item := range listResponse.Segment.BlobItems {
			info := ObjectInfo{
				Path:         item.Name,
				Metadata:     fromAzureMetadata(item.Metadata),
				LastModified: item.Properties.LastModified.UTC(),
			}
			if item.Properties.ContentLength != nil {
				info.Size = *item.Properties.ContentLength
			}
			info.Checksum = info.Metadata[MetaChecksum]
			objects = append(objects, info)
		}
	}
	return objects, nil
}

// translate maps Azure errors onto the backup error taxonomy
func (a *AzureStorageBackend) translate(ctx context.Context, op, remotePath string, err error) error {
	message := fmt.Sprintf("azure %s of %s failed", op, remotePath)

	var storageErr azblob.StorageError
	if errors.As(err, &storageErr) {
		switch storageErr.ServiceCode() {
		case azblob.ServiceCodeBlobNotFound:
			return NewNotFoundError(fmt.Sprintf("object %s not found", remotePath), err)
		case azblob.ServiceCodeContainerNotFound, azblob.ServiceCodeAuthenticationFailed:
			return NewConfigurationError(message, err)
		}
		if resp := storageErr.Response(); resp != nil {
			switch {
			case resp.StatusCode == http.StatusNotFound:
				return NewNotFoundError(fmt.Sprintf("object %s not found", remotePath), err)
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				return NewNetworkError(message, err)
			}
		}
	}
	if ctx.Err() != nil {
		return NewTimeoutError(message, ctx.Err())
	}
	return NewStorageError(message, err)
}

// Azure metadata names must be valid C# identifiers, so dashes travel as underscores
func toAzureMetadata(in map[string]string) azblob.Metadata {
	out := make(azblob.Metadata, len(in))
	for k, v := range in {
		out[strings.ReplaceAll(k, "-", "_")] = v
	}
	return out
}

func fromAzureMetadata(in azblob.Metadata) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ReplaceAll(strings.ToLower(k), "_", "-")] = v
	}
	return out
}
