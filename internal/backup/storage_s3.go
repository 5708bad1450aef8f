package backup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3StorageBackend stores artifacts in an S3-compatible bucket
type S3StorageBackend struct {
	client     s3iface.S3API
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string
	region     string
}

// NewS3StorageBackend creates an S3StorageBackend instance
func NewS3StorageBackend(config *S3Config) (*S3StorageBackend, error) {
	if config == nil {
		return nil, NewValidationError("S3 storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid S3 storage configuration", err)
	}

	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(config.ForcePathStyle)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, NewStorageError("failed to create AWS session", err)
	}

	client := s3.New(sess)
	partSize := config.PartSizeMB * 1024 * 1024
	if partSize < s3manager.MinUploadPartSize {
		partSize = s3manager.DefaultUploadPartSize
	}

	return &S3StorageBackend{
		client: client,
		uploader: s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
			u.PartSize = partSize
		}),
		downloader: s3manager.NewDownloaderWithClient(client),
		bucket:     config.Bucket,
		region:     config.Region,
	}, nil
}

func (b *S3StorageBackend) Name() string {
	return fmt.Sprintf("s3://%s (%s)", b.bucket, b.region)
}

// Upload digests the file first so the checksum can travel as object metadata, then streams it
// through the multipart uploader. Cancelling ctx aborts the multipart upload.
func (b *S3StorageBackend) Upload(ctx context.Context, localPath, remotePath string, metadata map[string]string) (*ObjectInfo, error) {
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
	_, err = b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(remotePath),
		Body:        file,
		ContentType: aws.String("application/octet-stream"),
		Metadata:    aws.StringMap(stored),
	})
	if err != nil {
		return nil, b.translate(ctx, "upload", remotePath, err)
	}

	return &ObjectInfo{
		Path:     remotePath,
		Size:     size,
		Checksum: checksum,
		Metadata: stored,
	}, nil
}

func (b *S3StorageBackend) Download(ctx context.Context, remotePath, localPath string) error {
	file, err := os.Create(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to create %s", localPath), err)
	}

	_, err = b.downloader.DownloadWithContext(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(remotePath),
	})
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		return b.translate(ctx, "download", remotePath, err)
	}
	return nil
}

// Delete removes the object. S3 deletes are idempotent.
func (b *S3StorageBackend) Delete(ctx context.Context, remotePath string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		translated := b.translate(ctx, "delete", remotePath, err)
		if IsNotFound(translated) {
			return nil
		}
		return translated
	}
	return nil
}

func (b *S3StorageBackend) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := b.head(ctx, remotePath)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (b *S3StorageBackend) GetMetadata(ctx context.Context, remotePath string) (*ObjectInfo, error) {
	out, err := b.head(ctx, remotePath)
	if err != nil {
		return nil, err
	}

	info := &ObjectInfo{
		Path:     remotePath,
		Size:     aws.Int64Value(out.ContentLength),
		Metadata: normalizeMetadataKeys(aws.StringValueMap(out.Metadata)),
	}
	info.Checksum = info.Metadata[MetaChecksum]
	if out.LastModified != nil {
		info.LastModified = out.LastModified.UTC()
	}
	return info, nil
}

func (b *S3StorageBackend) head(ctx context.Context, remotePath string) (*s3.HeadObjectOutput, error) {
	out, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		return nil, b.translate(ctx, "head", remotePath, err)
	}
	return out, nil
}

// List returns every object under prefix. Listing does not return user metadata,
// so Checksum stays empty.
func (b *S3StorageBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			info := ObjectInfo{
				Path: aws.StringValue(obj.Key),
				Size: aws.Int64Value(obj.Size),
			}
			if obj.LastModified != nil {
				info.LastModified = obj.LastModified.UTC()
			}
			objects = append(objects, info)
		}
		return true
	})
	if err != nil {
		return nil, b.translate(ctx, "list", prefix, err)
	}
	return objects, nil
}

// translate maps AWS errors onto the backup error taxonomy
func (b *S3StorageBackend) translate(ctx context.Context, op, remotePath string, err error) error {
	message := fmt.Sprintf("s3 %s of %s failed", op, remotePath)

	if ctx.Err() != nil {
		return NewTimeoutError(message, ctx.Err())
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return NewNotFoundError(fmt.Sprintf("object %s not found", remotePath), err)
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return NewNotFoundError(fmt.Sprintf("object %s not found", remotePath), err)
		case s3.ErrCodeNoSuchBucket, "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return NewConfigurationError(message, err)
		case request.CanceledErrorCode:
			return NewTimeoutError(message, err)
		case request.ErrCodeRequestError, request.ErrCodeResponseTimeout:
			return NewNetworkError(message, err)
		}
	}
	return NewStorageError(message, err)
}

// normalizeMetadataKeys lower-cases keys; S3 returns user metadata with canonical header casing
func normalizeMetadataKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

