// Package s3bucket stores uploaded files in an S3 bucket, using multipart uploads for large files.
package s3bucket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gabriel-vasile/mimetype"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive"
)

const (
	// MinPartSize is the smallest part S3 accepts, apart from the last one.
	MinPartSize = 5 * 1024 * 1024
	// MaxParts is the most parts a multipart upload can have.
	MaxParts = 10000

	sniffLen = 3072
)

// API is the subset of the S3 client used by the bucket.
type API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Presigner signs part upload requests, so that parts can be sent with a plain HTTP client.
type Presigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Params ...
type Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// PartSize is the size of a multipart upload part, it must match the chunk size.
	PartSize int64
}

// Bucket is a drive.Drive backed by an S3 bucket. Folders are key prefixes.
type Bucket struct {
	client    API
	presigner Presigner
	bucket    string
	partSize  int64
	logger    log.Logger
}

// New creates a Bucket using the default AWS credential chain, or static credentials if both
// the access key ID and the secret access key are provided.
func New(ctx context.Context, params Params, logger log.Logger) (*Bucket, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg)
	return NewWithClient(client, s3.NewPresignClient(client), params.Bucket, params.PartSize, logger)
}

// NewWithClient creates a Bucket using the given clients.
func NewWithClient(client API, presigner Presigner, bucket string, partSize int64, logger log.Logger) (*Bucket, error) {
	if partSize < MinPartSize {
		return nil, fmt.Errorf("part size (%d bytes) is smaller than the S3 minimum of %d bytes", partSize, MinPartSize)
	}

	return &Bucket{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		partSize:  partSize,
		logger:    logger,
	}, nil
}

func loadAWSConfig(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %w", err)
	}

	return &cfg, nil
}

// ResolveFolder ...
func (b *Bucket) ResolveFolder(_ context.Context, remotePath string) (*drive.Item, error) {
	prefix := cleanKey(remotePath)
	return &drive.Item{
		ID:     prefix,
		Name:   path.Base("/" + prefix),
		Path:   prefix,
		WebURL: b.objectURL(prefix),
		Folder: true,
	}, nil
}

// UploadSmall uploads content with a single PutObject request.
func (b *Bucket) UploadSmall(ctx context.Context, folder *drive.Item, name string, content io.Reader, size int64) (*drive.Item, error) {
	header := make([]byte, sniffLen)
	n, err := io.ReadFull(content, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	header = header[:n]

	key := objectKey(folder, name)
	uploader := manager.NewUploader(b.client, func(u *manager.Uploader) {
		u.PartSize = b.partSize
	})

	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          io.MultiReader(bytes.NewReader(header), content),
		ContentType:   aws.String(contentType(name, header)),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	return b.item(key, size), nil
}

// CreateSession starts a multipart upload.
func (b *Bucket) CreateSession(ctx context.Context, folder *drive.Item, name string, size int64) (drive.Session, error) {
	if parts := (size + b.partSize - 1) / b.partSize; parts > MaxParts {
		return nil, fmt.Errorf("%s needs %d parts, S3 allows at most %d", name, parts, MaxParts)
	}

	key := objectKey(folder, name)
	out, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType(name, nil)),
	})
	if err != nil {
		return nil, fmt.Errorf("create multipart upload for %s: %w", key, err)
	}
	if out.UploadId == nil {
		return nil, fmt.Errorf("no upload ID in create multipart upload response")
	}
	b.logger.Debugf("Multipart upload created for %s", key)

	return newMultipartSession(b, key, aws.ToString(out.UploadId), size), nil
}

// GetItem returns the object named name under the folder prefix.
func (b *Bucket) GetItem(ctx context.Context, folder *drive.Item, name string) (*drive.Item, error) {
	return b.headObject(ctx, objectKey(folder, name))
}

func (b *Bucket) headObject(ctx context.Context, key string) (*drive.Item, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, drive.ErrNotFound)
		}
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}

	return b.item(key, aws.ToInt64(out.ContentLength)), nil
}

func (b *Bucket) item(key string, size int64) *drive.Item {
	return &drive.Item{
		ID:     key,
		Name:   path.Base(key),
		Path:   key,
		WebURL: b.objectURL(key),
		Size:   size,
	}
}

func (b *Bucket) objectURL(key string) string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, key)
}

func isNotFound(err error) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}
	switch apiError.(type) {
	case *types.NotFound, *types.NoSuchKey:
		return true
	}
	return apiError.ErrorCode() == "NotFound"
}

func objectKey(folder *drive.Item, name string) string {
	if folder == nil || folder.Path == "" {
		return name
	}
	return folder.Path + "/" + name
}

func cleanKey(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.Trim(p, "/")
}

// contentType sniffs header when available and falls back to the file extension.
func contentType(name string, header []byte) string {
	if len(header) > 0 {
		if detected := mimetype.Detect(header); detected != nil && !detected.Is("application/octet-stream") {
			return detected.String()
		}
	}
	if byExt := mime.TypeByExtension(path.Ext(name)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
