package blob

import (
	"bytes"
	"context"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/adreport-cli/internal/config"
	"github.com/sells-group/adreport-cli/internal/resilience"
)

// objectAPI is the subset of the MinIO client the store uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ReadObject(ctx context.Context, bucket, object string) ([]byte, error)
}

type minioClient struct {
	*minio.Client
}

// ReadObject reads a whole object. GetObject is lazy, so a missing key
// surfaces from the read.
func (c minioClient) ReadObject(ctx context.Context, bucket, object string) ([]byte, error) {
	obj, err := c.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// MinIO stores objects in an S3-compatible bucket. Locators are object keys
// including the configured prefix.
type MinIO struct {
	client objectAPI
	bucket string
	prefix string
	retry  resilience.RetryConfig
}

// NewMinIO connects to the object store described by cfg.
func NewMinIO(cfg config.BlobConfig, retry resilience.RetryConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, eris.Wrap(err, "blob: create minio client")
	}
	return newMinIO(minioClient{client}, cfg.Bucket, cfg.Prefix, retry), nil
}

func newMinIO(client objectAPI, bucket, prefix string, retry resilience.RetryConfig) *MinIO {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("blob", "put")
	}
	return &MinIO{client: client, bucket: bucket, prefix: prefix, retry: retry}
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return eris.Wrapf(err, "blob: check bucket %s", s.bucket)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return eris.Wrapf(err, "blob: create bucket %s", s.bucket)
	}
	zap.L().Info("blob: created bucket", zap.String("bucket", s.bucket))
	return nil
}

func (s *MinIO) Put(ctx context.Context, name string, data []byte) (string, error) {
	key, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if s.prefix != "" {
		key, err = cleanName(s.prefix + "/" + key)
		if err != nil {
			return "", err
		}
	}
	contentType := mimetype.Detect(data).String()

	err = resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		if err != nil && retryableStatus(err) {
			return resilience.NewTransientError(err, minio.ToErrorResponse(err).StatusCode)
		}
		return err
	})
	if err != nil {
		return "", eris.Wrapf(err, "blob: put %s", key)
	}
	return key, nil
}

func (s *MinIO) Get(ctx context.Context, locator string) ([]byte, error) {
	key, err := cleanName(locator)
	if err != nil {
		return nil, err
	}
	data, err := s.client.ReadObject(ctx, s.bucket, key)
	if err != nil {
		return nil, translateError(err, key)
	}
	return data, nil
}

func translateError(err error, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return eris.Wrapf(ErrNotFound, "blob: get %s", key)
	}
	return eris.Wrapf(err, "blob: get %s", key)
}

func retryableStatus(err error) bool {
	status := minio.ToErrorResponse(err).StatusCode
	return status == 0 || resilience.IsTransientHTTPStatus(status)
}
