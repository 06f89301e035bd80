package archive

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// ErrObjectNotFound is returned by ObjectStore.Get for a missing key
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the blob storage archives are written to
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// MinioOptions configures a MinioStore
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// MinioStore keeps archives in a MinIO (or S3) bucket
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the endpoint. It does not touch the network
// until EnsureBucket or the first object call.
func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}
	return &MinioStore{client: client, bucket: opts.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrapf(err, "check bucket %s", s.bucket)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return errors.Wrapf(err, "create bucket %s", s.bucket)
	}
	return nil
}

// Put uploads data under key
func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return errors.Wrapf(err, "upload %s", key)
	}
	return nil
}

// Get downloads the object at key
func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errors.Wrapf(ErrObjectNotFound, "get %s", key)
		}
		return nil, errors.Wrapf(err, "read %s", key)
	}
	return data, nil
}
