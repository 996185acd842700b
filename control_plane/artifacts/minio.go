package artifacts

import (
	"context"
	"errors"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioGateway serves artifact binaries from an S3-compatible object
// store. Objects are keyed by content hash, so the bucket doubles as a
// content-addressed store.
type MinioGateway struct {
	client *minio.Client
	bucket string
}

// MinioConfig carries the connection settings for the object store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewMinioGateway(ctx context.Context, cfg MinioConfig) (*MinioGateway, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.New("artifact bucket does not exist: " + cfg.Bucket)
	}

	return &MinioGateway{client: client, bucket: cfg.Bucket}, nil
}

func (g *MinioGateway) Open(ctx context.Context, sha1 string) (ByteSource, int64, error) {
	stat, err := g.client.StatObject(ctx, g.bucket, sha1, minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}

	// minio.Object is a lazy ReadSeekCloser; the GET is issued on first
	// read after the range server has seeked to its offset.
	obj, err := g.client.GetObject(ctx, g.bucket, sha1, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, err
	}
	return obj, stat.Size, nil
}
