package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// MinioStore talks to any S3-compatible endpoint (MinIO, AWS S3,
// Ceph RGW) through the minio client.
type MinioStore struct {
	client *minio.Client
	// bucket is only used by Ping; the data operations take the bucket
	// per call.
	bucket string
}

// NewMinio connects to the configured endpoint. The connection is
// lazy; use Ping or EnsureBucket to verify reachability.
func NewMinio(cfg Config) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, eris.New("objstore: endpoint is required for the minio driver")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, eris.Wrap(err, "objstore: create minio client")
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) GetJSON(ctx context.Context, bucket, key string, out any) error {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return eris.Wrapf(ErrNotFound, "objstore: get %s/%s", bucket, key)
		}
		return eris.Wrapf(err, "objstore: get %s/%s", bucket, key)
	}
	defer obj.Close() //nolint:errcheck

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return eris.Wrapf(ErrNotFound, "objstore: get %s/%s", bucket, key)
		}
		return eris.Wrapf(err, "objstore: read %s/%s", bucket, key)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrapf(err, "objstore: decode %s/%s", bucket, key)
	}
	return nil
}

func (s *MinioStore) PutJSON(ctx context.Context, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "objstore: encode %s/%s", bucket, key)
	}

	_, err = s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return eris.Wrapf(err, "objstore: put %s/%s", bucket, key)
	}
	return nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return eris.Wrapf(err, "objstore: delete %s/%s", bucket, key)
	}
	return nil
}

func (s *MinioStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, eris.Wrapf(err, "objstore: stat %s/%s", bucket, key)
	}
	return true, nil
}

func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return eris.Wrapf(err, "objstore: check bucket %s", bucket)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		// Another worker may have created it between the check and here.
		exists, checkErr := s.client.BucketExists(ctx, bucket)
		if checkErr == nil && exists {
			return nil
		}
		return eris.Wrapf(err, "objstore: create bucket %s", bucket)
	}
	zap.L().Info("objstore: created bucket", zap.String("bucket", bucket))
	return nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	// BucketExists works as a reachability probe even when the bucket
	// is absent; only transport failures return an error.
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return eris.Wrap(err, "objstore: ping")
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
