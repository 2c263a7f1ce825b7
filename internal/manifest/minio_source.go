package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/permachain/attest-writer/pkg/attestation"
)

// MinIOConfig configures the object-storage-backed manifest source.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOSource reads manifests stored as JSON objects keyed by
// "<entity_id>/<cid>.json" in an S3-compatible bucket.
type MinIOSource struct {
	client *minio.Client
	bucket string
}

// NewMinIOSource connects to the configured bucket, creating it if absent.
func NewMinIOSource(ctx context.Context, cfg MinIOConfig) (*MinIOSource, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &MinIOSource{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(entityID, cid string) string {
	return fmt.Sprintf("%s/%s.json", entityID, cid)
}

// Get fetches and decodes the manifest object for entityID/cid.
func (s *MinIOSource) Get(ctx context.Context, entityID, cid string) (attestation.Manifest, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(entityID, cid), minio.GetObjectOptions{})
	if err != nil {
		return attestation.Manifest{}, fmt.Errorf("get manifest object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return attestation.Manifest{}, ErrNotFound
		}
		return attestation.Manifest{}, fmt.Errorf("read manifest object: %w", err)
	}

	var m attestation.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return attestation.Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// Put writes a manifest object, for seeding a bucket by hand. Nothing in the
// writer calls it (the admin test-bundle endpoint seeds a MemSource);
// production manifests are written by the external system of record.
func (s *MinIOSource) Put(ctx context.Context, m attestation.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, objectKey(m.EntityID, m.CID), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put manifest object: %w", err)
	}
	return nil
}
