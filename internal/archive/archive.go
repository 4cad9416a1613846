// Package archive pushes plant photos to an S3-compatible bucket so a local
// database can be backed up off-device.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/yardkeep/yardkeep/internal/config"
	"github.com/yardkeep/yardkeep/internal/model"
	"github.com/yardkeep/yardkeep/internal/store"
)

// Archive wraps MinIO/S3 interactions for photo backups.
type Archive struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Archive, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Archive{
		client: client,
		bucket: cfg.S3Bucket,
		region: cfg.S3Region,
	}, nil
}

// EnsureBucket makes sure the archive bucket exists before use.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", a.bucket, err)
		}
	}
	return nil
}

// objectKey names a photo inside the bucket.
func objectKey(plantID, imageID string) string {
	return fmt.Sprintf("plants/%s/%s.jpg", plantID, imageID)
}

// UploadImage stores one photo.
func (a *Archive) UploadImage(ctx context.Context, plantID string, img model.PlantImage) error {
	opts := minio.PutObjectOptions{ContentType: "image/jpeg"}
	reader := bytes.NewReader(img.Blob)
	_, err := a.client.PutObject(ctx, a.bucket, objectKey(plantID, img.ID), reader, int64(len(img.Blob)), opts)
	if err != nil {
		return fmt.Errorf("upload image %s/%s: %w", plantID, img.ID, err)
	}
	return nil
}

// UploadRecord pushes every photo of a record, skipping empty blobs.
func (a *Archive) UploadRecord(ctx context.Context, record *model.PlantRecord) (int, error) {
	var uploaded int
	for _, img := range record.Images {
		if len(img.Blob) == 0 {
			continue
		}
		if err := a.UploadImage(ctx, record.ID, img); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	return uploaded, nil
}

// Sync uploads every photo of every record in the store. Returns the total
// number of objects written.
func (a *Archive) Sync(ctx context.Context, st store.Store) (int, error) {
	records, err := st.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read records: %w", err)
	}
	var total int
	for _, record := range records {
		n, err := a.UploadRecord(ctx, record)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// PresignImageURL returns a signed GET URL for an archived photo.
func (a *Archive) PresignImageURL(ctx context.Context, plantID, imageID string, ttl time.Duration) (string, error) {
	u, err := a.client.PresignedGetObject(ctx, a.bucket, objectKey(plantID, imageID), ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign image: %w", err)
	}
	return u.String(), nil
}
