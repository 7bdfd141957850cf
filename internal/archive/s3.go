// Package archive copies resolved summons to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"readycheck/api/internal/summon"
)

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Logger    *slog.Logger
}

// S3Archiver writes one JSON object per resolved summon. Object keys are
// derived from the summon id, so a repeated archive overwrites the same
// object with the same content.
type S3Archiver struct {
	client *minio.Client
	bucket string
	region string
	logger *slog.Logger
}

func NewS3Archiver(cfg S3Config) (*S3Archiver, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 archive requires an endpoint and a bucket")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Archiver{client: client, bucket: cfg.Bucket, region: cfg.Region, logger: cfg.Logger}, nil
}

func ObjectKey(groupID, summonID string) string {
	return "summons/" + groupID + "/" + summonID + ".json"
}

// EnsureBucket creates the bucket if it does not exist yet.
func (a *S3Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	a.logger.Info("created archive bucket", "bucket", a.bucket)
	return nil
}

// ArchiveSummon uploads the summon. It only accepts resolved summons.
func (a *S3Archiver) ArchiveSummon(ctx context.Context, s summon.Summon) error {
	if !s.Status.Terminal() {
		return fmt.Errorf("archive summon %s: status %s is not terminal", s.ID, s.Status)
	}
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summon %s: %w", s.ID, err)
	}
	key := ObjectKey(s.GroupID, s.ID)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"summon-status": string(s.Status),
			"summon-reason": string(s.Reason),
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
