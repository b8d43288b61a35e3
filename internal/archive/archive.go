// Package archive stores finished era rollups in S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"vortex/api/internal/config"
	"vortex/api/internal/era"
)

// Archiver persists a rollup snapshot outside the primary store.
type Archiver interface {
	ArchiveRollup(ctx context.Context, rollup era.Rollup, statuses []era.UserStatus) error
}

// Noop is used when no object storage is configured.
type Noop struct{}

func (Noop) ArchiveRollup(context.Context, era.Rollup, []era.UserStatus) error { return nil }

type document struct {
	Rollup     era.Rollup       `json:"rollup"`
	Statuses   []era.UserStatus `json:"statuses"`
	ArchivedAt time.Time        `json:"archivedAt"`
}

func ObjectName(eraNumber int) string {
	return fmt.Sprintf("era-%06d.json", eraNumber)
}

func encode(rollup era.Rollup, statuses []era.UserStatus, at time.Time) ([]byte, error) {
	if statuses == nil {
		statuses = []era.UserStatus{}
	}
	return json.MarshalIndent(document{Rollup: rollup, Statuses: statuses, ArchivedAt: at.UTC()}, "", "  ")
}

type MinioArchiver struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
	now    func() time.Time
}

// New returns a MinioArchiver when cfg names an endpoint and Noop otherwise.
func New(cfg config.ArchiveConfig, logger *slog.Logger) (Archiver, error) {
	if cfg.Endpoint == "" {
		return Noop{}, nil
	}
	return NewMinio(cfg, logger)
}

func NewMinio(cfg config.ArchiveConfig, logger *slog.Logger) (*MinioArchiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: "us-east-1",
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &MinioArchiver{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With("component", "archive"),
		now:    time.Now,
	}, nil
}

func (a *MinioArchiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

func (a *MinioArchiver) ArchiveRollup(ctx context.Context, rollup era.Rollup, statuses []era.UserStatus) error {
	body, err := encode(rollup, statuses, a.now())
	if err != nil {
		return fmt.Errorf("encode rollup: %w", err)
	}
	if err := a.ensureBucket(ctx); err != nil {
		return err
	}
	object := ObjectName(rollup.Era)
	info, err := a.client.PutObject(ctx, a.bucket, object, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", object, err)
	}
	a.logger.Info("era rollup archived", "era", rollup.Era, "object", object, "size", info.Size)
	return nil
}
