package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rendis/duratool/pkg/schema"
)

// Archiver copies the history of a closed run outside the event log.
// Archiving never removes anything from the log.
type Archiver interface {
	Archive(ctx context.Context, run *Run, events []*schema.Event) error
}

// ArchiveDocument is the JSON object written per archived run.
type ArchiveDocument struct {
	Run        *Run            `json:"run"`
	Events     []*schema.Event `json:"events"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// ArchiveKey is the object key of a run's archived history.
func ArchiveKey(run *Run) string {
	return path.Join("runs", run.WorkflowID, run.RunID+".json")
}

// MinioConfig configures the S3-compatible history archive.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether enough is configured to archive.
func (c MinioConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// MinioArchiver uploads closed run histories to MinIO or any S3-compatible store.
type MinioArchiver struct {
	client *minio.Client
	bucket string
}

// NewMinioArchiver connects to the object store and creates the bucket if missing.
func NewMinioArchiver(ctx context.Context, cfg MinioConfig) (*MinioArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioArchiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *MinioArchiver) Archive(ctx context.Context, run *Run, events []*schema.Event) error {
	body, err := json.Marshal(ArchiveDocument{Run: run, Events: events, ArchivedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}

	putCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err = a.client.PutObject(putCtx, a.bucket, ArchiveKey(run),
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("upload %s: %w", ArchiveKey(run), err)
	}
	return nil
}

// StatArchive reports whether a run's history object exists.
func (a *MinioArchiver) StatArchive(ctx context.Context, run *Run) (bool, error) {
	_, err := a.client.StatObject(ctx, a.bucket, ArchiveKey(run), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
