// Package archive keeps a copy of every uploaded evidence file in an
// S3-compatible bucket.
package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jalad-shrimali/cdr-correlator/internal/config"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
)

// Archiver stores a local file under key and returns where it went.
type Archiver interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// Store is a minio-backed Archiver.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// New connects and makes sure the bucket exists.
func New(ctx context.Context, cfg config.ArchiveSettings) (*Store, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, storageError("connect", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, storageError("check bucket", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, storageError("create bucket", err)
		}
	}
	return &Store{client: cli, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Upload copies localPath to the bucket.
func (s *Store) Upload(ctx context.Context, localPath, key string) (string, error) {
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: ContentType(localPath),
	})
	if err != nil {
		return "", storageError("upload", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

var unsafeName = regexp.MustCompile(`[^\w.\-() ]+`)

// Key names an uploaded file: <kind>/<yyyy>/<mm>/<dd>/<uuid>__<safe name>.
func Key(kind, name string, now time.Time) string {
	safe := unsafeName.ReplaceAllString(filepath.Base(name), "_")
	return fmt.Sprintf("%s/%s/%s__%s", kind, now.UTC().Format("2006/01/02"), uuid.NewString(), safe)
}

// ContentType guesses the MIME type of an evidence file from its
// extension.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".db", ".db3", ".sqlite":
		return "application/vnd.sqlite3"
	}
	return "application/octet-stream"
}

func storageError(op string, err error) error {
	return errors.New(fmt.Errorf("archive %s: %w", op, err)).
		Component("archive").
		Category(errors.CategoryStorage).
		Build()
}
