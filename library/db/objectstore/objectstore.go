// Package objectstore stores large blob bytes in an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"io"
	"strings"

	errors "github.com/Laisky/errors/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Settings configures the bucket connection.
type Settings struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Prefix    string
}

// Enabled reports whether enough settings are present to connect.
func (s Settings) Enabled() bool {
	return strings.TrimSpace(s.Endpoint) != "" && strings.TrimSpace(s.Bucket) != ""
}

// Store is a minio-backed object store.
type Store struct {
	cli    *minio.Client
	bucket string
	prefix string
}

// New connects to the configured bucket.
func New(settings Settings) (*Store, error) {
	if !settings.Enabled() {
		return nil, errors.New("object store endpoint and bucket are required")
	}

	cli, err := minio.New(settings.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(settings.AccessKey, settings.SecretKey, ""),
		Secure: settings.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new minio client")
	}

	return &Store{
		cli:    cli,
		bucket: settings.Bucket,
		prefix: strings.Trim(settings.Prefix, "/"),
	}, nil
}

// ObjectKey returns the full object key for a logical key.
func (s *Store) ObjectKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put uploads content under key. Re-uploading the same key overwrites it.
func (s *Store) Put(ctx context.Context, key string, content []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.cli.PutObject(ctx,
		s.bucket,
		s.ObjectKey(key),
		bytes.NewReader(content),
		int64(len(content)),
		minio.PutObjectOptions{
			ContentType: contentType,
		},
	)
	if err != nil {
		return errors.Wrapf(err, "put object %q", key)
	}

	return nil
}

// Get downloads the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.cli.GetObject(ctx, s.bucket, s.ObjectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get object %q", key)
	}
	defer obj.Close() // nolint: errcheck

	content, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.Wrapf(err, "read object %q", key)
	}

	return content, nil
}
