package attachment

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3 opens "s3://bucket/key" references from an S3-compatible store.
type S3 struct {
	client *minio.Client
}

func NewS3(cfg S3Config) (*S3, error) {
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &S3{client: c}, nil
}

func (s *S3) Open(ctx context.Context, ref string) (*File, error) {
	bucket, key, err := parseObjectRef(ref)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat performs the request.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return nil, err
	}
	return NewFile(path.Base(key), info.Size, obj)
}

func parseObjectRef(ref string) (bucket, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil || !strings.EqualFold(u.Scheme, "s3") || u.Host == "" {
		return "", "", fmt.Errorf("%q: %w", ref, ErrInvalidRef)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("%q: missing key: %w", ref, ErrInvalidRef)
	}
	return u.Host, key, nil
}
