package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"rag-gateway/internal/config"
)

// Store keeps a copy of every successfully ingested upload
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Nop discards everything
type Nop struct{}

func (Nop) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return nil
}

// S3Store uploads raw documents to an S3 compatible bucket
type S3Store struct {
	uploader *manager.Uploader
	bucket   string
}

// New returns an S3Store when a bucket is configured and Nop otherwise
func New(cfg config.ArchiveConfig) Store {
	if cfg.Bucket == "" {
		return Nop{}
	}
	return NewS3Store(cfg)
}

func NewS3Store(cfg config.ArchiveConfig) *S3Store {
	client := s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.AccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		}
	})
	return &S3Store{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
	}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to archive %s: %v", key, err)
	}
	log.Debug().Str("bucket", s.bucket).Str("key", key).Int("bytes", len(data)).Msg("Archived upload")
	return nil
}

// ObjectKey lays uploads out as prefix/deployment/yyyy/mm/dd/id-filename
func ObjectKey(prefix, deployment, id, filename string, at time.Time) string {
	return path.Join(prefix, deployment, at.UTC().Format("2006/01/02"), id+"-"+path.Base(filename))
}
