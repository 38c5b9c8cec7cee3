package aws

import (
	"bytes"
	"context"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore is the subset of S3 used for report archival.
type ObjectStore interface {
	PutObject(ctx context.Context, key, contentType string, body []byte) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// S3Store writes objects into a single bucket. Large reports go up as
// multipart uploads.
type S3Store struct {
	uploader  *manager.Uploader
	presigner *s3.PresignClient
	bucket    string
}

func NewS3Store(cfg sdkaws.Config, bucket string) *S3Store {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// LocalStack only serves path-style URLs
		o.UsePathStyle = true
	})
	return newS3Store(client, s3.NewPresignClient(client), bucket)
}

func newS3Store(client manager.UploadAPIClient, presigner *s3.PresignClient, bucket string) *S3Store {
	return &S3Store{
		uploader:  manager.NewUploader(client),
		presigner: presigner,
		bucket:    bucket,
	}
}

func (s *S3Store) PutObject(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      sdkaws.String(s.bucket),
		Key:         sdkaws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: sdkaws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// PresignGet generates a presigned GET URL for key.
func (s *S3Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	presigned, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: sdkaws.String(s.bucket),
		Key:    sdkaws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign get object: %w", err)
	}
	return presigned.URL, nil
}
