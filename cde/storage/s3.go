package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Storage struct {
	client *s3.Client
	bucket string
}

type S3Args struct {
	Bucket string
	Region string

	// Endpoint overrides the AWS endpoint, used for minio and other
	// s3-compatible stores. Forces path style addressing.
	Endpoint string

	// Static credentials. If empty the default aws credential chain is used.
	AccessKey string
	SecretKey string
}

func NewS3(ctx context.Context, args S3Args) (Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(args.Region)}
	if args.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(args.AccessKey, args.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if args.Endpoint != "" {
			o.BaseEndpoint = aws.String(args.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Info("creating new s3 storage", "bucket", args.Bucket, "region", args.Region)

	return &S3Storage{client: client, bucket: args.Bucket}, nil
}

func (s *S3Storage) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   data,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		slog.Error("error writing object to s3", "key", key, "error", err)
		return fmt.Errorf("error writing object %v: %w", key, err)
	}

	return nil
}

func (s *S3Storage) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrKeyNotFound
		}
		slog.Error("error reading object from s3", "key", key, "error", err)
		return nil, fmt.Errorf("error reading object %v: %w", key, err)
	}

	return out.Body, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("error deleting object from s3", "key", key, "error", err)
		return fmt.Errorf("error deleting object %v: %w", key, err)
	}

	return nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.head(ctx, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Storage) Size(ctx context.Context, key string) (int64, error) {
	head, err := s.head(ctx, key)
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(head.ContentLength), nil
}

func (s *S3Storage) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, ErrKeyNotFound
		}
		slog.Error("error getting object metadata from s3", "key", key, "error", err)
		return nil, fmt.Errorf("error getting metadata for object %v: %w", key, err)
	}

	return out, nil
}

func (s *S3Storage) ProviderId() string {
	return ProviderS3
}
