package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store is the S3 backend. A custom endpoint switches the client to
// path-style addressing for MinIO/LocalStack.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// S3StoreConfig holds the S3 backend configuration.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack
}

// NewS3Store loads AWS config from the environment and returns the store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, in PutInput) (Object, error) {
	sha := HashBytes(in.Data)
	key := BuildKey(in.TenantID, sha, in.Filename, timeNow())

	// Idempotent: identical content lands on the same key.
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return objectFromHead(key, head), nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return Object{}, fmt.Errorf("objectstore: s3 head %s: %w", key, wrapUnavailable(err))
	}

	meta := Object{
		Key:      key,
		SHA256:   sha,
		Size:     int64(len(in.Data)),
		MIME:     in.MIME,
		Filename: in.Filename,
		TenantID: in.TenantID.String(),
		StoredAt: timeNow().UTC(),
	}
	if err := s.putObject(ctx, key, in.Data, in.MIME, metadataMap(meta)); err != nil {
		return Object{}, err
	}
	return meta, nil
}

func (s *S3Store) PutAt(ctx context.Context, key string, data []byte, mime string) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	meta := Object{
		Key:      key,
		SHA256:   HashBytes(data),
		Size:     int64(len(data)),
		MIME:     mime,
		StoredAt: timeNow().UTC(),
	}
	if err := s.putObject(ctx, key, data, mime, metadataMap(meta)); err != nil {
		return Object{}, err
	}
	return meta, nil
}

func (s *S3Store) putObject(ctx context.Context, key string, data []byte, mime string, md map[string]string) error {
	if mime == "" {
		mime = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mime),
		Metadata:    md,
	})
	if err != nil {
		return fmt.Errorf("objectstore: s3 put %s: %w", key, wrapUnavailable(err))
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("objectstore: s3 get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("objectstore: s3 get %s: %w", key, wrapUnavailable(err))
	}
	return out.Body, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return Object{}, fmt.Errorf("objectstore: s3 head %s: %w", key, ErrNotFound)
		}
		return Object{}, fmt.Errorf("objectstore: s3 head %s: %w", key, wrapUnavailable(err))
	}
	return objectFromHead(key, head), nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objectstore: s3 delete %s: %w", key, wrapUnavailable(err))
	}
	return nil
}

func (s *S3Store) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("objectstore: s3 presign %s: %w", key, err)
	}
	return req.URL, nil
}

func objectFromHead(key string, head *s3.HeadObjectOutput) Object {
	obj := Object{Key: key, MIME: aws.ToString(head.ContentType)}
	if head.ContentLength != nil {
		obj.Size = *head.ContentLength
	}
	if head.LastModified != nil {
		obj.StoredAt = head.LastModified.UTC()
	}
	if head.Metadata != nil {
		obj.SHA256 = head.Metadata["sha256"]
		obj.Filename = head.Metadata["filename"]
		obj.TenantID = head.Metadata["tenant-id"]
	}
	return obj
}

func metadataMap(meta Object) map[string]string {
	md := map[string]string{"sha256": meta.SHA256}
	if meta.Filename != "" {
		md["filename"] = meta.Filename
	}
	if meta.TenantID != "" {
		md["tenant-id"] = meta.TenantID
	}
	return md
}

// wrapUnavailable tags transport-level failures as ErrUnavailable while
// keeping the original error in the chain.
func wrapUnavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
