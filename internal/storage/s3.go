package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DefaultPresignTTL is the lifetime of the presigned GET URL handed to callers.
const DefaultPresignTTL = 15 * time.Minute

// S3API is the subset of *s3.Client used by S3Backend.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner is the subset of *s3.PresignClient used by S3Backend.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Backend stores artifacts as objects; the reference is a presigned URL.
type S3Backend struct {
	api        S3API
	presigner  Presigner
	bucket     string
	prefix     string
	presignTTL time.Duration
}

func NewS3Backend(api S3API, presigner Presigner, bucket, prefix string, presignTTL time.Duration) *S3Backend {
	if presignTTL <= 0 {
		presignTTL = DefaultPresignTTL
	}
	return &S3Backend{api: api, presigner: presigner, bucket: bucket, prefix: prefix, presignTTL: presignTTL}
}

// OpenS3Backend builds the backend from the default AWS credential chain.
func OpenS3Backend(ctx context.Context, bucket, prefix string, presignTTL time.Duration) (*S3Backend, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return NewS3Backend(client, s3.NewPresignClient(client), bucket, prefix, presignTTL), nil
}

func (b *S3Backend) key(name string) string { return b.prefix + name }

func (b *S3Backend) Put(ctx context.Context, name string, r io.Reader, contentType string) (int64, error) {
	body, size, err := seekableBody(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read data: %w", err)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(name)),
		Body:          body,
		ContentLength: aws.Int64(size),
		IfNoneMatch:   aws.String("*"),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := b.api.PutObject(ctx, input); err != nil {
		if apiErrorCode(err) == "PreconditionFailed" {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("s3 PutObject: %w", err)
	}
	return size, nil
}

func (b *S3Backend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) || apiErrorCode(err) == "NotFound" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 GetObject: %w", err)
	}
	return out.Body, nil
}

// Remove relies on DeleteObject succeeding for missing keys.
func (b *S3Backend) Remove(ctx context.Context, name string) error {
	_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		return fmt.Errorf("s3 DeleteObject: %w", err)
	}
	return nil
}

func (b *S3Backend) URL(ctx context.Context, name string) (string, error) {
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	}, s3.WithPresignExpires(b.presignTTL))
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return req.URL, nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// seekableBody lets the SDK compute checksums without buffering twice when
// the upload is already seekable (multipart files are).
func seekableBody(r io.Reader) (io.ReadSeeker, int64, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, err
		}
		end, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, err
		}
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return nil, 0, err
		}
		return rs, end - start, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(data), int64(len(data)), nil
}
