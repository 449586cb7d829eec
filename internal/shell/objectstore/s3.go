package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// s3API is the subset of the S3 client used here.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 implements ObjectStore on Amazon S3.
type S3 struct {
	client s3API
	logger *slog.Logger
}

// NewS3 wraps an existing client.
func NewS3(client s3API, logger *slog.Logger) *S3 {
	return &S3{client: client, logger: logger.With("component", "objectstore")}
}

// NewS3FromConfig creates a client for cfg's region.
func NewS3FromConfig(cfg aws.Config, logger *slog.Logger) *S3 {
	return NewS3(s3.NewFromConfig(cfg), logger.With("region", cfg.Region))
}

func (s *S3) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
}

func (s *S3) Put(ctx context.Context, obj Object) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(obj.Bucket),
		Key:           aws.String(obj.Key),
		Body:          bytes.NewReader(obj.Body),
		ContentLength: aws.Int64(int64(len(obj.Body))),
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put %s: %w", URI(obj.Bucket, obj.Key), err)
	}
	s.logger.Debug("object uploaded", "uri", URI(obj.Bucket, obj.Key), "bytes", len(obj.Body))
	return nil
}

// isNotFound recognizes a missing object. HEAD responses carry no body, so
// the status code is the only reliable signal.
func isNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return true
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
