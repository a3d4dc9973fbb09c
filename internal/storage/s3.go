package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/maneesh/chunkdrop/internal/apperr"
	"github.com/maneesh/chunkdrop/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GatewayTypeS3 selects the AWS S3 gateway
const GatewayTypeS3 = "s3"

func init() {
	RegisterGateway(GatewayTypeS3, func(ctx context.Context, cfg GatewayConfig) (Gateway, error) {
		return NewS3(ctx, cfg)
	})
}

// S3 implements Gateway for S3-compatible storage
type S3 struct {
	client   *s3.Client
	presign  *s3.PresignClient
	bucket   string
	region   string
	endpoint string
}

var _ Gateway = (*S3)(nil)

// NewS3 creates an S3 gateway. A custom endpoint switches the client to
// path-style addressing for S3-compatible servers.
func NewS3(ctx context.Context, cfg GatewayConfig) (*S3, error) {
	if err := cfg.validate(GatewayTypeS3); err != nil {
		return nil, err
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, awsLoadOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		client:   client,
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
		region:   awsCfg.Region,
		endpoint: endpoint,
	}, nil
}

func awsLoadOptions(cfg GatewayConfig) []func(*config.LoadOptions) error {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		opts = append(opts, config.WithCredentialsProvider(creds))
	}
	return opts
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

func acl(visibility models.Visibility) types.ObjectCannedACL {
	if visibility == models.Public {
		return types.ObjectCannedACLPublicRead
	}
	return types.ObjectCannedACLPrivate
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := tracer.Start(ctx, "s3.exists",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		span.RecordError(err)
		return false, apperr.Wrap(apperr.ErrStorage, err, "head object %s", key)
	}
	return true, nil
}

func (s *S3) PutObject(ctx context.Context, key string, data []byte, visibility models.Visibility) (string, error) {
	ctx, span := tracer.Start(ctx, "s3.put_object",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(data)),
			attribute.String("visibility", visibility.String()),
		),
	)
	defer span.End()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ACL:           acl(visibility),
	})
	if err != nil {
		span.RecordError(err)
		return "", apperr.Wrap(apperr.ErrUploadFailed, err, "put object %s", key)
	}

	if visibility == models.Public {
		return s.PublicURL(key), nil
	}
	return "", nil
}

func (s *S3) GetObject(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "s3.get_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		if isS3NotFound(err) {
			return nil, apperr.Wrap(apperr.ErrNotFound, err, "object %s", key)
		}
		return nil, apperr.Wrap(apperr.ErrStorage, err, "get object %s", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Wrap(apperr.ErrStorage, err, "read object %s", key)
	}
	return data, nil
}

func (s *S3) InitiateMultipart(ctx context.Context, key string, visibility models.Visibility) (string, error) {
	ctx, span := tracer.Start(ctx, "s3.initiate_multipart",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		ACL:    acl(visibility),
	})
	if err != nil {
		span.RecordError(err)
		return "", apperr.Wrap(apperr.ErrUploadFailed, err, "create multipart upload %s", key)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *S3) UploadPart(ctx context.Context, uploadID, key string, partNumber int, data []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "s3.upload_part",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("part_number", partNumber),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		span.RecordError(err)
		return "", apperr.Wrap(apperr.ErrUploadFailed, err, "upload part %d of %s", partNumber, key)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3) CompleteMultipart(ctx context.Context, uploadID, key string, parts []models.CompletedPart) error {
	ctx, span := tracer.Start(ctx, "s3.complete_multipart",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("part_count", len(parts)),
		),
	)
	defer span.End()

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		span.RecordError(err)
		return apperr.Wrap(apperr.ErrUploadFailed, err, "complete multipart upload %s", key)
	}
	return nil
}

func (s *S3) AbortMultipart(ctx context.Context, uploadID, key string) error {
	ctx, span := tracer.Start(ctx, "s3.abort_multipart",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		span.RecordError(err)
		return apperr.Wrap(apperr.ErrStorage, err, "abort multipart upload %s", key)
	}
	return nil
}

func (s *S3) PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "s3.presign_url",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		span.RecordError(err)
		return "", apperr.Wrap(apperr.ErrStorage, err, "presign %s", key)
	}
	return req.URL, nil
}

func (s *S3) RemoveObject(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "s3.remove_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		return apperr.Wrap(apperr.ErrStorage, err, "delete object %s", key)
	}
	return nil
}

func (s *S3) PublicURL(key string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}
