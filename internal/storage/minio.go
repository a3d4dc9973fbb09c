package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/maneesh/chunkdrop/internal/apperr"
	"github.com/maneesh/chunkdrop/internal/logger"
	"github.com/maneesh/chunkdrop/internal/models"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chunkdrop-storage")

// GatewayTypeMinIO selects the MinIO gateway
const GatewayTypeMinIO = "minio"

func init() {
	RegisterGateway(GatewayTypeMinIO, func(ctx context.Context, cfg GatewayConfig) (Gateway, error) {
		if err := cfg.validate(GatewayTypeMinIO); err != nil {
			return nil, err
		}
		return NewMinioClient(ctx, cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, cfg.UseSSL)
	})
}

const noSuchKey = "NoSuchKey"

// MinioClient implements Gateway on MinIO with tracing
type MinioClient struct {
	client     *minio.Client
	core       *minio.Core
	bucketName string
}

var _ Gateway = (*MinioClient)(nil)

// NewMinioClient initializes a new MinIO client, creating the bucket and its
// public-prefix read policy when missing
func NewMinioClient(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	mc := &MinioClient{
		client:     client,
		core:       &minio.Core{Client: client},
		bucketName: bucketName,
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		logger.Info().Str("bucket", bucketName).Msg("creating bucket")
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	if err := client.SetBucketPolicy(ctx, bucketName, publicReadPolicy(bucketName)); err != nil {
		return nil, fmt.Errorf("failed to set bucket policy: %w", err)
	}

	return mc, nil
}

func publicReadPolicy(bucket string) string {
	return fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/%s*"]}]}`,
		bucket, PublicPrefix)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == noSuchKey
}

// Exists checks whether an object is stored under key
func (mc *MinioClient) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := tracer.Start(ctx, "minio.exists",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	_, err := mc.client.StatObject(ctx, mc.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			span.SetAttributes(attribute.Bool("exists", false))
			return false, nil
		}
		span.RecordError(err)
		return false, apperr.Wrap(apperr.ErrStorage, err, "stat object %s", key)
	}

	span.SetAttributes(attribute.Bool("exists", true))
	return true, nil
}

// PutObject uploads a whole object
func (mc *MinioClient) PutObject(ctx context.Context, key string, data []byte, visibility models.Visibility) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.put_object",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(data)),
			attribute.String("visibility", visibility.String()),
		),
	)
	defer span.End()

	_, err := mc.client.PutObject(ctx, mc.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return "", apperr.Wrap(apperr.ErrUploadFailed, err, "put object %s", key)
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	if visibility == models.Public {
		return mc.PublicURL(key), nil
	}
	return "", nil
}

// GetObject downloads a whole object
func (mc *MinioClient) GetObject(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "minio.get_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, mc.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Wrap(apperr.ErrStorage, err, "get object %s", key)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		span.RecordError(err)
		if isNoSuchKey(err) {
			return nil, apperr.Wrap(apperr.ErrNotFound, err, "object %s", key)
		}
		return nil, apperr.Wrap(apperr.ErrStorage, err, "read object %s", key)
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

// InitiateMultipart starts a multipart upload and returns its id
func (mc *MinioClient) InitiateMultipart(ctx context.Context, key string, visibility models.Visibility) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.initiate_multipart",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.String("visibility", visibility.String()),
		),
	)
	defer span.End()

	uploadID, err := mc.core.NewMultipartUpload(ctx, mc.bucketName, key, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return "", apperr.Wrap(apperr.ErrUploadFailed, err, "initiate multipart %s", key)
	}

	span.SetAttributes(attribute.String("upload_id", uploadID))
	return uploadID, nil
}

// UploadPart uploads one part and returns its ETag
func (mc *MinioClient) UploadPart(ctx context.Context, uploadID, key string, partNumber int, data []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.upload_part",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.String("upload_id", uploadID),
			attribute.Int("part_number", partNumber),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	part, err := mc.core.PutObjectPart(ctx, mc.bucketName, key, uploadID, partNumber,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		span.RecordError(err)
		return "", apperr.Wrap(apperr.ErrUploadFailed, err, "upload part %d of %s", partNumber, key)
	}

	return part.ETag, nil
}

// CompleteMultipart stitches the uploaded parts into the final object
func (mc *MinioClient) CompleteMultipart(ctx context.Context, uploadID, key string, parts []models.CompletedPart) error {
	ctx, span := tracer.Start(ctx, "minio.complete_multipart",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.String("upload_id", uploadID),
			attribute.Int("part_count", len(parts)),
		),
	)
	defer span.End()

	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completeParts = append(completeParts, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	if _, err := mc.core.CompleteMultipartUpload(ctx, mc.bucketName, key, uploadID, completeParts, minio.PutObjectOptions{}); err != nil {
		span.RecordError(err)
		return apperr.Wrap(apperr.ErrUploadFailed, err, "complete multipart %s", key)
	}
	return nil
}

// AbortMultipart discards an unfinished multipart upload
func (mc *MinioClient) AbortMultipart(ctx context.Context, uploadID, key string) error {
	ctx, span := tracer.Start(ctx, "minio.abort_multipart",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.String("upload_id", uploadID),
		),
	)
	defer span.End()

	if err := mc.core.AbortMultipartUpload(ctx, mc.bucketName, key, uploadID); err != nil {
		span.RecordError(err)
		return apperr.Wrap(apperr.ErrStorage, err, "abort multipart %s", key)
	}
	return nil
}

// PresignURL returns a time-limited GET URL for key
func (mc *MinioClient) PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.presign_url",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("expiry_seconds", int64(expiry.Seconds())),
		),
	)
	defer span.End()

	u, err := mc.client.PresignedGetObject(ctx, mc.bucketName, key, expiry, url.Values{})
	if err != nil {
		span.RecordError(err)
		return "", apperr.Wrap(apperr.ErrStorage, err, "presign %s", key)
	}
	return u.String(), nil
}

// RemoveObject deletes an object
func (mc *MinioClient) RemoveObject(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "minio.remove_object",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	if err := mc.client.RemoveObject(ctx, mc.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return apperr.Wrap(apperr.ErrStorage, err, "remove object %s", key)
	}
	return nil
}

// PublicURL returns the anonymous-read URL of a public object
func (mc *MinioClient) PublicURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", mc.client.EndpointURL().String(), mc.bucketName, key)
}
