package assembly

import (
	"context"
	"time"

	"github.com/maneesh/chunkdrop/internal/chunker"
	"github.com/maneesh/chunkdrop/internal/logger"
	"github.com/maneesh/chunkdrop/internal/models"
	"github.com/maneesh/chunkdrop/internal/storage"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GetFile returns an assembled file. Public files carry their permanent URL,
// small private files their payload and larger private files a presigned URL.
func (s *Service) GetFile(ctx context.Context, fileID string) (*models.FileContent, error) {
	ctx, span := tracer.Start(ctx, "assembly.get_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	file, err := s.lookupFile(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if file.IsPublic() {
		fileReadsTotal.WithLabelValues("public").Inc()
		return &models.FileContent{File: file, URL: file.URL}, nil
	}

	key := storage.ObjectKey(fileID, models.Private)

	if file.Size <= s.opts.InlineReadLimitBytes {
		data, err := s.gateway.GetObject(ctx, key)
		if err != nil {
			span.RecordError(err)
			return nil, backendError(err, "read %s", key)
		}
		fileReadsTotal.WithLabelValues("inline").Inc()
		span.SetAttributes(attribute.String("mode", "inline"))
		return &models.FileContent{File: file, Data: string(data)}, nil
	}

	expiry := time.Duration(chunker.PresignExpiryMinutes(file.Size)) * time.Minute
	url, err := s.gateway.PresignURL(ctx, key, expiry)
	if err != nil {
		span.RecordError(err)
		return nil, backendError(err, "presign %s", key)
	}
	fileReadsTotal.WithLabelValues("presigned").Inc()
	span.SetAttributes(
		attribute.String("mode", "presigned"),
		attribute.Int64("expiry_seconds", int64(expiry.Seconds())),
	)
	return &models.FileContent{File: file, URL: url}, nil
}

// lookupFile reads a file record through the cache when one is configured
func (s *Service) lookupFile(ctx context.Context, fileID string) (*models.File, error) {
	if s.cache != nil {
		cached, err := s.cache.GetFileMetadata(ctx, fileID)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("file_id", fileID).Msg("cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	file, err := s.files.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetFileMetadata(ctx, file); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("file_id", fileID).Msg("cache write failed")
		}
	}
	return file, nil
}
