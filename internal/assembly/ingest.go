package assembly

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/maneesh/chunkdrop/internal/apperr"
	"github.com/maneesh/chunkdrop/internal/chunker"
	"github.com/maneesh/chunkdrop/internal/logger"
	"github.com/maneesh/chunkdrop/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxContentTypeLength = 50
	maxFileNameLength    = 200
)

// ChunkRequest is one chunk as submitted by a client. Data is a slice of the
// base64 encoding of the whole file, so padding may only appear in the last
// chunk. Clients that encode each chunk on its own must use chunk sizes that
// are multiples of 3, otherwise the assembled length fails the size check.
type ChunkRequest struct {
	FileID      string `json:"file_id"`
	Number      int    `json:"number"`
	Data        string `json:"data"`
	Size        int64  `json:"size"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
	FileName    string `json:"file_name"`
}

// Validate checks the request fields without touching storage
func (r *ChunkRequest) Validate() error {
	if _, err := uuid.Parse(r.FileID); err != nil {
		return apperr.Wrap(apperr.ErrInvalidChunk, nil, "file_id %q is not a uuid", r.FileID)
	}
	if r.Number < 0 {
		return apperr.Wrap(apperr.ErrInvalidChunk, nil, "number must be non-negative, got %d", r.Number)
	}
	if r.Data == "" {
		return apperr.Wrap(apperr.ErrInvalidChunk, nil, "data is empty")
	}
	if r.Size <= 0 || r.FileSize <= 0 {
		return apperr.Wrap(apperr.ErrInvalidChunk, nil, "size %d and file_size %d must be positive", r.Size, r.FileSize)
	}
	if r.Size > r.FileSize {
		return apperr.Wrap(apperr.ErrInvalidChunk, nil, "size %d exceeds file_size %d", r.Size, r.FileSize)
	}
	if r.ContentType == "" || len(r.ContentType) > maxContentTypeLength {
		return apperr.Wrap(apperr.ErrInvalidChunk, nil, "content_type must be 1-%d characters", maxContentTypeLength)
	}
	if r.FileName == "" || len(r.FileName) > maxFileNameLength {
		return apperr.Wrap(apperr.ErrInvalidChunk, nil, "file_name must be 1-%d characters", maxFileNameLength)
	}
	return nil
}

// SubmitChunk validates and stores one chunk. Resubmitting an existing
// (file_id, number) fails with apperr.ErrDuplicateKey.
func (s *Service) SubmitChunk(ctx context.Context, req *ChunkRequest) (chunk *models.Chunk, err error) {
	ctx, span := tracer.Start(ctx, "assembly.submit_chunk",
		trace.WithAttributes(
			attribute.String("file_id", req.FileID),
			attribute.Int("number", req.Number),
			attribute.Int64("size", req.Size),
		),
	)
	defer span.End()

	defer func() {
		status := "accepted"
		if err != nil {
			status = kindLabel(err)
			span.RecordError(err)
		}
		chunksIngestedTotal.WithLabelValues(status).Inc()
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := chunker.CheckSize(chunker.BytesFromEncodedLength(req.Data), req.Size); err != nil {
		return nil, fmt.Errorf("chunk %d of file %s: %w", req.Number, req.FileID, err)
	}

	if req.Number > 0 {
		summary, err := s.chunks.GetSummary(ctx, req.FileID)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, err, "read summary of file %s", req.FileID)
		}
		if summary != nil {
			if err := checkAgainstSummary(summary, req.Number, req.Size, req.FileSize, req.ContentType, req.FileName); err != nil {
				return nil, err
			}
		}
	}

	chunk = &models.Chunk{
		ID:              uuid.NewString(),
		FileID:          req.FileID,
		Number:          req.Number,
		Size:            req.Size,
		FileSize:        req.FileSize,
		Data:            req.Data,
		UploadTimestamp: s.now(),
		ContentType:     req.ContentType,
		FileName:        req.FileName,
	}

	if _, err := s.chunks.AddChunk(ctx, chunk); err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Debug().
		Str("file_id", chunk.FileID).
		Int("number", chunk.Number).
		Int64("size", chunk.Size).
		Msg("chunk stored")
	return chunk, nil
}

// checkAgainstSummary verifies that a chunk describes the same file as chunk 0
func checkAgainstSummary(summary *models.FileSummary, number int, size, fileSize int64, contentType, fileName string) error {
	switch {
	case fileSize != summary.FileSize:
		return apperr.Wrap(apperr.ErrInconsistentChunk, nil,
			"chunk %d declares file_size %d, chunk 0 declares %d", number, fileSize, summary.FileSize)
	case contentType != summary.ContentType:
		return apperr.Wrap(apperr.ErrInconsistentChunk, nil,
			"chunk %d declares content_type %q, chunk 0 declares %q", number, contentType, summary.ContentType)
	case fileName != summary.FileName:
		return apperr.Wrap(apperr.ErrInconsistentChunk, nil,
			"chunk %d declares file_name %q, chunk 0 declares %q", number, fileName, summary.FileName)
	case number > 0 && size > summary.ChunkSize:
		return apperr.Wrap(apperr.ErrInconsistentChunk, nil,
			"chunk %d is %d bytes, larger than the nominal %d", number, size, summary.ChunkSize)
	case number >= chunker.ChunkCount(summary.FileSize, summary.ChunkSize):
		return apperr.Wrap(apperr.ErrInconsistentChunk, nil,
			"chunk %d is past the last chunk of a %d byte file", number, summary.FileSize)
	}
	return nil
}
