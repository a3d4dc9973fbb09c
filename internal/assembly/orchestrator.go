package assembly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/chunkdrop/internal/apperr"
	"github.com/maneesh/chunkdrop/internal/chunker"
	"github.com/maneesh/chunkdrop/internal/logger"
	"github.com/maneesh/chunkdrop/internal/models"
	"github.com/maneesh/chunkdrop/internal/storage"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	phaseValidating = "validating"
	phaseUploading  = "uploading"
	phaseFinalizing = "finalizing"
)

// UploadFile assembles the stored chunks of fileID into one backend object,
// records the file and drops the chunks. Files above the multipart
// threshold are streamed to the backend group by group.
//
// Chunks are deleted only after the file record is persisted, so any failure
// leaves them in place for a retry.
func (s *Service) UploadFile(ctx context.Context, fileID string, visibility models.Visibility) (file *models.File, err error) {
	ctx, span := tracer.Start(ctx, "assembly.upload_file",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.String("visibility", visibility.String()),
		),
	)
	defer span.End()

	ctx = logger.WithFields(ctx, "file_id", fileID, "visibility", visibility.String())
	start := time.Now()
	path := "none"
	phase := phaseValidating

	defer func() {
		recordAssembly(path, start, err)
		if err != nil {
			span.RecordError(err)
			logger.Ctx(ctx).Error().
				Err(err).
				Str("path", path).
				Str("phase", phase).
				Str("kind", kindLabel(err)).
				Msg("assembly failed")
		}
	}()

	summary, err := s.validate(ctx, fileID)
	if err != nil {
		return nil, err
	}

	key := storage.ObjectKey(fileID, visibility)
	phase = phaseUploading

	var url string
	if s.useMultipart(summary.FileSize) {
		path = pathMultipart
		url, err = s.uploadMultipart(ctx, key, summary, visibility)
	} else {
		path = pathSingleShot
		url, err = s.uploadSingleShot(ctx, key, summary, visibility)
	}
	span.SetAttributes(attribute.String("path", path))
	if err != nil {
		return nil, err
	}

	phase = phaseFinalizing
	file, err = s.finalize(ctx, key, summary, url)
	if err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Info().
		Str("path", path).
		Str("size", humanize.IBytes(uint64(file.Size))).
		Dur("elapsed", time.Since(start)).
		Msg("file assembled")
	return file, nil
}

// validate rejects ids already in use and loads the summary from chunk 0
func (s *Service) validate(ctx context.Context, fileID string) (*models.FileSummary, error) {
	ctx, span := tracer.Start(ctx, "assembly.validate")
	defer span.End()

	_, err := s.files.GetFile(ctx, fileID)
	switch {
	case err == nil:
		return nil, apperr.Wrap(apperr.ErrDuplicateFile, nil, "file %s already recorded", fileID)
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, backendError(err, "look up file %s", fileID)
	}

	for _, v := range []models.Visibility{models.Private, models.Public} {
		key := storage.ObjectKey(fileID, v)
		exists, err := s.gateway.Exists(ctx, key)
		if err != nil {
			return nil, backendError(err, "check object %s", key)
		}
		if exists {
			return nil, apperr.Wrap(apperr.ErrDuplicateFile, nil, "object %s already stored", key)
		}
	}

	summary, err := s.chunks.GetSummary(ctx, fileID)
	if err != nil {
		return nil, backendError(err, "read summary of file %s", fileID)
	}
	if summary == nil {
		return nil, apperr.Wrap(apperr.ErrNotFound, nil, "no chunks for file %s", fileID)
	}

	span.SetAttributes(
		attribute.Int64("file_size", summary.FileSize),
		attribute.Int64("chunk_size", summary.ChunkSize),
	)
	return summary, nil
}

// uploadSingleShot joins every chunk and stores the result as one object
func (s *Service) uploadSingleShot(ctx context.Context, key string, summary *models.FileSummary, visibility models.Visibility) (string, error) {
	ctx, span := tracer.Start(ctx, "assembly.single_shot")
	defer span.End()

	chunks, err := s.chunks.GetOrdered(ctx, summary.FileID)
	if err != nil {
		return "", err
	}
	if err := checkChunks(summary, 0, chunks); err != nil {
		return "", err
	}

	joined := chunker.Join(chunks)
	if err := chunker.CheckSize(chunker.BytesFromEncodedLength(joined), summary.FileSize); err != nil {
		return "", fmt.Errorf("file %s: %w", summary.FileID, err)
	}

	url, err := s.gateway.PutObject(ctx, key, []byte(joined), visibility)
	if err != nil {
		return "", backendError(err, "store %s", key)
	}

	span.SetAttributes(
		attribute.Int("chunk_count", len(chunks)),
		attribute.Int("object_size", len(joined)),
	)
	if visibility != models.Public {
		return "", nil
	}
	return url, nil
}

// uploadMultipart sends each chunk group as one part. Any failure after the
// upload was initiated aborts it.
func (s *Service) uploadMultipart(ctx context.Context, key string, summary *models.FileSummary, visibility models.Visibility) (url string, err error) {
	ctx, span := tracer.Start(ctx, "assembly.multipart")
	defer span.End()

	plan := chunker.PlanGroupsWithPartSize(summary.FileSize, summary.ChunkSize, s.opts.PartSize)
	chunkCount := chunker.ChunkCount(summary.FileSize, summary.ChunkSize)
	ranges := chunker.GroupRanges(plan, chunkCount)
	if len(ranges) == 0 {
		return "", apperr.Wrap(apperr.ErrIncompleteRange, nil, "file %s has no chunk ranges", summary.FileID)
	}

	extra, err := s.chunks.GetByIndex(ctx, summary.FileID, chunkCount)
	if err != nil {
		return "", backendError(err, "look up chunk %d of %s", chunkCount, summary.FileID)
	}
	if extra != nil {
		return "", apperr.Wrap(apperr.ErrInconsistentChunk, nil,
			"file %s has chunk %d beyond its %d chunks", summary.FileID, chunkCount, chunkCount)
	}

	span.SetAttributes(
		attribute.Int("iteration_count", plan.IterationCount),
		attribute.Int("chunks_per_group", plan.ChunksPerGroup),
		attribute.Int("part_count", len(ranges)),
	)

	var state models.MultipartState
	defer func() {
		if err != nil && state.UploadID != "" {
			s.abortMultipart(ctx, key, state)
		}
	}()

	var encodedLength int64
	for i, r := range ranges {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("assembly of %s stopped before part %d: %w", summary.FileID, i+1, err)
		}

		state, err = s.uploadGroup(ctx, key, summary, visibility, state, i+1, r, &encodedLength)
		if err != nil {
			return "", err
		}
	}

	if err := chunker.CheckSize(chunker.BytesFromEncodedSize(encodedLength), summary.FileSize); err != nil {
		return "", fmt.Errorf("file %s: %w", summary.FileID, err)
	}

	if err := s.gateway.CompleteMultipart(ctx, state.UploadID, key, state.Parts); err != nil {
		return "", backendError(err, "complete upload of %s", key)
	}

	if visibility == models.Public {
		return s.gateway.PublicURL(key), nil
	}
	return "", nil
}

// uploadGroup loads chunks [r.Lo, r.Hi), uploads them as partNumber and
// returns the state extended with the confirmed part. The first call
// initiates the upload.
func (s *Service) uploadGroup(
	ctx context.Context,
	key string,
	summary *models.FileSummary,
	visibility models.Visibility,
	state models.MultipartState,
	partNumber int,
	r models.ChunkRange,
	encodedLength *int64,
) (models.MultipartState, error) {
	ctx, span := tracer.Start(ctx, "assembly.upload_group",
		trace.WithAttributes(
			attribute.Int("part_number", partNumber),
			attribute.Int("lo", r.Lo),
			attribute.Int("hi", r.Hi),
		),
	)
	defer span.End()

	chunks, err := s.chunks.GetRange(ctx, summary.FileID, r.Lo, r.Hi)
	if err != nil {
		return state, err
	}
	if err := checkChunks(summary, r.Lo, chunks); err != nil {
		return state, err
	}

	payload := chunker.Join(chunks)
	*encodedLength += int64(len(payload))

	if state.UploadID == "" {
		uploadID, err := s.gateway.InitiateMultipart(ctx, key, visibility)
		if err != nil {
			return state, backendError(err, "initiate upload of %s", key)
		}
		if uploadID == "" {
			return state, apperr.Wrap(apperr.ErrUploadFailed, nil, "backend returned no upload id for %s", key)
		}
		state = models.MultipartState{UploadID: uploadID}
	}

	etag, err := s.gateway.UploadPart(ctx, state.UploadID, key, partNumber, []byte(payload))
	if err != nil {
		return state, backendError(err, "upload part %d of %s", partNumber, key)
	}
	if etag == "" {
		return state, apperr.Wrap(apperr.ErrUploadFailed, nil, "backend returned no etag for part %d of %s", partNumber, key)
	}

	multipartPartsTotal.Inc()
	span.SetAttributes(attribute.Int("part_size", len(payload)))
	return state.WithPart(models.CompletedPart{PartNumber: partNumber, ETag: etag}), nil
}

func (s *Service) abortMultipart(ctx context.Context, key string, state models.MultipartState) {
	ctx = context.WithoutCancel(ctx)
	if err := s.gateway.AbortMultipart(ctx, state.UploadID, key); err != nil {
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("upload_id", state.UploadID).
			Int("parts", len(state.Parts)).
			Msg("failed to abort multipart upload")
		return
	}
	logger.Ctx(ctx).Info().
		Str("upload_id", state.UploadID).
		Int("parts", len(state.Parts)).
		Msg("multipart upload aborted")
}

// finalize records the file and then removes its chunks. When the record
// cannot be written the stored object is removed again. On a duplicate id the
// object is kept only if the winning record points at the same key.
func (s *Service) finalize(ctx context.Context, key string, summary *models.FileSummary, url string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "assembly.finalize")
	defer span.End()

	file := &models.File{
		ID:              summary.FileID,
		UploadTimestamp: s.now(),
		ContentType:     summary.ContentType,
		Name:            summary.FileName,
		Size:            summary.FileSize,
		URL:             url,
	}

	if err := s.files.CreateFile(ctx, file); err != nil {
		if errors.Is(err, apperr.ErrDuplicateKey) {
			s.resolveLostRace(ctx, key, file.ID)
			return nil, apperr.Wrap(apperr.ErrDuplicateFile, err, "record file %s", file.ID)
		}
		s.removeOrphan(ctx, key)
		return nil, backendError(err, "record file %s", file.ID)
	}

	if err := s.chunks.DeleteAllForFile(ctx, file.ID); err != nil {
		// The record is durable; leftover chunks are reclaimed by the sweeper.
		logger.Ctx(ctx).Warn().Err(err).Msg("failed to delete assembled chunks")
	}

	if s.cache != nil {
		if err := s.cache.SetFileMetadata(ctx, file); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to cache file record")
		}
	}

	return file, nil
}

// resolveLostRace handles an object stored by a request that lost the
// record race. The object stays only when the winner owns the same key.
func (s *Service) resolveLostRace(ctx context.Context, key, fileID string) {
	ctx = context.WithoutCancel(ctx)
	winner, err := s.files.GetFile(ctx, fileID)
	switch {
	case err == nil:
		if storage.ObjectKey(fileID, visibilityOf(winner)) == key {
			return
		}
	case !errors.Is(err, apperr.ErrNotFound):
		logger.Ctx(ctx).Error().
			Err(err).
			Str("object_key", key).
			Msg("cannot read winning file record; object left in place")
		return
	}
	s.removeOrphan(ctx, key)
}

func visibilityOf(file *models.File) models.Visibility {
	if file.IsPublic() {
		return models.Public
	}
	return models.Private
}

func (s *Service) removeOrphan(ctx context.Context, key string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.gateway.RemoveObject(ctx, key); err != nil {
		logger.Ctx(ctx).Error().
			Err(err).
			Str("object_key", key).
			Msg("object stored without a file record and could not be removed")
		return
	}
	logger.Ctx(ctx).Warn().Str("object_key", key).Msg("removed object left without a file record")
}

// checkChunks verifies that chunks are numbered contiguously from first and
// all describe the file in summary
func checkChunks(summary *models.FileSummary, first int, chunks []*models.Chunk) error {
	for i, c := range chunks {
		if c.Number != first+i {
			return apperr.Wrap(apperr.ErrIncompleteRange, nil,
				"file %s is missing chunk %d", summary.FileID, first+i)
		}
		if err := checkAgainstSummary(summary, c.Number, c.Size, c.FileSize, c.ContentType, c.FileName); err != nil {
			return err
		}
	}
	return nil
}

// backendError keeps the kind of an already classified error and marks
// anything else as a storage failure
func backendError(err error, format string, args ...any) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	return apperr.Wrap(apperr.ErrStorage, err, format, args...)
}
