package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/chunkdrop/internal/apperr"
	"github.com/maneesh/chunkdrop/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const chunkColumns = `id, file_id, number, size, file_size, data, upload_timestamp, content_type, file_name`

// AddChunk inserts a chunk; a second chunk with the same (file_id, number)
// fails with apperr.ErrDuplicateKey
func (tc *TiDBClient) AddChunk(ctx context.Context, chunk *models.Chunk) (*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "tidb.add_chunk",
		trace.WithAttributes(
			attribute.String("chunk_id", chunk.ID),
			attribute.String("file_id", chunk.FileID),
			attribute.Int("number", chunk.Number),
		),
	)
	defer span.End()

	query := `INSERT INTO chunks (` + chunkColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tc.db.ExecContext(ctx, query,
		chunk.ID, chunk.FileID, chunk.Number, chunk.Size, chunk.FileSize,
		chunk.Data, chunk.UploadTimestamp, chunk.ContentType, chunk.FileName)
	if err != nil {
		span.RecordError(err)
		if isDuplicateEntry(err) {
			return nil, apperr.Wrap(apperr.ErrDuplicateKey, err, "chunk %d of file %s", chunk.Number, chunk.FileID)
		}
		return nil, fmt.Errorf("failed to insert chunk: %w", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return chunk, nil
}

// GetByIndex returns chunk number of fileID, or nil when it does not exist
func (tc *TiDBClient) GetByIndex(ctx context.Context, fileID string, number int) (*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_chunk_by_index",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int("number", number),
		),
	)
	defer span.End()

	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE file_id = ? AND number = ?`

	chunk, err := scanChunk(tc.db.QueryRowContext(ctx, query, fileID, number))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunk: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return chunk, nil
}

// GetRange returns chunks numbered [lo, hi) in order. A gap in the range
// fails with apperr.ErrIncompleteRange.
func (tc *TiDBClient) GetRange(ctx context.Context, fileID string, lo, hi int) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_chunk_range",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int("lo", lo),
			attribute.Int("hi", hi),
		),
	)
	defer span.End()

	query := `SELECT ` + chunkColumns + `
			  FROM chunks
			  WHERE file_id = ? AND number >= ? AND number < ?
			  ORDER BY number ASC`

	chunks, err := tc.queryChunks(ctx, query, fileID, lo, hi)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if len(chunks) != hi-lo {
		err := apperr.Wrap(apperr.ErrIncompleteRange, nil,
			"file %s has %d of %d chunks in [%d, %d)", fileID, len(chunks), hi-lo, lo, hi)
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// GetOrdered retrieves all chunks for a file ordered by number
func (tc *TiDBClient) GetOrdered(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_chunks",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	query := `SELECT ` + chunkColumns + `
			  FROM chunks
			  WHERE file_id = ?
			  ORDER BY number ASC`

	chunks, err := tc.queryChunks(ctx, query, fileID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if len(chunks) == 0 {
		return nil, apperr.Wrap(apperr.ErrNotFound, nil, "no chunks for file %s", fileID)
	}

	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// GetSummary reads the metadata carried on chunk 0 without loading payloads.
// It returns nil when the file has no chunk 0.
func (tc *TiDBClient) GetSummary(ctx context.Context, fileID string) (*models.FileSummary, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_summary",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	query := `SELECT file_id, size, file_size, content_type, file_name
			  FROM chunks
			  WHERE file_id = ? AND number = 0`

	var summary models.FileSummary
	err := tc.db.QueryRowContext(ctx, query, fileID).Scan(
		&summary.FileID,
		&summary.ChunkSize,
		&summary.FileSize,
		&summary.ContentType,
		&summary.FileName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &summary, nil
}

// DeleteAllForFile removes every chunk of a file
func (tc *TiDBClient) DeleteAllForFile(ctx context.Context, fileID string) error {
	ctx, span := tracer.Start(ctx, "tidb.delete_chunks",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	res, err := tc.db.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil {
		span.SetAttributes(attribute.Int64("deleted", n))
	}
	return nil
}

// StaleFileIDs lists files whose newest chunk was uploaded before the cutoff
func (tc *TiDBClient) StaleFileIDs(ctx context.Context, before time.Time) ([]string, error) {
	ctx, span := tracer.Start(ctx, "tidb.stale_file_ids")
	defer span.End()

	query := `SELECT file_id
			  FROM chunks
			  GROUP BY file_id
			  HAVING MAX(upload_timestamp) < ?`

	rows, err := tc.db.QueryContext(ctx, query, before)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query stale files: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan file id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating stale files: %w", err)
	}

	span.SetAttributes(attribute.Int("stale_count", len(ids)))
	return ids, nil
}

func (tc *TiDBClient) queryChunks(ctx context.Context, query string, args ...any) ([]*models.Chunk, error) {
	rows, err := tc.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*models.Chunk, error) {
	var chunk models.Chunk
	err := row.Scan(
		&chunk.ID,
		&chunk.FileID,
		&chunk.Number,
		&chunk.Size,
		&chunk.FileSize,
		&chunk.Data,
		&chunk.UploadTimestamp,
		&chunk.ContentType,
		&chunk.FileName,
	)
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}
