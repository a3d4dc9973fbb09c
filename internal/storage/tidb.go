package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/maneesh/chunkdrop/internal/apperr"
	"github.com/maneesh/chunkdrop/internal/models"

	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const mysqlErrDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chunks (
		id               CHAR(36)     NOT NULL PRIMARY KEY,
		file_id          CHAR(36)     NOT NULL,
		number           INT          NOT NULL,
		size             BIGINT       NOT NULL,
		file_size        BIGINT       NOT NULL,
		data             LONGTEXT     NOT NULL,
		upload_timestamp DATETIME(6)  NOT NULL,
		content_type     VARCHAR(50)  NOT NULL,
		file_name        VARCHAR(200) NOT NULL,
		UNIQUE KEY uq_chunks_file_number (file_id, number)
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		id               CHAR(36)     NOT NULL PRIMARY KEY,
		upload_timestamp DATETIME(6)  NOT NULL,
		content_type     VARCHAR(50)  NOT NULL,
		name             VARCHAR(200) NOT NULL,
		size             BIGINT       NOT NULL,
		url              TEXT         NULL
	)`,
}

// TiDBClient stores chunks and file records in TiDB with tracing
type TiDBClient struct {
	db *sql.DB
}

// NewTiDBClient initializes a new TiDB client
func NewTiDBClient(dsn string) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return NewTiDBClientFromDB(db), nil
}

// NewTiDBClientFromDB wraps an already opened database handle
func NewTiDBClientFromDB(db *sql.DB) *TiDBClient {
	return &TiDBClient{db: db}
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

// Migrate creates the chunks and files tables when missing
func (tc *TiDBClient) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := tc.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry
}

// CreateFile inserts file metadata with tracing
func (tc *TiDBClient) CreateFile(ctx context.Context, file *models.File) error {
	ctx, span := tracer.Start(ctx, "tidb.create_file",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.String("file_name", file.Name),
			attribute.Int64("file_size", file.Size),
		),
	)
	defer span.End()

	query := `INSERT INTO files (id, upload_timestamp, content_type, name, size, url)
			  VALUES (?, ?, ?, ?, ?, ?)`

	url := sql.NullString{String: file.URL, Valid: file.URL != ""}
	_, err := tc.db.ExecContext(ctx, query, file.ID, file.UploadTimestamp, file.ContentType, file.Name, file.Size, url)
	if err != nil {
		span.RecordError(err)
		if isDuplicateEntry(err) {
			return apperr.Wrap(apperr.ErrDuplicateKey, err, "file %s", file.ID)
		}
		return fmt.Errorf("failed to insert file: %w", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// GetFile retrieves file metadata by ID with tracing
func (tc *TiDBClient) GetFile(ctx context.Context, fileID string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	query := `SELECT id, upload_timestamp, content_type, name, size, url FROM files WHERE id = ?`

	var (
		file models.File
		url  sql.NullString
	)
	err := tc.db.QueryRowContext(ctx, query, fileID).Scan(
		&file.ID,
		&file.UploadTimestamp,
		&file.ContentType,
		&file.Name,
		&file.Size,
		&url,
	)

	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, apperr.Wrap(apperr.ErrNotFound, nil, "file %s", fileID)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query file: %w", err)
	}

	file.URL = url.String
	span.SetAttributes(attribute.Bool("found", true))
	return &file, nil
}
