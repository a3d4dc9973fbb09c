package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/chunkdrop/internal/apperr"
	"github.com/maneesh/chunkdrop/internal/assembly"
	"github.com/maneesh/chunkdrop/internal/logger"
	"github.com/maneesh/chunkdrop/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chunkdrop-handlers")

// maxChunkBodyBytes bounds one chunk submission
const maxChunkBodyBytes = 64 << 20

// ChunkHandler handles chunk submissions
type ChunkHandler struct {
	svc Assembler
}

// NewChunkHandler creates a new chunk handler
func NewChunkHandler(svc Assembler) *ChunkHandler {
	return &ChunkHandler{svc: svc}
}

// ChunkResponse acknowledges a stored chunk
type ChunkResponse struct {
	ChunkID string `json:"chunk_id"`
	FileID  string `json:"file_id"`
	Number  int    `json:"number"`
	Message string `json:"message"`
}

// ServeHTTP handles POST /api/v1/files/chunks
func (ch *ChunkHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "submit_chunk",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	var req assembly.ChunkRequest
	body := http.MaxBytesReader(w, r.Body, maxChunkBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		span.RecordError(err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "chunk body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("file_id", req.FileID),
		attribute.Int("number", req.Number),
	)

	chunk, err := ch.svc.SubmitChunk(ctx, &req)
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ChunkResponse{
		ChunkID: chunk.ID,
		FileID:  chunk.FileID,
		Number:  chunk.Number,
		Message: "chunk stored",
	})
}

// UploadHandler finalizes a file from its stored chunks
type UploadHandler struct {
	svc        Assembler
	visibility models.Visibility
}

// NewUploadHandler creates a finalize handler storing files with visibility
func NewUploadHandler(svc Assembler, visibility models.Visibility) *UploadHandler {
	return &UploadHandler{svc: svc, visibility: visibility}
}

// ServeHTTP handles POST /api/v1/files/upload/{fileId} and
// POST /api/v1/files/upload-public/{fileId}
func (uh *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	fileID := mux.Vars(r)["fileId"]
	if fileID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing fileId in path"})
		return
	}

	span.SetAttributes(
		attribute.String("file_id", fileID),
		attribute.String("visibility", uh.visibility.String()),
	)

	file, err := uh.svc.UploadFile(ctx, fileID, uh.visibility)
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, err)
		return
	}

	logger.Ctx(ctx).Info().
		Str("file_id", file.ID).
		Str("visibility", uh.visibility.String()).
		Msg("file upload completed")
	writeJSON(w, http.StatusCreated, file)
}

// statusFor maps an error kind onto an HTTP status
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindIncompleteData, apperr.KindBackend:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
