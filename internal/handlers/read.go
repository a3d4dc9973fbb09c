package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReadHandler handles file download requests
type ReadHandler struct {
	svc Assembler
}

// NewReadHandler creates a new read handler
func NewReadHandler(svc Assembler) *ReadHandler {
	return &ReadHandler{svc: svc}
}

// ServeHTTP handles GET /api/v1/files/{fileId}
func (rh *ReadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "read_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	fileID := mux.Vars(r)["fileId"]
	if fileID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing fileId in path"})
		return
	}
	span.SetAttributes(attribute.String("file_id", fileID))

	content, err := rh.svc.GetFile(ctx, fileID)
	if err != nil {
		span.RecordError(err)
		writeError(ctx, w, err)
		return
	}

	span.SetAttributes(
		attribute.String("file_name", content.File.Name),
		attribute.Int64("file_size", content.File.Size),
		attribute.Bool("inline", content.Data != ""),
	)
	writeJSON(w, http.StatusOK, content)
}
