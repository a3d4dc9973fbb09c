// Package handlers exposes the assembly service over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/chunkdrop/internal/apperr"
	"github.com/maneesh/chunkdrop/internal/assembly"
	"github.com/maneesh/chunkdrop/internal/logger"
	"github.com/maneesh/chunkdrop/internal/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Assembler is the service behind the HTTP routes
type Assembler interface {
	SubmitChunk(ctx context.Context, req *assembly.ChunkRequest) (*models.Chunk, error)
	UploadFile(ctx context.Context, fileID string, visibility models.Visibility) (*models.File, error)
	GetFile(ctx context.Context, fileID string) (*models.FileContent, error)
}

// NewRouter wires every route. File operations are traced with otelhttp.
func NewRouter(svc Assembler) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1/files").Subrouter()
	api.Handle("/chunks",
		otelhttp.NewHandler(NewChunkHandler(svc), "POST /api/v1/files/chunks")).
		Methods(http.MethodPost)
	api.Handle("/upload/{fileId}",
		otelhttp.NewHandler(NewUploadHandler(svc, models.Private), "POST /api/v1/files/upload/{fileId}")).
		Methods(http.MethodPost)
	api.Handle("/upload-public/{fileId}",
		otelhttp.NewHandler(NewUploadHandler(svc, models.Public), "POST /api/v1/files/upload-public/{fileId}")).
		Methods(http.MethodPost)
	api.Handle("/{fileId}",
		otelhttp.NewHandler(NewReadHandler(svc), "GET /api/v1/files/{fileId}")).
		Methods(http.MethodGet)

	return router
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Ctx(ctx).Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Kind:  apperr.KindOf(err).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
