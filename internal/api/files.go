package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Gammanik/chunkxfer/internal/metastore"
)

// FileHandler serves the metadata service API.
type FileHandler struct {
	Store metastore.MetaStore
	// Token is the expected bearer token. Empty disables authentication.
	Token string
	Log   *zap.Logger
	// NewID generates file ids. Default: uuid.NewString.
	NewID func() string
}

type fileResponse struct {
	FileID     string    `json:"file_id"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

type chunkBody struct {
	ChunkIndex  *int   `json:"chunk_index"`
	StoragePath string `json:"storage_path"`
}

type chunkResponse struct {
	ChunkIndex  int    `json:"chunk_index"`
	StoragePath string `json:"storage_path"`
}

// Routes registers the file endpoints on r. Everything except /health goes
// through the bearer-token check.
func (h *FileHandler) Routes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	files := r.PathPrefix("/files").Subrouter()
	files.Use(h.authenticate)
	files.HandleFunc("", h.CreateFile).Methods(http.MethodPost)
	files.HandleFunc("", h.ListFiles).Methods(http.MethodGet)
	files.HandleFunc("/{fileID}", h.GetFile).Methods(http.MethodGet)
	files.HandleFunc("/{fileID}", h.DeleteFile).Methods(http.MethodDelete)
	files.HandleFunc("/{fileID}/chunks", h.RegisterChunk).Methods(http.MethodPost)
	files.HandleFunc("/{fileID}/chunks", h.ListChunks).Methods(http.MethodGet)
}

func (h *FileHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.Token)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CreateFile assigns an id and stores an empty file record.
func (h *FileHandler) CreateFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" || req.Size < 0 {
		writeError(w, http.StatusBadRequest, "filename and a non-negative size are required")
		return
	}

	newID := h.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	rec, err := h.Store.CreateFile(newID(), req.Filename, req.Size)
	if err != nil {
		h.logger().Error("create file", zap.String("filename", req.Filename), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create file")
		return
	}

	h.logger().Info("file created",
		zap.String("file_id", rec.FileID),
		zap.String("filename", rec.Filename),
		zap.Int64("size", rec.Size),
	)
	writeJSON(w, http.StatusCreated, toFileResponse(rec))
}

func (h *FileHandler) ListFiles(w http.ResponseWriter, _ *http.Request) {
	recs, err := h.Store.ListFiles()
	if err != nil {
		h.logger().Error("list files", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	out := make([]fileResponse, 0, len(recs))
	for i := range recs {
		out = append(out, toFileResponse(&recs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(rec))
}

func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["fileID"]
	if err := h.Store.DeleteFile(fileID); err != nil {
		h.storeError(w, "delete file", fileID, err)
		return
	}
	h.logger().Info("file deleted", zap.String("file_id", fileID))
	w.WriteHeader(http.StatusNoContent)
}

// RegisterChunk binds chunk_index to storage_path, overwriting any earlier value.
func (h *FileHandler) RegisterChunk(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["fileID"]

	var req chunkBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChunkIndex == nil || *req.ChunkIndex < 0 || req.StoragePath == "" {
		writeError(w, http.StatusBadRequest, "chunk_index and storage_path are required")
		return
	}

	if err := h.Store.PutChunk(fileID, *req.ChunkIndex, req.StoragePath); err != nil {
		h.storeError(w, "register chunk", fileID, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"file_id":     fileID,
		"chunk_index": *req.ChunkIndex,
		"status":      "registered",
	})
}

// ListChunks returns registrations in store order. Clients sort.
func (h *FileHandler) ListChunks(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["fileID"]
	entries, err := h.Store.ListChunks(fileID)
	if err != nil {
		h.storeError(w, "list chunks", fileID, err)
		return
	}
	out := make([]chunkResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, chunkResponse{ChunkIndex: e.Index, StoragePath: e.StorageID})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *FileHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *FileHandler) lookup(w http.ResponseWriter, r *http.Request) (*metastore.FileRecord, bool) {
	fileID := mux.Vars(r)["fileID"]
	rec, err := h.Store.GetFile(fileID)
	if err != nil {
		h.storeError(w, "get file", fileID, err)
		return nil, false
	}
	return rec, true
}

func (h *FileHandler) storeError(w http.ResponseWriter, op, fileID string, err error) {
	if errors.Is(err, metastore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	h.logger().Error(op, zap.String("file_id", fileID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "metadata store error")
}

func (h *FileHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func toFileResponse(rec *metastore.FileRecord) fileResponse {
	return fileResponse{
		FileID:     rec.FileID,
		Filename:   rec.Filename,
		Size:       rec.Size,
		ChunkCount: rec.ChunkCount(),
		CreatedAt:  rec.CreatedAt,
	}
}
