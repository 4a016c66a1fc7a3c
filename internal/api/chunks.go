package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/Gammanik/chunkxfer/internal/utils"
)

// DefaultMaxChunkSize bounds an accepted upload body.
const DefaultMaxChunkSize int64 = 64 << 20

const chunkKeyPrefix = "chunks/"

// ChunkHandler serves the block store API on top of a blob bucket.
type ChunkHandler struct {
	Bucket       *blob.Bucket
	MaxChunkSize int64
	Log          *zap.Logger
}

// Routes registers the chunk endpoints on r.
func (h *ChunkHandler) Routes(r *mux.Router) {
	r.HandleFunc("/chunks", h.Upload).Methods(http.MethodPost)
	r.HandleFunc("/chunks/{chunkID}", h.Download).Methods(http.MethodGet)
	r.HandleFunc("/chunks/{chunkID}", h.Delete).Methods(http.MethodDelete)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/status", h.Status).Methods(http.MethodGet)
}

// Upload stores the multipart "file" part under the "chunk_id" field, or
// under a fresh id when none is given. A "checksum" field, if present, must
// match the SHA-256 of the stored bytes.
func (h *ChunkHandler) Upload(w http.ResponseWriter, r *http.Request) {
	log := h.logger()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkSize()+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	chunkID := r.FormValue("chunk_id")
	if chunkID == "" {
		chunkID = uuid.NewString()
	}
	if !validChunkID(chunkID) {
		writeError(w, http.StatusBadRequest, "invalid chunk id")
		return
	}

	checksum := strings.ToLower(r.FormValue("checksum"))
	if checksum != "" && !utils.IsSHA256Hex(checksum) {
		writeError(w, http.StatusBadRequest, "invalid checksum")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer file.Close()

	if header.Size > h.maxChunkSize() {
		writeError(w, http.StatusRequestEntityTooLarge, "chunk too large")
		return
	}

	// Cancelling ctx before Close aborts the blob write.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	bw, err := h.Bucket.NewWriter(ctx, chunkKey(chunkID), &blob.WriterOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		log.Error("open blob writer", zap.String("chunk_id", chunkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store chunk")
		return
	}

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(bw, hash), file)
	if err != nil {
		cancel()
		_ = bw.Close()
		log.Error("write chunk", zap.String("chunk_id", chunkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store chunk")
		return
	}

	actual := hex.EncodeToString(hash.Sum(nil))
	if checksum != "" && actual != checksum {
		cancel()
		_ = bw.Close()
		log.Warn("checksum mismatch",
			zap.String("chunk_id", chunkID),
			zap.String("expected", checksum),
			zap.String("actual", actual),
		)
		writeError(w, http.StatusBadRequest, "checksum mismatch")
		return
	}

	if err := bw.Close(); err != nil {
		log.Error("commit chunk", zap.String("chunk_id", chunkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store chunk")
		return
	}

	log.Debug("chunk stored", zap.String("chunk_id", chunkID), zap.Int64("size", n))
	writeJSON(w, http.StatusCreated, map[string]any{
		"chunk_id": chunkID,
		"size":     n,
	})
}

func (h *ChunkHandler) Download(w http.ResponseWriter, r *http.Request) {
	chunkID := mux.Vars(r)["chunkID"]
	if !validChunkID(chunkID) {
		writeError(w, http.StatusBadRequest, "invalid chunk id")
		return
	}

	rd, err := h.Bucket.NewReader(r.Context(), chunkKey(chunkID), nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			writeError(w, http.StatusNotFound, "chunk not found")
			return
		}
		h.logger().Error("open chunk", zap.String("chunk_id", chunkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read chunk")
		return
	}
	defer rd.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(rd.Size(), 10))
	if _, err := io.Copy(w, rd); err != nil {
		h.logger().Warn("send chunk", zap.String("chunk_id", chunkID), zap.Error(err))
	}
}

func (h *ChunkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	chunkID := mux.Vars(r)["chunkID"]
	if !validChunkID(chunkID) {
		writeError(w, http.StatusBadRequest, "invalid chunk id")
		return
	}

	if err := h.Bucket.Delete(r.Context(), chunkKey(chunkID)); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			writeError(w, http.StatusNotFound, "chunk not found")
			return
		}
		h.logger().Error("delete chunk", zap.String("chunk_id", chunkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete chunk")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports whether the bucket is reachable.
func (h *ChunkHandler) Health(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Bucket.IsAccessible(r.Context())
	if err != nil || !ok {
		h.logger().Warn("bucket not accessible", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Status counts stored chunks and their total size.
func (h *ChunkHandler) Status(w http.ResponseWriter, r *http.Request) {
	var chunks, total int64

	iter := h.Bucket.List(&blob.ListOptions{Prefix: chunkKeyPrefix})
	for {
		obj, err := iter.Next(r.Context())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.logger().Error("list chunks", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list chunks")
			return
		}
		chunks++
		total += obj.Size
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "online",
		"chunks":     chunks,
		"total_size": total,
	})
}

func (h *ChunkHandler) maxChunkSize() int64 {
	if h.MaxChunkSize > 0 {
		return h.MaxChunkSize
	}
	return DefaultMaxChunkSize
}

func (h *ChunkHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func chunkKey(chunkID string) string {
	return chunkKeyPrefix + chunkID
}

// validChunkID rejects ids that would escape the chunk key prefix.
func validChunkID(id string) bool {
	if id == "" || len(id) > 256 {
		return false
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	for _, c := range id {
		if c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}
