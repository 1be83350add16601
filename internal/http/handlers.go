package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilecache/internal/config"
	"tilecache/internal/image_list"
	"tilecache/internal/image_renderer"
	"tilecache/internal/tile"
)

// TileStore is the storage surface served over HTTP.
type TileStore interface {
	Put(ctx context.Context, key tile.Key, data []byte) (tile.Record, error)
	Delete(ctx context.Context, key tile.Key) (bool, error)
	DeleteLayer(ctx context.Context, layer string) (bool, error)
	DeleteRange(ctx context.Context, r tile.Range) (bool, error)
}

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	scanner  *image_list.Scanner
	renderer *image_renderer.Renderer
	store    TileStore
}

func New(config *config.Config, logger *zap.Logger, scanner *image_list.Scanner, renderer *image_renderer.Renderer, store TileStore) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		scanner:  scanner,
		renderer: renderer,
		store:    store,
	}
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		bytes := wrapped.bytesWritten

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", bytes),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, PUT, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	images := h.scanner.GetImages()
	if images == nil {
		images = []image_list.ImageInfo{}
	}
	h.writeJSON(w, http.StatusOK, images)
}

// HandleImageRoutes serves /api/images/{id}/meta.
func (h *Handlers) HandleImageRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/images/"), "/"), "/")
	if len(parts) != 2 || parts[1] != "meta" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	meta, err := h.renderer.GetImageMeta(parts[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, meta)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleTiles serves /api/tiles/{layer}/{gridset}/{z}/{x}/{y}.{ext}.
func (h *Handlers) HandleTiles(w http.ResponseWriter, r *http.Request) {
	key, err := parseTilePath(strings.TrimPrefix(r.URL.Path, "/api/tiles/"), r.URL.Query().Get("parameters"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		h.getTile(w, r, key)
	case http.MethodPut:
		if !h.authorized(w, r) {
			return
		}
		h.putTile(w, r, key)
	case http.MethodDelete:
		if !h.authorized(w, r) {
			return
		}
		deleted, err := h.store.Delete(r.Context(), key)
		if err != nil {
			h.storageError(w, "Failed to delete tile", err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) getTile(w http.ResponseWriter, r *http.Request, key tile.Key) {
	result, err := h.renderer.GetOrRender(r.Context(), key)
	if errors.Is(err, image_renderer.ErrNotRenderable) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.storageError(w, "Failed to read tile", err)
		return
	}

	etag := `"` + result.ETag + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Length", strconv.Itoa(result.Size))
	w.Header().Set("X-Tile-Bytes", strconv.Itoa(result.Size))
	w.Header().Set("Content-Type", contentType(key.Format))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(result.Data)
}

func (h *Handlers) putTile(w http.ResponseWriter, r *http.Request, key tile.Key) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxTileSize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Tile too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	rec, err := h.store.Put(r.Context(), key, data)
	if err != nil {
		h.storageError(w, "Failed to store tile", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"tile": key.String(),
		"id":   rec.ID,
		"size": rec.Size,
	})
}

// HandleLayerRoutes serves DELETE /api/layers/{layer} and
// POST /api/layers/{layer}/truncate.
func (h *Handlers) HandleLayerRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/layers/"), "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.authorized(w, r) {
			return
		}
		deleted, err := h.store.DeleteLayer(r.Context(), parts[0])
		if err != nil {
			h.storageError(w, "Failed to delete layer", err)
			return
		}
		h.logger.Info("Deleted layer", zap.String("layer", parts[0]), zap.Bool("deleted", deleted))
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
	case len(parts) == 2 && parts[1] == "truncate":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.authorized(w, r) {
			return
		}
		h.truncate(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

type truncateRequest struct {
	Gridset    string              `json:"gridset"`
	Format     string              `json:"format"`
	ZoomStart  *int                `json:"zoom_start"`
	ZoomStop   *int                `json:"zoom_stop"`
	Bounds     map[int]tile.Bounds `json:"bounds"`
	Parameters *string             `json:"parameters"`
}

func (h *Handlers) truncate(w http.ResponseWriter, r *http.Request, layer string) {
	var req truncateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid truncate request", http.StatusBadRequest)
		return
	}

	rng, err := tile.NewRange(layer, req.Gridset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Format != "" {
		mime, ok := tile.FormatFromExtension(req.Format)
		if !ok {
			mime = req.Format
		}
		rng.Format = mime
	}
	if req.ZoomStart != nil {
		rng.ZoomStart = *req.ZoomStart
	}
	if req.ZoomStop != nil {
		rng.ZoomStop = *req.ZoomStop
	}
	rng.Bounds = req.Bounds
	rng.Parameters = req.Parameters
	if err := rng.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	deleted, err := h.store.DeleteRange(r.Context(), rng)
	if err != nil {
		h.storageError(w, "Failed to truncate layer", err)
		return
	}
	h.logger.Info("Truncated layer",
		zap.String("layer", layer),
		zap.String("gridset", rng.Gridset),
		zap.Int("zoom_start", rng.ZoomStart),
		zap.Int("zoom_stop", rng.ZoomStop),
		zap.Bool("deleted", deleted))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// authorized checks the write token, answering 401 when it is wrong.
func (h *Handlers) authorized(w http.ResponseWriter, r *http.Request) bool {
	if h.config.IsWritePublic() {
		return true
	}

	token := ""
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	if token != h.config.WriteToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *Handlers) storageError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, tile.ErrReadOnly):
		http.Error(w, err.Error(), http.StatusMethodNotAllowed)
	case errors.Is(err, tile.ErrStorage):
		h.logger.Error(msg, zap.Error(err))
		http.Error(w, msg, http.StatusInternalServerError)
	default:
		// Validation failures of keys and ranges.
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// parseTilePath parses "{layer}/{gridset}/{z}/{x}/{y}.{ext}".
func parseTilePath(p, parameters string) (tile.Key, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != 5 {
		return tile.Key{}, fmt.Errorf("invalid tile path")
	}

	z, err := strconv.Atoi(parts[2])
	if err != nil {
		return tile.Key{}, fmt.Errorf("invalid zoom level")
	}
	x, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return tile.Key{}, fmt.Errorf("invalid x coordinate")
	}
	ext := path.Ext(parts[4])
	y, err := strconv.ParseInt(strings.TrimSuffix(parts[4], ext), 10, 64)
	if err != nil {
		return tile.Key{}, fmt.Errorf("invalid y coordinate")
	}

	format, ok := tile.FormatFromExtension(ext)
	if !ok {
		return tile.Key{}, fmt.Errorf("invalid format %q", ext)
	}

	key, err := tile.NewKey(parts[0], parts[1], x, y, z, format, parameters)
	if err != nil {
		return tile.Key{}, err
	}
	if err := key.Validate(); err != nil {
		return tile.Key{}, err
	}
	return key, nil
}

func contentType(format string) string {
	switch {
	case strings.HasPrefix(format, "image/png"):
		return "image/png"
	case format == "image/vnd.jpeg-png":
		return "image/jpeg"
	default:
		return format
	}
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
