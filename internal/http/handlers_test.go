package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilecache/internal/blobstore"
	"tilecache/internal/config"
	"tilecache/internal/image_list"
	"tilecache/internal/image_renderer"
	"tilecache/internal/storage"
	"tilecache/internal/tile"
)

type readOnlyLayer struct{}

func (readOnlyLayer) Get(tile.Key) ([]byte, bool, error) { return nil, false, nil }
func (readOnlyLayer) Size(tile.Key) (int64, bool, error) { return 0, false, nil }

func newTestServer(t *testing.T, token string) (http.Handler, *storage.Coordinator) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/cache", 0755))
	blobs, err := blobstore.NewFileStore(fsys, "/cache", zap.NewNop())
	require.NoError(t, err)
	store := storage.NewCoordinator(blobs, nil, false, zap.NewNop())
	store.RegisterBundleLayer("world", readOnlyLayer{})

	cfg := &config.Config{WriteToken: token, MaxTileSize: 16}
	scanner := image_list.New(t.TempDir(), zap.NewNop())
	renderer := image_renderer.New(scanner, store, zap.NewNop())
	h := New(cfg, zap.NewNop(), scanner, renderer, store)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tiles/", h.HandleTiles)
	mux.HandleFunc("/api/layers/", h.HandleLayerRoutes)
	mux.HandleFunc("/api/images", h.HandleImages)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux)), store
}

func do(h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const statesTile = "/api/tiles/topp:states/EPSG:4326/3/1/2.png"

func TestTileLifecycle(t *testing.T) {
	h, store := newTestServer(t, "")

	rec := do(h, http.MethodGet, statesTile, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodPut, statesTile, "png-bytes")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	data, ok, err := store.Get(context.Background(), tile.Key{
		Layer: "topp:states", Gridset: "EPSG:4326", SRS: 4326, X: 1, Y: 2, Z: 3, Format: "image/png",
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("png-bytes"), data)

	rec = do(h, http.MethodGet, statesTile, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = do(h, http.MethodGet, statesTile, "", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = do(h, http.MethodHead, statesTile, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "9", rec.Header().Get("Content-Length"))

	// Parameterised tiles are distinct.
	rec = do(h, http.MethodGet, statesTile+"?parameters=STYLES%3Dpolygon", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodDelete, statesTile, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":true}`, rec.Body.String())

	rec = do(h, http.MethodDelete, statesTile, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":false}`, rec.Body.String())
}

func TestTilePathValidation(t *testing.T) {
	h, _ := newTestServer(t, "")

	for _, target := range []string{
		"/api/tiles/topp:states/EPSG:4326/3/1.png",
		"/api/tiles/topp:states/EPSG:4326/z/1/2.png",
		"/api/tiles/topp:states/EPSG:4326/3/1/2.bmp",
		"/api/tiles/topp:states/EPSG:4326/3/-1/2.png",
		"/api/tiles/topp:states/WGS84/3/1/2.png",
		"/api/tiles/topp:states/EPSG:4326/61/0/0.png",
		"/api/tiles/topp:states/EPSG:4326/126/0/0.png",
		"/api/tiles/.wfs/EPSG:4326/3/1/2.png",
	} {
		rec := do(h, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		rec = do(h, http.MethodPut, target, "png")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec := do(h, http.MethodPost, "/api/layers/topp:states/truncate", `{"gridset":"EPSG:4326","zoom_start":0,"zoom_stop":126}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWritesRequireToken(t *testing.T) {
	h, _ := newTestServer(t, "secret")

	rec := do(h, http.MethodPut, statesTile, "png")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(h, http.MethodDelete, "/api/layers/topp:states", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodPut, statesTile, "png", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = do(h, http.MethodPut, statesTile+"?token=secret", "png")
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Reads stay public.
	rec = do(h, http.MethodGet, statesTile, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPutRejectsOversizedTiles(t *testing.T) {
	h, _ := newTestServer(t, "")
	rec := do(h, http.MethodPut, statesTile, strings.Repeat("x", 17))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestReadOnlyLayers(t *testing.T) {
	h, _ := newTestServer(t, "")

	rec := do(h, http.MethodPut, "/api/tiles/world/EPSG:3857/1/0/0.png", "png")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec = do(h, http.MethodDelete, "/api/layers/world", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec = do(h, http.MethodGet, "/api/tiles/world/EPSG:3857/1/0/0.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTruncateAndDeleteLayer(t *testing.T) {
	h, store := newTestServer(t, "")
	ctx := context.Background()

	put := func(x, y int64, z int) tile.Key {
		key := tile.Key{Layer: "topp:states", Gridset: "EPSG:4326", SRS: 4326, X: x, Y: y, Z: z, Format: "image/png"}
		_, err := store.Put(ctx, key, []byte("png"))
		require.NoError(t, err)
		return key
	}
	z0 := put(0, 0, 0)
	z1 := put(1, 1, 1)
	z2in := put(2, 2, 2)
	z2out := put(3, 3, 2)

	rec := do(h, http.MethodPost, "/api/layers/topp:states/truncate",
		`{"gridset":"EPSG:4326","format":"png","zoom_start":1,"zoom_stop":2,"bounds":{"2":{"minx":0,"miny":0,"maxx":2,"maxy":2}}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"deleted":true}`, rec.Body.String())

	exists := func(k tile.Key) bool {
		_, ok, err := store.Get(ctx, k)
		require.NoError(t, err)
		return ok
	}
	assert.True(t, exists(z0))
	assert.False(t, exists(z1))
	assert.False(t, exists(z2in))
	assert.True(t, exists(z2out))

	rec = do(h, http.MethodPost, "/api/layers/topp:states/truncate", `{"gridset":"EPSG:4326","zoom_start":3,"zoom_stop":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(h, http.MethodPost, "/api/layers/topp:states/truncate", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodDelete, "/api/layers/topp:states", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":true}`, rec.Body.String())
	assert.False(t, exists(z0))
	assert.False(t, exists(z2out))
}

func TestImagesAndHealthz(t *testing.T) {
	h, _ := newTestServer(t, "")

	rec := do(h, http.MethodGet, "/api/images", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var images []image_list.ImageInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &images))
	assert.Empty(t, images)

	rec = do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(h, http.MethodOptions, statesTile, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
