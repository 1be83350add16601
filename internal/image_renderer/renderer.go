package image_renderer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilecache/internal/image_list"
	"tilecache/internal/metrics"
	"tilecache/internal/tile"
)

const TileSize = 256

// ErrNotRenderable is returned for keys no source image can produce: unknown
// layers, parameterised keys, unsupported formats and out of range tiles.
var ErrNotRenderable = errors.New("tile cannot be rendered")

// Store is the part of the storage coordinator the renderer writes through.
type Store interface {
	Get(ctx context.Context, key tile.Key) ([]byte, bool, error)
	Put(ctx context.Context, key tile.Key, data []byte) (tile.Record, error)
}

// Images resolves source layers to images on disk.
type Images interface {
	GetImageByID(id string) *image_list.ImageInfo
	GetImagePathByID(id string) string
}

type Renderer struct {
	images Images
	store  Store
	logger *zap.Logger

	// render produces encoded tile bytes. Replaced in tests.
	render func(path string, info *image_list.ImageInfo, key tile.Key, maxZoom int) ([]byte, error)
}

type TileResult struct {
	Data     []byte
	ETag     string
	Size     int
	Rendered bool
}

func New(images Images, store Store, logger *zap.Logger) *Renderer {
	return &Renderer{
		images: images,
		store:  store,
		logger: logger,
		render: renderWithVips,
	}
}

func CalculateMaxZoom(width, height int) int {
	maxDim := math.Max(float64(width), float64(height))
	scale := maxDim / TileSize
	maxZoom := int(math.Ceil(math.Log2(scale)))
	if maxZoom < 0 {
		return 0
	}
	return maxZoom
}

// GridSize returns the number of tile columns and rows of an image at z.
func GridSize(width, height, z int) (int64, int64) {
	pixelsPerTile := TileSize * math.Pow(2, float64(CalculateMaxZoom(width, height)-z))
	return int64(math.Ceil(float64(width) / pixelsPerTile)), int64(math.Ceil(float64(height) / pixelsPerTile))
}

// Renderable reports whether key addresses a tile of a known source image.
func (r *Renderer) Renderable(key tile.Key) bool {
	_, err := r.check(key)
	return err == nil
}

func (r *Renderer) check(key tile.Key) (*image_list.ImageInfo, error) {
	info := r.images.GetImageByID(key.Layer)
	if info == nil {
		return nil, fmt.Errorf("%w: unknown source layer %q", ErrNotRenderable, key.Layer)
	}
	if key.HasParameters() {
		return nil, fmt.Errorf("%w: source layers take no parameters", ErrNotRenderable)
	}
	if ext, _ := tile.Extension(key.Format); ext != "jpeg" && ext != "png" && ext != "webp" {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrNotRenderable, key.Format)
	}
	maxZoom := CalculateMaxZoom(info.Width, info.Height)
	if key.Z > maxZoom {
		return nil, fmt.Errorf("%w: zoom level %d exceeds max zoom %d", ErrNotRenderable, key.Z, maxZoom)
	}
	cols, rows := GridSize(info.Width, info.Height, key.Z)
	if key.X >= cols || key.Y >= rows {
		return nil, fmt.Errorf("%w: tile %d/%d outside %dx%d grid", ErrNotRenderable, key.X, key.Y, cols, rows)
	}
	return info, nil
}

// GetOrRender serves key from the store, rendering and storing it first when
// it is a missing tile of a source image.
func (r *Renderer) GetOrRender(ctx context.Context, key tile.Key) (*TileResult, error) {
	data, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return r.result(key, data, false), nil
	}

	info, err := r.check(key)
	if err != nil {
		return nil, err
	}
	path := r.images.GetImagePathByID(key.Layer)
	if path == "" {
		return nil, fmt.Errorf("%w: image path not found for id %s", ErrNotRenderable, key.Layer)
	}

	start := time.Now()
	data, err = r.render(path, info, key, CalculateMaxZoom(info.Width, info.Height))
	if err != nil {
		metrics.TileRequestsTotal.WithLabelValues(metrics.Fail).Inc()
		return nil, err
	}
	metrics.RenderDurationSeconds.Observe(time.Since(start).Seconds())
	metrics.TileRequestsTotal.WithLabelValues(metrics.Rendered).Inc()

	if _, err := r.store.Put(ctx, key, data); err != nil {
		// The rendered tile is still served.
		r.logger.Error("Failed to store rendered tile", zap.String("tile", key.String()), zap.Error(err))
	}
	r.logger.Debug("Rendered tile",
		zap.String("tile", key.String()),
		zap.Int("bytes", len(data)),
		zap.Duration("took", time.Since(start)))
	return r.result(key, data, true), nil
}

func (r *Renderer) result(key tile.Key, data []byte, rendered bool) *TileResult {
	return &TileResult{
		Data:     data,
		ETag:     GenerateETag(key),
		Size:     len(data),
		Rendered: rendered,
	}
}

// GenerateETag derives a stable entity tag from the tile key.
func GenerateETag(key tile.Key) string {
	hash := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(hash[:])[:16]
}

func (r *Renderer) GetImageMeta(imageID string) (map[string]interface{}, error) {
	imageInfo := r.images.GetImageByID(imageID)
	if imageInfo == nil {
		return nil, fmt.Errorf("%w: image not found: %s", ErrNotRenderable, imageID)
	}

	return map[string]interface{}{
		"id":       imageInfo.ID,
		"name":     imageInfo.OriginalFilename,
		"width":    imageInfo.Width,
		"height":   imageInfo.Height,
		"tileSize": TileSize,
		"maxZoom":  CalculateMaxZoom(imageInfo.Width, imageInfo.Height),
		"bytes":    imageInfo.Bytes,
	}, nil
}

func renderWithVips(path string, info *image_list.ImageInfo, key tile.Key, maxZoom int) ([]byte, error) {
	// Random access keeps tile extraction from large files cheap.
	image, err := image_list.Load(path, vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	// One tile covers the whole image at zoom 0 and half as many pixels per
	// level after that.
	pixelsPerTile := TileSize * math.Pow(2, float64(maxZoom-key.Z))

	// Edge tiles are clamped to the image.
	startX := int(float64(key.X) * pixelsPerTile)
	startY := int(float64(key.Y) * pixelsPerTile)
	endX := int(math.Min(float64(startX)+pixelsPerTile, float64(info.Width)))
	endY := int(math.Min(float64(startY)+pixelsPerTile, float64(info.Height)))

	width := endX - startX
	height := endY - startY
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid tile bounds", ErrNotRenderable)
	}

	if err := image.ExtractArea(startX, startY, width, height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(TileSize/pixelsPerTile, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	ext, _ := tile.Extension(key.Format)

	// Pad edge tiles to the full tile size, anchored top-left.
	if image.Width() < TileSize || image.Height() < TileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{221, 221, 221} // #ddd
		if err := image.Embed(0, 0, TileSize, TileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	var data []byte
	switch ext {
	case "png":
		pngOpts := vips.DefaultPngsaveBufferOptions()
		pngOpts.Compression = 6
		data, err = image.PngsaveBuffer(pngOpts)
	case "webp":
		webpOpts := vips.DefaultWebpsaveBufferOptions()
		webpOpts.Q = 80
		data, err = image.WebpsaveBuffer(webpOpts)
	default:
		jpegOpts := vips.DefaultJpegsaveBufferOptions()
		jpegOpts.Q = 82
		jpegOpts.Interlace = false
		data, err = image.JpegsaveBuffer(jpegOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	return data, nil
}
