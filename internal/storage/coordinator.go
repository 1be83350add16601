// Package storage composes blob storage and metadata records behind one
// get/put/delete contract keyed by tile.Key.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tilecache/internal/bundle"
	"tilecache/internal/metrics"
	"tilecache/internal/tile"
)

// Coordinator writes blobs before their metadata records, and consults
// records before blobs so known-absent tiles never touch the filesystem.
type Coordinator struct {
	blobs       BlobStore
	meta        MetaStore
	logger      *zap.Logger
	trackAccess bool

	mu      sync.RWMutex
	bundles map[string]BundleLayer
}

// NewCoordinator returns a Coordinator over blobs and meta. With trackAccess
// every hit updates the record's access time and count.
func NewCoordinator(blobs BlobStore, meta MetaStore, trackAccess bool, logger *zap.Logger) *Coordinator {
	if meta == nil {
		meta = NewNoopMeta()
	}
	return &Coordinator{
		blobs:       blobs,
		meta:        meta,
		logger:      logger,
		trackAccess: trackAccess,
		bundles:     make(map[string]BundleLayer),
	}
}

// RegisterBundleLayer serves layer from a read-only compact cache. Writes
// to the layer fail with tile.ErrReadOnly.
func (c *Coordinator) RegisterBundleLayer(layer string, b BundleLayer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundles[layer] = b
}

// BundleLayers returns the names of registered read-only layers.
func (c *Coordinator) BundleLayers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names = make([]string, 0, len(c.bundles))
	for name := range c.bundles {
		names = append(names, name)
	}
	return names
}

func (c *Coordinator) bundleLayer(layer string) (BundleLayer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bundles[layer]
	return b, ok
}

func readOnly(op, layer string) error {
	return tile.NewStorageError(op, layer, tile.ErrReadOnly)
}

// Get returns the bytes of key, or ok == false when the tile is absent.
func (c *Coordinator) Get(ctx context.Context, key tile.Key) (data []byte, ok bool, err error) {
	if err = key.Validate(); err != nil {
		return nil, false, err
	}
	var knownAbsent bool
	defer func() {
		switch {
		case err != nil:
			metrics.TileRequestsTotal.WithLabelValues(metrics.Fail).Inc()
		case knownAbsent:
			metrics.TileRequestsTotal.WithLabelValues(metrics.Absent).Inc()
		case ok:
			metrics.TileRequestsTotal.WithLabelValues(metrics.Hit).Inc()
			metrics.TileReadBytesTotal.Add(float64(len(data)))
		default:
			metrics.TileRequestsTotal.WithLabelValues(metrics.Miss).Inc()
		}
	}()

	if b, isBundle := c.bundleLayer(key.Layer); isBundle {
		data, ok, err = b.Get(key)
		if errors.Is(err, bundle.ErrNoBundle) {
			return nil, false, nil
		}
		return data, ok, err
	}

	rec, recorded, err := c.meta.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if recorded && rec.KnownAbsent() {
		knownAbsent = true
		return nil, false, nil
	}

	data, ok, err = c.blobs.Get(key)
	if err != nil {
		return nil, false, err
	}
	switch {
	case !ok && recorded:
		c.logger.Warn("Removing stale tile record", zap.String("tile", key.String()))
		if _, err = c.meta.Delete(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	case !ok:
		return nil, false, nil
	case !recorded:
		if _, err = c.meta.Put(ctx, key, int64(len(data))); err != nil {
			return nil, false, err
		}
	case c.trackAccess:
		if err = c.meta.Touch(ctx, key); err != nil {
			return nil, false, err
		}
	}
	return data, true, nil
}

// Size returns the stored size of key without reading it, or ok == false
// when the tile is absent.
func (c *Coordinator) Size(ctx context.Context, key tile.Key) (int64, bool, error) {
	if err := key.Validate(); err != nil {
		return 0, false, err
	}
	if b, isBundle := c.bundleLayer(key.Layer); isBundle {
		size, ok, err := b.Size(key)
		if errors.Is(err, bundle.ErrNoBundle) {
			return 0, false, nil
		}
		return size, ok, err
	}
	rec, recorded, err := c.meta.Get(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if recorded && rec.KnownAbsent() {
		return 0, false, nil
	}
	return c.blobs.Size(key)
}

// Put stores data for key: the blob first, then its record.
func (c *Coordinator) Put(ctx context.Context, key tile.Key, data []byte) (tile.Record, error) {
	if err := key.Validate(); err != nil {
		return tile.Record{}, err
	}
	if _, isBundle := c.bundleLayer(key.Layer); isBundle {
		return tile.Record{}, readOnly("put", key.Layer)
	}
	if err := c.blobs.Put(key, data); err != nil {
		return tile.Record{}, err
	}
	metrics.TileWriteBytesTotal.Add(float64(len(data)))
	return c.meta.Put(ctx, key, int64(len(data)))
}

// MarkAbsent records key as known absent, removing any stored blob, so later
// lookups skip the filesystem.
func (c *Coordinator) MarkAbsent(ctx context.Context, key tile.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if _, isBundle := c.bundleLayer(key.Layer); isBundle {
		return readOnly("mark absent", key.Layer)
	}
	if _, err := c.blobs.Delete(key); err != nil {
		return err
	}
	_, err := c.meta.Put(ctx, key, 0)
	return err
}

// Delete removes key, returning false if no tile was stored.
func (c *Coordinator) Delete(ctx context.Context, key tile.Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	if _, isBundle := c.bundleLayer(key.Layer); isBundle {
		return false, readOnly("delete", key.Layer)
	}

	rec, recorded, err := c.meta.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if recorded && rec.KnownAbsent() {
		_, err = c.meta.Delete(ctx, key)
		return false, err
	}

	deleted, err := c.blobs.Delete(key)
	if err != nil {
		return false, err
	}
	if recorded {
		if _, err = c.meta.Delete(ctx, key); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// DeleteLayer removes every tile of layer, returning false if the layer had
// no stored tiles.
func (c *Coordinator) DeleteLayer(ctx context.Context, layer string) (bool, error) {
	if err := tile.ValidateLayer(layer); err != nil {
		return false, err
	}
	if _, isBundle := c.bundleLayer(layer); isBundle {
		return false, readOnly("delete layer", layer)
	}
	deleted, err := c.blobs.DeleteLayer(layer)
	if err != nil {
		return false, err
	}
	records, err := c.meta.DeleteLayer(ctx, layer)
	if err != nil {
		return deleted, err
	}
	return deleted || records > 0, nil
}

// DeleteRange removes the tiles selected by r, returning false if the layer
// had no stored tiles.
func (c *Coordinator) DeleteRange(ctx context.Context, r tile.Range) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}
	if _, isBundle := c.bundleLayer(r.Layer); isBundle {
		return false, readOnly("delete range", r.Layer)
	}
	deleted, err := c.blobs.DeleteRange(r)
	if err != nil {
		return false, err
	}
	records, err := c.meta.DeleteRange(ctx, r)
	if err != nil {
		return deleted, err
	}
	return deleted || records > 0, nil
}

// GetFeature returns the cached response of f, or ok == false.
func (c *Coordinator) GetFeature(ctx context.Context, f tile.Feature) ([]byte, bool, error) {
	rec, recorded, err := c.meta.GetFeature(ctx, f)
	if err != nil {
		return nil, false, err
	}
	if recorded && rec.KnownAbsent() {
		return nil, false, nil
	}
	data, ok, err := c.blobs.GetFeature(f)
	if err != nil {
		return nil, false, err
	}
	switch {
	case !ok && recorded:
		if _, err = c.meta.DeleteFeature(ctx, f); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	case !ok:
		return nil, false, nil
	case !recorded:
		if _, err = c.meta.PutFeature(ctx, f, int64(len(data))); err != nil {
			return nil, false, err
		}
	case c.trackAccess:
		if err = c.meta.TouchFeature(ctx, f); err != nil {
			return nil, false, err
		}
	}
	return data, true, nil
}

// PutFeature stores the response of f: the blobs first, then the record.
func (c *Coordinator) PutFeature(ctx context.Context, f tile.Feature) (tile.Record, error) {
	if err := c.blobs.PutFeature(f); err != nil {
		return tile.Record{}, err
	}
	return c.meta.PutFeature(ctx, f, int64(len(f.Response)))
}

// DeleteFeature removes f, returning false if nothing was stored.
func (c *Coordinator) DeleteFeature(ctx context.Context, f tile.Feature) (bool, error) {
	deleted, err := c.blobs.DeleteFeature(f)
	if err != nil {
		return false, err
	}
	recorded, err := c.meta.DeleteFeature(ctx, f)
	if err != nil {
		return deleted, err
	}
	return deleted || recorded, nil
}

// Close releases the blob store and closes the metadata store.
func (c *Coordinator) Close() error {
	c.blobs.Destroy()
	return c.meta.Close()
}
