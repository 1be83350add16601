package storage

import (
	"context"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"tilecache/internal/blobstore"
	"tilecache/internal/bundle"
	"tilecache/internal/metastore"
	"tilecache/internal/metrics"
)

// Options configures NewFromOptions.
type Options struct {
	// Root is the tile cache root directory.
	Root string

	// MetaEnabled selects the relational metastore. When false tiles are
	// tracked by their blobs alone.
	MetaEnabled bool
	Meta        metastore.Config
	TrackAccess bool

	// BundleLayers maps read-only layer names to compact caches.
	BundleLayers         map[string]BundleSource
	BundleIndexCacheSize int
}

// BundleSource locates a compact cache layer.
type BundleSource struct {
	// Root is the _alllayers directory of the cache.
	Root string
	// RowsAtZoom0, when positive, flips tile rows of a bottom-left origin
	// grid holding that many rows at zoom 0.
	RowsAtZoom0 int64
}

// NewFromOptions builds a Coordinator with an on-disk blob store, an
// optional metastore and any configured compact cache layers.
func NewFromOptions(ctx context.Context, opts Options, log *zap.Logger) (*Coordinator, error) {
	blobs, err := blobstore.NewOsFileStore(opts.Root, log)
	if err != nil {
		return nil, err
	}
	blobs.OnDelete(func(layer string, srs, z int, x, y int64, size int64) {
		metrics.TilesDeletedTotal.Inc()
		metrics.TileDeletedBytesTotal.Add(float64(size))
	})
	log.Info("Using file blob store", zap.String("root", opts.Root))

	var meta MetaStore = NewNoopMeta()
	if opts.MetaEnabled {
		store, err := metastore.Open(ctx, opts.Meta, log)
		if err != nil {
			return nil, err
		}
		meta = store
		log.Info("Using metastore", zap.String("driver", opts.Meta.Driver))
	} else {
		log.Info("Metastore disabled")
	}

	c := NewCoordinator(blobs, meta, opts.TrackAccess, log)

	var names = make([]string, 0, len(opts.BundleLayers))
	for name := range opts.BundleLayers {
		names = append(names, name)
	}
	sort.Strings(names)

	var bundleFs = afero.NewReadOnlyFs(afero.NewOsFs())
	for _, name := range names {
		src := opts.BundleLayers[name]
		cache, err := bundle.NewCache(bundleFs, src.Root, bundle.NewIndexCache(opts.BundleIndexCacheSize), log)
		if err != nil {
			meta.Close()
			return nil, err
		}
		if src.RowsAtZoom0 > 0 {
			cache.SetGridHeights(bundle.DoublingGridHeights(src.RowsAtZoom0))
		}
		c.RegisterBundleLayer(name, cache)
		log.Info("Registered compact cache layer",
			zap.String("layer", name),
			zap.String("root", src.Root),
			zap.Int64("rows_at_zoom0", src.RowsAtZoom0),
			zap.String("index_cache", humanize.Comma(int64(indexCacheSize(opts.BundleIndexCacheSize)))+" entries"),
		)
	}
	return c, nil
}

func indexCacheSize(size int) int {
	if size <= 0 {
		return bundle.DefaultIndexCacheSize
	}
	return size
}
