package bundle

import (
	"errors"
	"math"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"tilecache/internal/metrics"
	"tilecache/internal/tile"
)

// Cache serves the tiles of one compact cache layer, rooted at the layer's
// _alllayers directory. Tile keys map X to the bundle column and Y to the
// bundle row.
type Cache struct {
	fs     afero.Fs
	root   string
	index  *IndexCache
	logger *zap.Logger

	heights GridHeights
}

// GridHeights returns the number of tile rows of zoom z in a grid whose
// origin is bottom-left, or a value <= 0 if z is outside the grid.
type GridHeights func(z int) int64

// DoublingGridHeights returns the heights of a grid holding rows0 rows at
// zoom 0 and twice as many at each following zoom.
func DoublingGridHeights(rows0 int64) GridHeights {
	return func(z int) int64 {
		if rows0 <= 0 || z < 0 || z > 62 || rows0 > math.MaxInt64>>uint(z) {
			return -1
		}
		return rows0 << uint(z)
	}
}

// NewCache returns a Cache over root, which must be an existing directory.
// Index entries are keyed without the layer, so index must not be shared
// with another Cache.
func NewCache(fsys afero.Fs, root string, index *IndexCache, logger *zap.Logger) (*Cache, error) {
	info, err := fsys.Stat(root)
	if err != nil {
		return nil, &tile.ConfigurationError{Path: root, Reason: "compact cache root does not exist", Err: err}
	}
	if !info.IsDir() {
		return nil, &tile.ConfigurationError{Path: root, Reason: "compact cache root is not a directory"}
	}
	if index == nil {
		index = NewIndexCache(DefaultIndexCacheSize)
	}
	return &Cache{
		fs:     fsys,
		root:   root,
		index:  index,
		logger: logger,
	}, nil
}

// Root returns the compact cache root.
func (c *Cache) Root() string { return c.root }

// SetGridHeights makes tile Y count rows from the bottom of the grid: Y maps
// to row heights(z)-1-Y. It must be called before the Cache is shared.
func (c *Cache) SetGridHeights(heights GridHeights) {
	c.heights = heights
}

func (c *Cache) position(k tile.Key) (row, col int64) {
	row, col = k.Y, k.X
	if c.heights != nil {
		if h := c.heights(k.Z); h > 0 {
			row = h - 1 - k.Y
		} else {
			row = -1
		}
	}
	return row, col
}

// Entry returns the index entry of (z, row, col), consulting the index cache
// before decoding the bundle. An unreadable index position is reported as an
// absent entry and is not cached. A missing bundle returns ErrNoBundle.
func (c *Cache) Entry(z int, row, col int64) (Entry, error) {
	if row < 0 || col < 0 || z < 0 {
		return Entry{}, nil
	}
	if e, ok := c.index.Get(z, row, col); ok {
		metrics.BundleIndexHitsTotal.Inc()
		return e, nil
	}
	metrics.BundleIndexMissesTotal.Inc()

	b, err := Open(c.fs, Path(c.root, z, row, col))
	if err != nil {
		return Entry{}, err
	}
	e, err := b.Entry(row, col)
	if errors.Is(err, ErrCorrupt) {
		c.logger.Warn("Corrupt bundle index entry",
			zap.String("bundle", b.DataPath()),
			zap.Int("z", z),
			zap.Int64("row", row),
			zap.Int64("col", col),
			zap.Error(err),
		)
		return Entry{}, nil
	} else if err != nil {
		return Entry{}, err
	}
	c.index.Add(z, row, col, e)
	return e, nil
}

// Get returns the bytes of tile k, or ok == false if the bundle holds no
// tile at its position. A missing bundle returns ErrNoBundle.
func (c *Cache) Get(k tile.Key) (data []byte, ok bool, err error) {
	row, col := c.position(k)
	e, err := c.Entry(k.Z, row, col)
	if err != nil || !e.Exists() {
		return nil, false, err
	}
	data, err = ReadEntry(c.fs, e)
	if errors.Is(err, ErrCorrupt) {
		c.logger.Warn("Bundle tile data truncated",
			zap.String("bundle", e.Path),
			zap.Int64("offset", e.Offset),
			zap.Int64("size", e.Size),
		)
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Size returns the stored size of tile k, or ok == false when absent.
func (c *Cache) Size(k tile.Key) (size int64, ok bool, err error) {
	row, col := c.position(k)
	e, err := c.Entry(k.Z, row, col)
	if err != nil || !e.Exists() {
		return 0, false, err
	}
	return e.Size, true, nil
}
