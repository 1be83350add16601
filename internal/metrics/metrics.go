// Package metrics declares the prometheus collectors of the tile cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values of TileRequestsTotal.
const (
	Hit      = "hit"
	Miss     = "miss"
	Absent   = "absent"
	Rendered = "rendered"
	Fail     = "fail"
)

var (
	TileRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_tile_requests_total",
		Help: "Cumulative number of tile lookups, by result.",
	}, []string{"result"})
	TileReadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_tile_read_bytes_total",
		Help: "Cumulative number of tile bytes returned by the store.",
	})
	TileWriteBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_tile_write_bytes_total",
		Help: "Cumulative number of tile bytes written to the store.",
	})
	TilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_tiles_deleted_total",
		Help: "Cumulative number of tile files removed.",
	})
	TileDeletedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_tile_deleted_bytes_total",
		Help: "Cumulative number of tile bytes removed.",
	})
	BundleIndexHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_bundle_index_hits_total",
		Help: "Cumulative number of bundle index lookups served from cache.",
	})
	BundleIndexMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_bundle_index_misses_total",
		Help: "Cumulative number of bundle index lookups decoded from disk.",
	})
	IDCacheClearsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_id_cache_clears_total",
		Help: "Cumulative number of surrogate id cache overflows, by table.",
	}, []string{"table"})
	RenderDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilecache_render_duration_seconds",
		Help:    "Duration of rendering a tile from a source image.",
		Buckets: prometheus.DefBuckets,
	})
)
