package storage

import (
	"context"

	"tilecache/internal/tile"
)

// BlobStore holds tile and feature bytes.
type BlobStore interface {
	Get(key tile.Key) ([]byte, bool, error)
	Size(key tile.Key) (int64, bool, error) // Check if tile exists without reading it
	Put(key tile.Key, data []byte) error
	Delete(key tile.Key) (bool, error)
	DeleteLayer(layer string) (bool, error)
	DeleteRange(r tile.Range) (bool, error)
	Destroy()

	GetFeature(f tile.Feature) ([]byte, bool, error)
	PutFeature(f tile.Feature) error
	DeleteFeature(f tile.Feature) (bool, error)
}

// MetaStore keeps existence and size records of stored blobs.
type MetaStore interface {
	Get(ctx context.Context, key tile.Key) (tile.Record, bool, error)
	Put(ctx context.Context, key tile.Key, size int64) (tile.Record, error)
	Delete(ctx context.Context, key tile.Key) (bool, error)
	Touch(ctx context.Context, key tile.Key) error
	DeleteLayer(ctx context.Context, layer string) (int64, error)
	DeleteRange(ctx context.Context, r tile.Range) (int64, error)

	GetFeature(ctx context.Context, f tile.Feature) (tile.Record, bool, error)
	PutFeature(ctx context.Context, f tile.Feature, size int64) (tile.Record, error)
	DeleteFeature(ctx context.Context, f tile.Feature) (bool, error)
	TouchFeature(ctx context.Context, f tile.Feature) error

	Close() error
}

// BundleLayer serves the tiles of a read-only compact cache layer.
type BundleLayer interface {
	Get(key tile.Key) ([]byte, bool, error)
	Size(key tile.Key) (int64, bool, error)
}
