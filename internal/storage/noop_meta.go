package storage

import (
	"context"

	"tilecache/internal/tile"
)

// NoopMeta is the MetaStore used when metadata is disabled. It records
// nothing, so every lookup falls through to the blob store.
type NoopMeta struct{}

func NewNoopMeta() *NoopMeta {
	return &NoopMeta{}
}

func (NoopMeta) Get(ctx context.Context, key tile.Key) (tile.Record, bool, error) {
	return tile.Record{}, false, nil
}

func (NoopMeta) Put(ctx context.Context, key tile.Key, size int64) (tile.Record, error) {
	return tile.Record{Size: size}, nil
}

func (NoopMeta) Delete(ctx context.Context, key tile.Key) (bool, error) {
	return false, nil
}

func (NoopMeta) Touch(ctx context.Context, key tile.Key) error {
	return nil
}

func (NoopMeta) DeleteLayer(ctx context.Context, layer string) (int64, error) {
	return 0, nil
}

func (NoopMeta) DeleteRange(ctx context.Context, r tile.Range) (int64, error) {
	return 0, nil
}

func (NoopMeta) GetFeature(ctx context.Context, f tile.Feature) (tile.Record, bool, error) {
	return tile.Record{}, false, nil
}

func (NoopMeta) PutFeature(ctx context.Context, f tile.Feature, size int64) (tile.Record, error) {
	return tile.Record{Size: size}, nil
}

func (NoopMeta) DeleteFeature(ctx context.Context, f tile.Feature) (bool, error) {
	return false, nil
}

func (NoopMeta) TouchFeature(ctx context.Context, f tile.Feature) error {
	return nil
}

func (NoopMeta) Close() error {
	return nil
}
