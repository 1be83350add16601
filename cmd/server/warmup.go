package main

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"tilecache/internal/image_list"
	"tilecache/internal/image_renderer"
	"tilecache/internal/tile"
)

type imageLister interface {
	GetImages() []image_list.ImageInfo
}

type tileRenderer interface {
	GetOrRender(ctx context.Context, key tile.Key) (*image_renderer.TileResult, error)
}

// warmupTiles seeds the first levels of every source image into the store.
// It returns once every render it started has finished, also when ctx is
// cancelled.
func warmupTiles(ctx context.Context, levels int, workerLimit int, gridset string, images imageLister, renderer tileRenderer, log *zap.Logger) {
	list := images.GetImages()
	if len(list) == 0 {
		return
	}
	srs, err := tile.ParseSRS(gridset)
	if err != nil {
		log.Error("Invalid warmup gridset", zap.String("gridset", gridset), zap.Error(err))
		return
	}

	log.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("images", len(list)))

	if workerLimit <= 0 {
		workerLimit = 1
	}

	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup
	var rendered, failed int64
	var mu sync.Mutex

	for _, img := range list {
		maxZoom := image_renderer.CalculateMaxZoom(img.Width, img.Height)
		warmupZoom := levels
		if warmupZoom > maxZoom {
			warmupZoom = maxZoom
		}

		for z := 0; z <= warmupZoom; z++ {
			tilesX, tilesY := image_renderer.GridSize(img.Width, img.Height, z)

			for x := int64(0); x < tilesX; x++ {
				for y := int64(0); y < tilesY; y++ {
					select {
					case <-ctx.Done():
						wg.Wait()
						log.Info("Tile warmup cancelled")
						return
					case workerChan <- struct{}{}: // Acquire worker slot
					}
					wg.Add(1)

					key := tile.Key{Layer: img.ID, Gridset: gridset, SRS: srs, X: x, Y: y, Z: z, Format: "image/jpeg"}
					go func(key tile.Key) {
						defer wg.Done()
						defer func() { <-workerChan }() // Release worker slot

						result, err := renderer.GetOrRender(ctx, key)
						mu.Lock()
						defer mu.Unlock()
						if err != nil {
							failed++
							log.Debug("Warmup tile failed", zap.String("tile", key.String()), zap.Error(err))
						} else if result.Rendered {
							rendered++
						}
					}(key)
				}
			}
		}
	}

	wg.Wait()
	log.Info("Tile warmup completed", zap.Int64("rendered", rendered), zap.Int64("failed", failed))
}
