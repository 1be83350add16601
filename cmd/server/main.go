package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tilecache/internal/config"
	httphandlers "tilecache/internal/http"
	"tilecache/internal/image_list"
	"tilecache/internal/image_renderer"
	"tilecache/internal/logger"
	"tilecache/internal/metastore"
	"tilecache/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                // Disable disk cache
		MaxCacheSize:     0,                                // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	log.Info("Starting tile cache server",
		zap.Int("port", cfg.Port),
		zap.String("cache_root", cfg.CacheRoot),
		zap.String("data_dir", cfg.DataDir),
	)

	store, err := storage.NewFromOptions(context.Background(), storage.Options{
		Root:        cfg.CacheRoot,
		MetaEnabled: cfg.MetastoreEnabled,
		Meta: metastore.Config{
			Driver:             cfg.MetastoreDriver,
			DSN:                cfg.MetastoreDSN,
			LayerCacheSize:     cfg.IDCacheLayers,
			FormatCacheSize:    cfg.IDCacheFormats,
			ParameterCacheSize: cfg.IDCacheParameters,
		},
		TrackAccess:          cfg.TrackAccess,
		BundleLayers:         bundleSources(cfg.BundleLayers),
		BundleIndexCacheSize: cfg.BundleIndexCacheSize,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tile storage", zap.Error(err))
	}
	defer store.Close()

	scanner := image_list.New(cfg.DataDir, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	renderer := image_renderer.New(scanner, store, log)

	handlers := httphandlers.New(cfg, log, scanner, renderer, store)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/tiles/", handlers.HandleTiles)
	mux.HandleFunc("/api/layers/", handlers.HandleLayerRoutes)
	mux.HandleFunc("/api/images", handlers.HandleImages)
	mux.HandleFunc("/api/images/", handlers.HandleImageRoutes)
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	warmupDone := make(chan struct{})
	if cfg.WarmupLevels > 0 {
		go func() {
			defer close(warmupDone)
			warmupTiles(ctx, cfg.WarmupLevels, cfg.WarmupWorkers, cfg.SourceGridset, scanner, renderer, log)
		}()
	} else {
		close(warmupDone)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// Renders in flight still write to the store.
	<-warmupDone

	log.Info("Server stopped")
}

func bundleSources(layers map[string]config.BundleLayer) map[string]storage.BundleSource {
	sources := make(map[string]storage.BundleSource, len(layers))
	for name, layer := range layers {
		sources[name] = storage.BundleSource{Root: layer.Path, RowsAtZoom0: layer.RowsAtZoom0}
	}
	return sources
}
