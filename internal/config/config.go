package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Port     int
	LogLevel string

	CacheRoot            string
	MetastoreEnabled     bool
	MetastoreDriver      string
	MetastoreDSN         string
	TrackAccess          bool
	BundleIndexCacheSize int
	IDCacheLayers        int
	IDCacheFormats       int
	IDCacheParameters    int
	BundleLayers         map[string]BundleLayer

	DataDir         string
	SourceGridset   string
	WarmupLevels    int
	WarmupWorkers   int
	VipsMaxCacheMB  int
	VipsConcurrency int

	WriteToken    string
	MaxTileSize   int64
	AllowedOrigin string
}

func Load() (*Config, error) {
	dataDir := getEnv("DATA_DIR", "/data")
	cacheRoot := getEnv("CACHE_ROOT", filepath.Join(dataDir, "tiles"))

	bundleLayers, err := ParseBundleLayers(getEnv("BUNDLE_LAYERS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		CacheRoot:            cacheRoot,
		MetastoreEnabled:     getEnvBool("METASTORE_ENABLED", true),
		MetastoreDriver:      getEnv("METASTORE_DRIVER", "sqlite3"),
		MetastoreDSN:         getEnv("METASTORE_DSN", filepath.Join(cacheRoot, "metastore.db")),
		TrackAccess:          getEnvBool("TRACK_ACCESS", false),
		BundleIndexCacheSize: getEnvInt("BUNDLE_INDEX_CACHE_SIZE", 10000),
		IDCacheLayers:        getEnvInt("ID_CACHE_LAYERS", 100),
		IDCacheFormats:       getEnvInt("ID_CACHE_FORMATS", 50),
		IDCacheParameters:    getEnvInt("ID_CACHE_PARAMETERS", 100),
		BundleLayers:         bundleLayers,

		DataDir:         dataDir,
		SourceGridset:   getEnv("SOURCE_GRIDSET", "EPSG:3857"),
		WarmupLevels:    getEnvInt("WARMUP_LEVELS", 1),
		WarmupWorkers:   getEnvInt("WARMUP_WORKERS", 1),
		VipsMaxCacheMB:  getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency: getEnvInt("VIPS_CONCURRENCY", 1),

		WriteToken:    getEnv("WRITE_TOKEN", ""),
		MaxTileSize:   getEnvInt64("MAX_TILE_SIZE", 16<<20), // 16MB default
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg, nil
}

// BundleLayer is a read-only compact cache layer.
type BundleLayer struct {
	Path string
	// RowsAtZoom0 is the row count at zoom 0 of a grid with a bottom-left
	// origin whose rows double per zoom. Zero keeps tile rows as they are.
	RowsAtZoom0 int64
}

// ParseBundleLayers parses "name=path[,rows=N][;name=path[,rows=N]]" into
// a layer -> compact cache map.
func ParseBundleLayers(value string) (map[string]BundleLayer, error) {
	layers := make(map[string]BundleLayer)
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		path, opts, _ := strings.Cut(rest, ",")
		path = strings.TrimSpace(path)
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid BUNDLE_LAYERS entry %q: expected name=path", entry)
		}
		if _, dup := layers[name]; dup {
			return nil, fmt.Errorf("duplicate BUNDLE_LAYERS layer %q", name)
		}
		layer := BundleLayer{Path: path}
		if opts != "" {
			key, raw, _ := strings.Cut(opts, "=")
			rows, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if strings.TrimSpace(key) != "rows" || err != nil || rows <= 0 {
				return nil, fmt.Errorf("invalid BUNDLE_LAYERS option %q for layer %q: expected rows=<positive integer>", opts, name)
			}
			layer.RowsAtZoom0 = rows
		}
		layers[name] = layer
	}
	return layers, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func (c *Config) IsWritePublic() bool {
	return strings.TrimSpace(c.WriteToken) == ""
}
