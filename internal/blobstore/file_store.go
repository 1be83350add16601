package blobstore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"tilecache/internal/tile"
	"tilecache/internal/tilepath"
)

// errDestroyed is returned by every operation after Destroy.
var errDestroyed = errors.New("blob store destroyed")

// DeleteListener observes tiles removed by the store. Bulk deletes report one
// call per removed file.
type DeleteListener func(layer string, srs, z int, x, y int64, size int64)

// FileStore stores tile blobs below a root directory.
// Structure: {root}/{layer}/EPSG_{srs}_{zz}[_{paramhash}]/{bx}_{by}/{x}_{y}.{ext}
//
// There is no locking: operations on distinct keys are independent, and two
// concurrent writers of the same key race to a last-writer-wins rename.
type FileStore struct {
	fs        afero.Fs
	root      string
	logger    *zap.Logger
	onDelete  DeleteListener
	destroyed atomic.Bool
}

// NewFileStore returns a FileStore rooted at root, which must be an existing
// writable directory of fsys.
func NewFileStore(fsys afero.Fs, root string, logger *zap.Logger) (*FileStore, error) {
	info, err := fsys.Stat(root)
	if err != nil {
		return nil, &tile.ConfigurationError{Path: root, Reason: "cache root does not exist", Err: err}
	}
	if !info.IsDir() {
		return nil, &tile.ConfigurationError{Path: root, Reason: "cache root is not a directory"}
	}
	f, err := afero.TempFile(fsys, root, ".writable-")
	if err != nil {
		return nil, &tile.ConfigurationError{Path: root, Reason: "cache root is not writable", Err: err}
	}
	f.Close()
	_ = fsys.Remove(f.Name())

	return &FileStore{
		fs:     fsys,
		root:   root,
		logger: logger,
	}, nil
}

// NewOsFileStore returns a FileStore on the host filesystem, creating root
// if it does not exist yet.
func NewOsFileStore(root string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, &tile.ConfigurationError{Path: root, Reason: "failed to create cache root", Err: err}
	}
	return NewFileStore(afero.NewOsFs(), root, logger)
}

// Root returns the cache root directory.
func (s *FileStore) Root() string { return s.root }

// OnDelete registers a listener for removed tiles. It must be called before
// the store is shared.
func (s *FileStore) OnDelete(l DeleteListener) { s.onDelete = l }

func (s *FileStore) tileFile(key tile.Key) (tilepath.Path, string, error) {
	p, err := tilepath.TilePath(key)
	if err != nil {
		return tilepath.Path{}, "", err
	}
	return p, p.Join(s.root), nil
}

// Put writes data for key, creating parent directories as needed and
// replacing any existing tile.
func (s *FileStore) Put(key tile.Key, data []byte) error {
	if s.destroyed.Load() {
		return tile.NewStorageError("put", key.String(), errDestroyed)
	}
	_, path, err := s.tileFile(key)
	if err != nil {
		return tile.NewStorageError("put", key.String(), err)
	}
	return s.writeFile(path, data)
}

// Get returns the tile bytes, or ok == false when no tile is stored.
func (s *FileStore) Get(key tile.Key) (data []byte, ok bool, err error) {
	if s.destroyed.Load() {
		return nil, false, tile.NewStorageError("get", key.String(), errDestroyed)
	}
	_, path, err := s.tileFile(key)
	if err != nil {
		return nil, false, tile.NewStorageError("get", key.String(), err)
	}
	return s.readFile(path)
}

// Size returns the stored size of a tile, or ok == false when absent.
func (s *FileStore) Size(key tile.Key) (size int64, ok bool, err error) {
	_, path, err := s.tileFile(key)
	if err != nil {
		return 0, false, tile.NewStorageError("stat", key.String(), err)
	}
	info, err := s.fs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, tile.NewStorageError("stat", path, err)
	}
	return info.Size(), true, nil
}

// Delete removes a tile, returning false if it was not stored. An emptied
// bucket directory is removed too.
func (s *FileStore) Delete(key tile.Key) (bool, error) {
	if s.destroyed.Load() {
		return false, tile.NewStorageError("delete", key.String(), errDestroyed)
	}
	_, path, err := s.tileFile(key)
	if err != nil {
		return false, tile.NewStorageError("delete", key.String(), err)
	}
	info, err := s.fs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, tile.NewStorageError("delete", path, err)
	}
	if err := s.fs.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, tile.NewStorageError("delete", path, err)
	}
	if s.onDelete != nil {
		s.onDelete(key.Layer, key.SRS, key.Z, key.X, key.Y, info.Size())
	}
	s.removeIfEmpty(filepath.Dir(path))
	return true, nil
}

// DeleteLayer removes every tile of a layer and the layer directory itself.
// It returns false if the layer directory does not exist.
func (s *FileStore) DeleteLayer(layer string) (bool, error) {
	if s.destroyed.Load() {
		return false, tile.NewStorageError("delete layer", layer, errDestroyed)
	}
	if err := tile.ValidateLayer(layer); err != nil {
		return false, err
	}
	layerPath := filepath.Join(s.root, tilepath.LayerDir(layer))
	if !s.isDir(layerPath) {
		s.logger.Info("Layer directory does not exist", zap.String("path", layerPath))
		return false, nil
	}

	var stats deleteStats
	zoomDirs, err := s.readDirNames(layerPath, true)
	if err != nil {
		return false, tile.NewStorageError("delete layer", layerPath, err)
	}
	for _, zoomName := range zoomDirs {
		zoomPath := filepath.Join(layerPath, zoomName)
		if err := s.deleteZoomDir(layer, zoomPath, nil, &stats); err != nil {
			return false, err
		}
	}
	if err := s.fs.RemoveAll(layerPath); err != nil {
		return false, tile.NewStorageError("delete layer", layerPath, err)
	}

	s.logger.Info("Deleted layer",
		zap.String("layer", layer),
		zap.Int64("tiles", stats.tiles),
		zap.String("bytes", humanize.Bytes(uint64(stats.bytes))),
	)
	return true, nil
}

// DeleteRange removes the tiles of r. Directory tiers are filtered with a
// tilepath.Filter and emptied directories are removed bottom-up. It returns
// false if the layer directory does not exist.
func (s *FileStore) DeleteRange(r tile.Range) (bool, error) {
	if s.destroyed.Load() {
		return false, tile.NewStorageError("delete range", r.Layer, errDestroyed)
	}
	filter, err := tilepath.NewFilter(r)
	if err != nil {
		return false, tile.NewStorageError("delete range", r.Layer, err)
	}
	layerPath := filepath.Join(s.root, tilepath.LayerDir(r.Layer))
	if !s.isDir(layerPath) {
		s.logger.Info("Layer directory does not exist", zap.String("path", layerPath))
		return false, nil
	}

	var stats deleteStats
	zoomDirs, err := s.readDirNames(layerPath, true)
	if err != nil {
		return false, tile.NewStorageError("delete range", layerPath, err)
	}
	for _, zoomName := range zoomDirs {
		if !filter.Accept(layerPath, zoomName) {
			continue
		}
		if err := s.deleteZoomDir(r.Layer, filepath.Join(layerPath, zoomName), filter, &stats); err != nil {
			return false, err
		}
	}

	s.logger.Info("Truncated tile range",
		zap.String("layer", r.Layer),
		zap.Int("srs", r.SRS),
		zap.Int("zoom_start", r.ZoomStart),
		zap.Int("zoom_stop", r.ZoomStop),
		zap.Int64("tiles", stats.tiles),
		zap.String("bytes", humanize.Bytes(uint64(stats.bytes))),
	)
	return true, nil
}

// Destroy releases the store. Every later call fails.
func (s *FileStore) Destroy() {
	s.destroyed.Store(true)
}

type deleteStats struct {
	tiles int64
	bytes int64
}

// deleteZoomDir removes accepted tiles below one zoom directory. A nil
// filter accepts everything.
func (s *FileStore) deleteZoomDir(layer, zoomPath string, filter *tilepath.Filter, stats *deleteStats) error {
	srs, z, ok := parseZoomPath(zoomPath)
	buckets, err := s.readDirNames(zoomPath, true)
	if err != nil {
		return tile.NewStorageError("list", zoomPath, err)
	}
	for _, bucketName := range buckets {
		if filter != nil && !filter.Accept(zoomPath, bucketName) {
			continue
		}
		bucketPath := filepath.Join(zoomPath, bucketName)
		files, err := s.readDirNames(bucketPath, false)
		if err != nil {
			return tile.NewStorageError("list", bucketPath, err)
		}
		for _, fileName := range files {
			if filter != nil && !filter.Accept(bucketPath, fileName) {
				continue
			}
			filePath := filepath.Join(bucketPath, fileName)
			info, err := s.fs.Stat(filePath)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			} else if err != nil {
				return tile.NewStorageError("delete", filePath, err)
			}
			if err := s.fs.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return tile.NewStorageError("delete", filePath, err)
			}
			stats.tiles++
			stats.bytes += info.Size()

			if s.onDelete != nil && ok {
				if x, y, _, err := tilepath.ParseFileName(fileName); err == nil {
					s.onDelete(layer, srs, z, x, y, info.Size())
				}
			}
		}
		s.removeIfEmpty(bucketPath)
	}
	s.removeIfEmpty(zoomPath)
	return nil
}

func (s *FileStore) writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return tile.NewStorageError("mkdir", dir, err)
	}

	// Write to a private temp file and rename, so readers never observe a
	// partial tile and concurrent writers of one key do not interleave.
	tmp, err := afero.TempFile(s.fs, dir, ".tile-")
	if err != nil {
		return tile.NewStorageError("put", path, err)
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = s.fs.Rename(tmpPath, path)
	}
	if err != nil {
		_ = s.fs.Remove(tmpPath)
		return tile.NewStorageError("put", path, err)
	}
	return nil
}

func (s *FileStore) readFile(path string) ([]byte, bool, error) {
	data, err := afero.ReadFile(s.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, tile.NewStorageError("get", path, err)
	}
	return data, true, nil
}

// readDirNames lists the directories (dirs == true) or the regular files of
// dir. A missing dir lists as empty.
func (s *FileStore) readDirNames(dir string, dirs bool) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() == dirs {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *FileStore) isDir(path string) bool {
	info, err := s.fs.Stat(path)
	return err == nil && info.IsDir()
}

// removeIfEmpty is best-effort: a concurrent Put may repopulate dir.
func (s *FileStore) removeIfEmpty(dir string) {
	if empty, err := afero.IsEmpty(s.fs, dir); err == nil && empty {
		_ = s.fs.Remove(dir)
	}
}

// parseZoomPath recovers srs and zoom from an EPSG_<srs>_<zz>[_<hash>] path.
func parseZoomPath(zoomPath string) (srs, z int, ok bool) {
	srs, z, _, ok = tilepath.ParseZoomDirName(filepath.Base(zoomPath))
	return srs, z, ok
}
