package blobstore

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strconv"

	"tilecache/internal/tile"
	"tilecache/internal/tilepath"
)

// Feature blobs live beside the layers:
// {root}/.wfs/query/{name} and {root}/.wfs/response/{name}.
// Layer names never start with a dot, so no layer directory can shadow it.
const featureDir = ".wfs"

func featureName(f tile.Feature) string {
	if f.ByParameters() {
		return "p" + tilepath.ParametersHash(f.Parameters)
	}
	return f.QueryDigest() + "_" + strconv.Itoa(len(f.Query))
}

func (s *FileStore) featurePath(kind string, f tile.Feature) string {
	return filepath.Join(s.root, featureDir, kind, featureName(f))
}

// PutFeature stores the query and response bodies of f. The query body is
// only written for features addressed by their query.
func (s *FileStore) PutFeature(f tile.Feature) error {
	if s.destroyed.Load() {
		return tile.NewStorageError("put feature", featureName(f), errDestroyed)
	}
	if !f.ByParameters() {
		if err := s.writeFile(s.featurePath("query", f), f.Query); err != nil {
			return err
		}
	}
	return s.writeFile(s.featurePath("response", f), f.Response)
}

// GetFeature returns the stored response for f, or ok == false.
func (s *FileStore) GetFeature(f tile.Feature) ([]byte, bool, error) {
	if s.destroyed.Load() {
		return nil, false, tile.NewStorageError("get feature", featureName(f), errDestroyed)
	}
	return s.readFile(s.featurePath("response", f))
}

// DeleteFeature removes the blobs of f, returning false if no response was
// stored.
func (s *FileStore) DeleteFeature(f tile.Feature) (bool, error) {
	if s.destroyed.Load() {
		return false, tile.NewStorageError("delete feature", featureName(f), errDestroyed)
	}
	if !f.ByParameters() {
		query := s.featurePath("query", f)
		if err := s.fs.Remove(query); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, tile.NewStorageError("delete feature", query, err)
		}
	}
	response := s.featurePath("response", f)
	err := s.fs.Remove(response)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, tile.NewStorageError("delete feature", response, err)
	}
	return true, nil
}
