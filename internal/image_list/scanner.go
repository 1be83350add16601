// Package image_list discovers the source images of the data directory. Each
// image is served as a tile layer named by its id and rendered on demand.
package image_list

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cshum/vipsgen/vips"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ImageInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
}

var extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// IsImage reports whether name has a supported source image extension.
func IsImage(name string) bool {
	return extensions[strings.ToLower(filepath.Ext(name))]
}

type Scanner struct {
	dataDir string
	logger  *zap.Logger

	mu     sync.RWMutex
	images []ImageInfo

	// dimensions reads image dimensions. Replaced in tests.
	dimensions func(path string) (width, height int, err error)
}

func New(dataDir string, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir:    dataDir,
		logger:     logger,
		dimensions: readDimensions,
	}
}

// Scan rebuilds the image list. Images without a metadata sidecar are
// renamed to a fresh uuid and get one written; sidecars whose image is gone
// are removed.
func (s *Scanner) Scan() error {
	if err := s.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	var images []ImageInfo
	for _, entry := range entries {
		if entry.IsDir() || !IsImage(entry.Name()) {
			continue
		}
		path := s.getFilePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		jsonPath := s.getFilePath(strings.TrimSuffix(entry.Name(), filepath.Ext(path)) + ".json")

		if _, err := os.Stat(jsonPath); err == nil {
			imageInfo, err := s.loadMetadata(jsonPath)
			if err != nil {
				s.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
			images = append(images, *imageInfo)
			continue
		}

		imageInfo, err := s.register(path, ext)
		if err != nil {
			s.logger.Warn("Failed to register image", zap.String("path", path), zap.Error(err))
			continue
		}
		images = append(images, *imageInfo)
	}

	s.mu.Lock()
	s.images = images
	s.mu.Unlock()

	s.logger.Info("Scanned source images", zap.String("data_dir", s.dataDir), zap.Int("images", len(images)))
	return nil
}

// register renames a new image to <uuid><ext>, reads its dimensions and
// writes its sidecar.
func (s *Scanner) register(path, ext string) (*ImageInfo, error) {
	id := uuid.New().String()
	finalPath := s.getFilePath(id + ext)
	if err := os.Rename(path, finalPath); err != nil {
		return nil, fmt.Errorf("failed to rename file: %w", err)
	}
	s.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	width, height, err := s.dimensions(finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	imageInfo := &ImageInfo{
		ID:               id,
		OriginalFilename: filepath.Base(path),
		CurrentFilename:  filepath.Base(finalPath),
		Width:            width,
		Height:           height,
		Bytes:            info.Size(),
	}
	if err := s.saveMetadata(s.getFilePath(id+".json"), imageInfo); err != nil {
		return nil, err
	}
	return imageInfo, nil
}

func (s *Scanner) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".json" {
			continue
		}
		path := s.getFilePath(entry.Name())
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))

		var reason string
		meta, err := s.loadMetadata(path)
		switch {
		case err != nil:
			reason = "invalid metadata"
		case meta.ID != id:
			reason = "id mismatch"
		default:
			if _, err := os.Stat(s.getFilePath(meta.CurrentFilename)); err != nil {
				reason = "image missing"
			}
		}
		if reason == "" {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to delete metadata", zap.String("path", path), zap.Error(err))
		} else {
			s.logger.Info("Deleted metadata", zap.String("path", path), zap.String("reason", reason))
		}
	}
	return nil
}

func (s *Scanner) GetImages() []ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ImageInfo(nil), s.images...)
}

func (s *Scanner) GetImageByID(id string) *ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, img := range s.images {
		if img.ID == id {
			return &img
		}
	}
	return nil
}

func (s *Scanner) GetImagePathByID(id string) string {
	imageInfo := s.GetImageByID(id)
	if imageInfo == nil {
		return ""
	}
	return s.getFilePath(imageInfo.CurrentFilename)
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func (s *Scanner) loadMetadata(path string) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta ImageInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

func (s *Scanner) saveMetadata(path string, meta *ImageInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func readDimensions(path string) (int, int, error) {
	image, err := Load(path, vips.AccessSequential)
	if err != nil {
		return 0, 0, err
	}
	defer image.Close()
	return image.Width(), image.Height(), nil
}

// Load opens a source image with the loader matching its extension.
func Load(path string, access vips.Access) (*vips.Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", filepath.Ext(path))
	}
}
