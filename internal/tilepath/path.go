// Package tilepath maps tile keys onto the cache directory layout
//
//	<layer>/EPSG_<srs>_<zz>[_<paramhash>]/<bucketX>_<bucketY>/<x>_<y>.<ext>
//
// and filters existing paths against a tile.Range for bulk deletion.
package tilepath

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"tilecache/internal/tile"
)

// Path is a tile location relative to the cache root.
type Path struct {
	Dir  string
	File string
}

// Join returns the absolute tile file path below root.
func (p Path) Join(root string) string {
	return filepath.Join(root, p.Dir, p.File)
}

// LayerDir returns the directory name used for a layer.
func LayerDir(layer string) string {
	return strings.NewReplacer(":", "_", " ", "_").Replace(layer)
}

// ParametersHash returns the directory suffix for a parameter string. It is
// a 64 bit non-cryptographic hash: distinct parameter sets only share a
// directory if their hashes collide.
func ParametersHash(parameters string) string {
	return strconv.FormatUint(xxhash.Sum64String(parameters), 16)
}

// GridsetPrefix returns the zoom directory prefix for an SRS, including the
// trailing separator so EPSG_4326_ never matches EPSG_43260_.
func GridsetPrefix(srs int) string {
	return "EPSG_" + strconv.Itoa(srs) + "_"
}

// ZoomDir returns the zoom/SRS directory name.
func ZoomDir(srs, z int, parameters string) string {
	name := GridsetPrefix(srs) + pad(int64(z), 2)
	if parameters != "" {
		name += "_" + ParametersHash(parameters)
	}
	return name
}

// Half returns the bucket edge length at zoom z, for 0 <= z <= tile.MaxZoom.
func Half(z int) int64 {
	return int64(2) << (z / 2)
}

// Digits returns the bucket coordinate width at zoom z. It equals
// max(1, ceil(log10(half))) without floating point.
func Digits(z int) int {
	return len(strconv.FormatInt(Half(z)-1, 10))
}

// TilePath computes the location of a tile. It is a pure function of the key.
func TilePath(k tile.Key) (Path, error) {
	ext, ok := tile.Extension(k.Format)
	if !ok {
		return Path{}, fmt.Errorf("unsupported tile format %q", k.Format)
	}
	if k.X < 0 || k.Y < 0 || k.Z < 0 {
		return Path{}, fmt.Errorf("negative tile coordinate %d/%d/%d", k.Z, k.X, k.Y)
	}
	if k.Z > tile.MaxZoom {
		return Path{}, fmt.Errorf("zoom level %d exceeds %d", k.Z, tile.MaxZoom)
	}
	half := Half(k.Z)
	digits := Digits(k.Z)

	bucket := pad(k.X/half, digits) + "_" + pad(k.Y/half, digits)
	file := pad(k.X, 2*digits) + "_" + pad(k.Y, 2*digits) + "." + ext

	return Path{
		Dir:  filepath.Join(LayerDir(k.Layer), ZoomDir(k.SRS, k.Z, k.Parameters), bucket),
		File: file,
	}, nil
}

// ParseZoomDir decodes a zoom directory name under prefix, returning the
// zoom level and the parameter hash ("" when absent).
func ParseZoomDir(prefix, name string) (z int, paramHash string, ok bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, "", false
	}
	rest := name[len(prefix):]
	if i := strings.IndexByte(rest, '_'); i >= 0 {
		rest, paramHash = rest[:i], rest[i+1:]
		if paramHash == "" {
			return 0, "", false
		}
	}
	z, err := strconv.Atoi(rest)
	if err != nil || z < 0 {
		return 0, "", false
	}
	return z, paramHash, true
}

// ParseZoomDirName decodes a zoom directory name without knowing its SRS.
func ParseZoomDirName(name string) (srs, z int, paramHash string, ok bool) {
	rest, found := strings.CutPrefix(name, "EPSG_")
	if !found {
		return 0, 0, "", false
	}
	code, _, found := strings.Cut(rest, "_")
	if !found {
		return 0, 0, "", false
	}
	srs, err := strconv.Atoi(code)
	if err != nil || srs < 0 {
		return 0, 0, "", false
	}
	z, paramHash, ok = ParseZoomDir(GridsetPrefix(srs), name)
	return srs, z, paramHash, ok
}

// ParseFileName decodes "<x>_<y>.<ext>".
func ParseFileName(name string) (x, y int64, ext string, err error) {
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return 0, 0, "", fmt.Errorf("tile file name %q has no extension", name)
	}
	base, ext := name[:dot], name[dot+1:]
	xs, ys, found := strings.Cut(base, "_")
	if !found {
		return 0, 0, "", fmt.Errorf("tile file name %q is not <x>_<y>", name)
	}
	if x, err = strconv.ParseInt(xs, 10, 64); err != nil {
		return 0, 0, "", fmt.Errorf("tile file name %q: %w", name, err)
	}
	if y, err = strconv.ParseInt(ys, 10, 64); err != nil {
		return 0, 0, "", fmt.Errorf("tile file name %q: %w", name, err)
	}
	return x, y, ext, nil
}

func pad(v int64, width int) string {
	return fmt.Sprintf("%0*d", width, v)
}
