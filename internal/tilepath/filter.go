package tilepath

import (
	"fmt"
	"path/filepath"
	"strings"

	"tilecache/internal/tile"
)

// Filter accepts the directories and files of a layer which belong to a
// tile.Range, one directory tier at a time, so a bulk delete never has to
// decode paths it would not descend into.
type Filter struct {
	r         tile.Range
	layerDir  string
	prefix    string
	ext       string
	paramHash string
}

// NewFilter builds a Filter for r.
func NewFilter(r tile.Range) (*Filter, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	f := &Filter{
		r:        r,
		layerDir: LayerDir(r.Layer),
		prefix:   GridsetPrefix(r.SRS),
	}
	if r.Format != "" {
		ext, ok := tile.Extension(r.Format)
		if !ok {
			return nil, fmt.Errorf("unsupported tile format %q", r.Format)
		}
		f.ext = ext
	}
	if r.Parameters != nil && *r.Parameters != "" {
		f.paramHash = ParametersHash(*r.Parameters)
	}
	return f, nil
}

// Accept is a directory listing predicate: parent is the directory being
// listed and name one of its entries. The tier is derived from parent.
func (f *Filter) Accept(parent, name string) bool {
	parentName := filepath.Base(parent)
	switch {
	case parentName == f.layerDir:
		_, ok := f.AcceptZoomDir(name)
		return ok
	case strings.HasPrefix(parentName, f.prefix):
		return f.AcceptIntermediateDir(name)
	default:
		z, _, ok := ParseZoomDir(f.prefix, filepath.Base(filepath.Dir(parent)))
		if !ok {
			return false
		}
		return f.AcceptFile(z, name)
	}
}

// AcceptZoomDir accepts an EPSG_<srs>_<zz>[_<hash>] directory whose SRS,
// zoom and parameter suffix match the range, returning its zoom level.
func (f *Filter) AcceptZoomDir(name string) (int, bool) {
	z, hash, ok := ParseZoomDir(f.prefix, name)
	if !ok || !f.r.ContainsZoom(z) {
		return 0, false
	}
	if f.r.Parameters != nil && hash != f.paramHash {
		return 0, false
	}
	return z, true
}

// AcceptIntermediateDir accepts every bucket directory. Bounds are only
// checked on the leaf files.
func (f *Filter) AcceptIntermediateDir(name string) bool {
	return !strings.Contains(name, ".")
}

// AcceptFile accepts a tile file at zoom z whose extension matches the
// range format and whose coordinates lie within the level's bounds.
func (f *Filter) AcceptFile(z int, name string) bool {
	x, y, ext, err := ParseFileName(name)
	if err != nil {
		return false
	}
	if f.ext != "" && !strings.EqualFold(ext, f.ext) {
		return false
	}
	return f.r.Contains(x, y, z)
}
