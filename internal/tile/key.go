package tile

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key identifies one stored tile.
type Key struct {
	Layer      string
	Gridset    string
	SRS        int
	X          int64
	Y          int64
	Z          int
	Format     string
	Parameters string
}

// MaxZoom is the deepest zoom level a key or range may address.
const MaxZoom = 60

// NewKey builds a Key, deriving the SRS number from an "EPSG:<n>" gridset.
// Known format aliases are replaced by their canonical mime type.
func NewKey(layer, gridset string, x, y int64, z int, format, parameters string) (Key, error) {
	srs, err := ParseSRS(gridset)
	if err != nil {
		return Key{}, err
	}
	if canonical, ok := CanonicalFormat(format); ok {
		format = canonical
	}
	return Key{
		Layer:      layer,
		Gridset:    gridset,
		SRS:        srs,
		X:          x,
		Y:          y,
		Z:          z,
		Format:     format,
		Parameters: parameters,
	}, nil
}

// HasParameters reports whether the key carries a parameter set.
func (k Key) HasParameters() bool {
	return k.Parameters != ""
}

// Validate checks the coordinate and naming invariants of the key.
func (k Key) Validate() error {
	if err := ValidateLayer(k.Layer); err != nil {
		return fmt.Errorf("tile key: %w", err)
	}
	if k.X < 0 || k.Y < 0 || k.Z < 0 {
		return fmt.Errorf("tile key: negative coordinate %d/%d/%d", k.Z, k.X, k.Y)
	}
	if k.Z > MaxZoom {
		return fmt.Errorf("tile key: zoom level %d exceeds %d", k.Z, MaxZoom)
	}
	if _, ok := Extension(k.Format); !ok {
		return fmt.Errorf("tile key: unsupported format %q", k.Format)
	}
	return nil
}

func (k Key) String() string {
	s := fmt.Sprintf("%s/%s/%d/%d/%d.%s", k.Layer, k.Gridset, k.Z, k.X, k.Y, k.Format)
	if k.HasParameters() {
		s += "?" + k.Parameters
	}
	return s
}

// ValidateLayer checks a layer name can be used as a cache directory. Names
// starting with a dot are reserved for the store's own directories.
func ValidateLayer(layer string) error {
	switch {
	case layer == "":
		return fmt.Errorf("empty layer name")
	case strings.HasPrefix(layer, "."):
		return fmt.Errorf("layer name %q must not start with a dot", layer)
	case strings.ContainsAny(layer, "/\\"):
		return fmt.Errorf("layer name %q must not contain a path separator", layer)
	}
	return nil
}

// ParseSRS extracts the numeric SRS from a gridset identifier such as
// "EPSG:4326". Bare numbers are accepted too.
func ParseSRS(gridset string) (int, error) {
	code := gridset
	if i := strings.LastIndexByte(gridset, ':'); i >= 0 {
		code = gridset[i+1:]
	}
	srs, err := strconv.Atoi(code)
	if err != nil || srs < 0 {
		return 0, fmt.Errorf("invalid gridset %q: expected EPSG:<code>", gridset)
	}
	return srs, nil
}

// Record is the metadata kept for a stored blob. Size == 0 means the blob is
// known to be absent.
type Record struct {
	ID      int64
	Size    int64
	Created time.Time
}

// KnownAbsent reports whether the record marks a blob as missing.
func (r Record) KnownAbsent() bool {
	return r.Size <= 0
}
