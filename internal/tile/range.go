package tile

import "fmt"

// ZoomUnbounded leaves one end of a Range's zoom interval open.
const ZoomUnbounded = -1

// Bounds is an inclusive tile box at one zoom level.
type Bounds struct {
	MinX int64 `json:"minx"`
	MinY int64 `json:"miny"`
	MaxX int64 `json:"maxx"`
	MaxY int64 `json:"maxy"`
}

// Contains reports whether (x, y) lies inside the box.
func (b Bounds) Contains(x, y int64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Range selects tiles of one layer and gridset for bulk deletion.
//
// Format, when empty, matches every format. Parameters, when nil, matches
// every parameter set; a non-nil empty string matches only tiles stored
// without parameters. Levels missing from Bounds are unbounded.
type Range struct {
	Layer      string
	Gridset    string
	SRS        int
	Format     string
	ZoomStart  int
	ZoomStop   int
	Bounds     map[int]Bounds
	Parameters *string
}

// NewRange returns a Range covering every zoom level of a layer's gridset.
func NewRange(layer, gridset string) (Range, error) {
	srs, err := ParseSRS(gridset)
	if err != nil {
		return Range{}, err
	}
	return Range{
		Layer:     layer,
		Gridset:   gridset,
		SRS:       srs,
		ZoomStart: ZoomUnbounded,
		ZoomStop:  ZoomUnbounded,
	}, nil
}

// Validate checks the range is usable for deletion.
func (r Range) Validate() error {
	if err := ValidateLayer(r.Layer); err != nil {
		return fmt.Errorf("tile range: %w", err)
	}
	if r.Format != "" {
		if _, ok := Extension(r.Format); !ok {
			return fmt.Errorf("tile range: unsupported format %q", r.Format)
		}
	}
	for _, z := range []int{r.ZoomStart, r.ZoomStop} {
		if z != ZoomUnbounded && (z < 0 || z > MaxZoom) {
			return fmt.Errorf("tile range: zoom level %d outside 0..%d", z, MaxZoom)
		}
	}
	if r.ZoomStart != ZoomUnbounded && r.ZoomStop != ZoomUnbounded && r.ZoomStart > r.ZoomStop {
		return fmt.Errorf("tile range: zoom start %d after stop %d", r.ZoomStart, r.ZoomStop)
	}
	return nil
}

// ContainsZoom reports whether z lies in [ZoomStart, ZoomStop].
func (r Range) ContainsZoom(z int) bool {
	if r.ZoomStart != ZoomUnbounded && z < r.ZoomStart {
		return false
	}
	if r.ZoomStop != ZoomUnbounded && z > r.ZoomStop {
		return false
	}
	return true
}

// Contains reports whether the tile (x, y, z) is inside the range.
func (r Range) Contains(x, y int64, z int) bool {
	if !r.ContainsZoom(z) {
		return false
	}
	if b, ok := r.Bounds[z]; ok {
		return b.Contains(x, y)
	}
	return true
}

// MatchesParameters reports whether a key's parameter string is selected.
func (r Range) MatchesParameters(parameters string) bool {
	return r.Parameters == nil || *r.Parameters == parameters
}
