package tilepath

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tilecache/internal/tile"
)

func TestFilterAcceptsGeneratedPaths(t *testing.T) {
	// Every generated path, with its parents, is accepted by a single-tile range.
	for z := 0; z < 8; z++ {
		for x := int64(0); x < 1<<uint(z); x += 3 {
			for y := int64(0); y < 1<<uint(z); y += 5 {
				k := tile.Key{Layer: "states", Gridset: "EPSG:4326", SRS: 4326, X: x, Y: y, Z: z, Format: "image/png"}
				p, err := TilePath(k)
				require.NoError(t, err)

				r, err := tile.NewRange("states", "EPSG:4326")
				require.NoError(t, err)
				r.ZoomStart, r.ZoomStop = z, z
				r.Format = "image/png"
				r.Bounds = map[int]tile.Bounds{z: {MinX: x, MinY: y, MaxX: x, MaxY: y}}

				f, err := NewFilter(r)
				require.NoError(t, err)

				full := p.Join("/root")
				bucketDir := filepath.Dir(full)
				zoomDir := filepath.Dir(bucketDir)
				layerDir := filepath.Dir(zoomDir)

				require.True(t, f.Accept(layerDir, filepath.Base(zoomDir)), full)
				require.True(t, f.Accept(zoomDir, filepath.Base(bucketDir)), full)
				require.True(t, f.Accept(bucketDir, filepath.Base(full)), full)

				// Neighbouring tile is rejected at the leaf.
				require.False(t, f.Accept(bucketDir, p.File[:len(p.File)-4]+".jpeg"), full)
			}
		}
	}
}

func TestFilterZoomAndParameters(t *testing.T) {
	r, err := tile.NewRange("states", "EPSG:4326")
	require.NoError(t, err)
	r.ZoomStart, r.ZoomStop = 1, 2

	f, err := NewFilter(r)
	require.NoError(t, err)

	for name, want := range map[string]bool{
		"EPSG_4326_00": false,
		"EPSG_4326_01": true,
		"EPSG_4326_02_" + ParametersHash("&STYLES=a"): true,
		"EPSG_4326_03":   false,
		"EPSG_900913_01": false,
	} {
		_, ok := f.AcceptZoomDir(name)
		require.Equal(t, want, ok, name)
	}

	var params = "&STYLES=a"
	r.Parameters = &params
	f, err = NewFilter(r)
	require.NoError(t, err)

	_, ok := f.AcceptZoomDir("EPSG_4326_02_" + ParametersHash(params))
	require.True(t, ok)
	_, ok = f.AcceptZoomDir("EPSG_4326_02")
	require.False(t, ok)

	var none = ""
	r.Parameters = &none
	f, err = NewFilter(r)
	require.NoError(t, err)

	_, ok = f.AcceptZoomDir("EPSG_4326_02")
	require.True(t, ok)
	_, ok = f.AcceptZoomDir("EPSG_4326_02_" + ParametersHash(params))
	require.False(t, ok)
}

func TestFilterRejectsInvalidRange(t *testing.T) {
	_, err := NewFilter(tile.Range{Layer: "", ZoomStart: -1, ZoomStop: -1})
	require.Error(t, err)
	_, err = NewFilter(tile.Range{Layer: "l", Format: "image/bmp", ZoomStart: -1, ZoomStop: -1})
	require.Error(t, err)
}
