package blobstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilecache/internal/tile"
	"tilecache/internal/tilepath"
)

const root = "/cache"

func newMemStore(t *testing.T) (*FileStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll(root, 0755))
	s, err := NewFileStore(fsys, root, zap.NewNop())
	require.NoError(t, err)
	return s, fsys
}

func stateKey(x, y int64, z int) tile.Key {
	return tile.Key{Layer: "topp:states", Gridset: "EPSG:4326", SRS: 4326, X: x, Y: y, Z: z, Format: "image/png"}
}

func TestNewFileStoreRequiresWritableRoot(t *testing.T) {
	_, err := NewFileStore(afero.NewMemMapFs(), "/missing", zap.NewNop())
	require.True(t, errors.Is(err, tile.ErrConfiguration))

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/file", []byte("x"), 0644))
	_, err = NewFileStore(fsys, "/file", zap.NewNop())
	require.True(t, errors.Is(err, tile.ErrConfiguration))

	_, err = NewFileStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/", zap.NewNop())
	require.True(t, errors.Is(err, tile.ErrConfiguration))

	s, err := NewOsFileStore(filepath.Join(t.TempDir(), "nested", "root"), zap.NewNop())
	require.NoError(t, err)
	require.DirExists(t, s.Root())
}

func TestPutGetRoundTrip(t *testing.T) {
	s, fsys := newMemStore(t)

	var keys = []tile.Key{
		stateKey(0, 0, 0),
		stateKey(1234, 567, 14),
		{Layer: "roads", Gridset: "EPSG:900913", SRS: 900913, X: 3, Y: 9, Z: 4, Format: "image/jpeg", Parameters: "&STYLES=night"},
	}
	for i, k := range keys {
		var payload = []byte(fmt.Sprintf("tile-%d", i))
		require.NoError(t, s.Put(k, payload))

		got, ok, err := s.Get(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, payload, got)

		size, ok, err := s.Size(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(len(payload)), size)
	}

	// Overwrite replaces content.
	require.NoError(t, s.Put(keys[0], []byte("replaced")))
	got, ok, err := s.Get(keys[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("replaced"), got)

	// No temp files are left behind.
	p, err := tilepath.TilePath(keys[0])
	require.NoError(t, err)
	entries, err := afero.ReadDir(fsys, filepath.Join(root, p.Dir))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, ok, err = s.Get(stateKey(9, 9, 9))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, fsys := newMemStore(t)
	k := stateKey(5, 6, 3)

	var deleted []int64
	s.OnDelete(func(layer string, srs, z int, x, y int64, size int64) {
		deleted = append(deleted, size)
	})

	require.NoError(t, s.Put(k, []byte("12345")))
	ok, err := s.Delete(k)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Delete(k)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []int64{5}, deleted)

	// The emptied bucket directory is removed.
	p, err := tilepath.TilePath(k)
	require.NoError(t, err)
	exists, err := afero.DirExists(fsys, filepath.Join(root, p.Dir))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDeleteRangeRemovesOnlySelectedZooms(t *testing.T) {
	s, fsys := newMemStore(t)

	for z := 0; z <= 3; z++ {
		for x := int64(0); x < 1<<uint(z); x++ {
			require.NoError(t, s.Put(stateKey(x, 0, z), []byte{byte(z)}))
		}
	}
	r, err := tile.NewRange("topp:states", "EPSG:4326")
	require.NoError(t, err)
	r.ZoomStart, r.ZoomStop = 1, 2

	ok, err := s.DeleteRange(r)
	require.NoError(t, err)
	require.True(t, ok)

	for z := 0; z <= 3; z++ {
		for x := int64(0); x < 1<<uint(z); x++ {
			_, found, err := s.Get(stateKey(x, 0, z))
			require.NoError(t, err)
			require.Equal(t, z == 0 || z == 3, found, "z=%d x=%d", z, x)
		}
	}
	for z, want := range map[int]bool{0: true, 1: false, 2: false, 3: true} {
		exists, err := afero.DirExists(fsys, filepath.Join(root, "topp_states", tilepath.ZoomDir(4326, z, "")))
		require.NoError(t, err)
		require.Equal(t, want, exists, "z=%d", z)
	}
}

func TestDeleteRangeWithBoundsAndFormat(t *testing.T) {
	s, _ := newMemStore(t)

	for x := int64(0); x < 8; x++ {
		require.NoError(t, s.Put(stateKey(x, x, 5), []byte("png")))
		jpeg := stateKey(x, x, 5)
		jpeg.Format = "image/jpeg"
		require.NoError(t, s.Put(jpeg, []byte("jpeg")))
	}
	r, err := tile.NewRange("topp:states", "EPSG:4326")
	require.NoError(t, err)
	r.Format = "image/png"
	r.Bounds = map[int]tile.Bounds{5: {MinX: 2, MinY: 2, MaxX: 4, MaxY: 4}}

	ok, err := s.DeleteRange(r)
	require.NoError(t, err)
	require.True(t, ok)

	for x := int64(0); x < 8; x++ {
		_, found, err := s.Get(stateKey(x, x, 5))
		require.NoError(t, err)
		require.Equal(t, x < 2 || x > 4, found, "x=%d", x)

		jpeg := stateKey(x, x, 5)
		jpeg.Format = "image/jpeg"
		_, found, err = s.Get(jpeg)
		require.NoError(t, err)
		require.True(t, found)
	}
}

func TestDeleteLayer(t *testing.T) {
	s, fsys := newMemStore(t)

	ok, err := s.DeleteLayer("topp:states")
	require.NoError(t, err)
	require.False(t, ok)

	for z := 0; z < 4; z++ {
		require.NoError(t, s.Put(stateKey(0, 0, z), []byte("x")))
	}
	other := stateKey(0, 0, 0)
	other.Layer = "roads"
	require.NoError(t, s.Put(other, []byte("y")))

	ok, err = s.DeleteLayer("topp:states")
	require.NoError(t, err)
	require.True(t, ok)

	exists, err := afero.DirExists(fsys, filepath.Join(root, "topp_states"))
	require.NoError(t, err)
	require.False(t, exists)

	_, found, err := s.Get(other)
	require.NoError(t, err)
	require.True(t, found)
}

func TestConcurrentPutsOnDistinctKeys(t *testing.T) {
	s, _ := newMemStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := stateKey(int64(i), int64(i), 6)
			require.NoError(t, s.Put(k, []byte{byte(i)}))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		got, ok, err := s.Get(stateKey(int64(i), int64(i), 6))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte{byte(i)}, got)
	}
}

func TestDestroy(t *testing.T) {
	s, _ := newMemStore(t)
	s.Destroy()

	err := s.Put(stateKey(0, 0, 0), []byte("x"))
	require.True(t, errors.Is(err, tile.ErrStorage))
	_, _, err = s.Get(stateKey(0, 0, 0))
	require.True(t, errors.Is(err, tile.ErrStorage))
}

func TestFeatureBlobs(t *testing.T) {
	s, _ := newMemStore(t)

	byQuery := tile.Feature{Query: []byte("<GetFeature/>"), Response: []byte("<FeatureCollection/>")}
	byParams := tile.Feature{Parameters: "&typeName=roads", Response: []byte("{}")}

	for _, f := range []tile.Feature{byQuery, byParams} {
		require.NoError(t, s.PutFeature(f))
		got, ok, err := s.GetFeature(f)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, f.Response, got)

		ok, err = s.DeleteFeature(f)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.DeleteFeature(f)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestFeatureBlobsSurviveLayerNamedWfs(t *testing.T) {
	s, fsys := newMemStore(t)

	f := tile.Feature{Parameters: "&typeName=roads", Response: []byte("{}")}
	require.NoError(t, s.PutFeature(f))

	key := stateKey(1, 1, 2)
	key.Layer = "wfs"
	require.NoError(t, s.Put(key, []byte("png")))

	deleted, err := s.DeleteLayer("wfs")
	require.NoError(t, err)
	require.True(t, deleted)

	got, ok, err := s.GetFeature(f)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, f.Response, got)

	_, err = s.DeleteLayer(".wfs")
	require.Error(t, err)
	exists, err := afero.DirExists(fsys, root+"/.wfs")
	require.NoError(t, err)
	require.True(t, exists)
}
