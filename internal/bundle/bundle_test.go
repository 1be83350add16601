package bundle

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilecache/internal/tile"
)

const arcRoot = "/arcgis/_alllayers"

// writeV1 builds an L05/R0000C0000 bundle pair where (row=1, col=2) holds
// "hello", (row=3, col=3) has a zero size word, (row=7, col=7) points past
// the end of the data file and (row=5, col=5) has a size word far larger
// than the file.
func writeV1(t *testing.T, fsys afero.Fs) {
	var index = make([]byte, v1HeaderSize+v1EntrySize*Size*Size+16)
	var setOffset = func(row, col int64, offset uint64) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], offset)
		pos := v1HeaderSize + v1EntrySize*(Size*col+row)
		copy(index[pos:pos+v1EntrySize], buf[:v1EntrySize])
	}
	setOffset(1, 2, 60)
	setOffset(3, 3, 100)
	setOffset(7, 7, 10000)
	setOffset(5, 5, 110)

	var data = make([]byte, 128)
	binary.LittleEndian.PutUint32(data[60:], 5)
	copy(data[64:], "hello")
	binary.LittleEndian.PutUint32(data[110:], 0xFFFFFFF0)

	var base = Path(arcRoot, 5, 0, 0)
	require.NoError(t, fsys.MkdirAll(filepath.Dir(base), 0755))
	require.NoError(t, afero.WriteFile(fsys, base+".bundlx", index, 0644))
	require.NoError(t, afero.WriteFile(fsys, base+".bundle", data, 0644))
}

// writeV2 builds an L04/R0000C0000 bundle where (row=4, col=5) holds twelve
// bytes directly after the index.
func writeV2(t *testing.T, fsys afero.Fs) {
	var indexEnd = v2HeaderSize + v2EntrySize*Size*Size
	var data = make([]byte, indexEnd+32)

	pos := v2HeaderSize + v2EntrySize*(Size*4+5)
	binary.LittleEndian.PutUint64(data[pos:], uint64(indexEnd)|12<<40)
	copy(data[indexEnd:], "twelve bytes")

	// An entry whose data runs past the end of the file.
	pos = v2HeaderSize + v2EntrySize*(Size*9+9)
	binary.LittleEndian.PutUint64(data[pos:], uint64(indexEnd+20)|100<<40)

	var base = Path(arcRoot, 4, 0, 0)
	require.NoError(t, fsys.MkdirAll(filepath.Dir(base), 0755))
	require.NoError(t, afero.WriteFile(fsys, base+".bundle", data, 0644))
}

func TestBundleNaming(t *testing.T) {
	assert.Equal(t, "R0000C0000", BaseName(0, 127))
	assert.Equal(t, "R0080C0100", BaseName(130, 260))
	assert.Equal(t, "L05", LevelDir(5))
	assert.Equal(t, filepath.Join("/r", "L12", "R0a00C0180"), Path("/r", 12, 2600, 400))
}

func TestOpenDetectsLayout(t *testing.T) {
	var fsys = afero.NewMemMapFs()
	writeV1(t, fsys)
	writeV2(t, fsys)

	b, err := Open(fsys, Path(arcRoot, 5, 0, 0))
	require.NoError(t, err)
	require.Equal(t, LayoutV1, b.Layout())

	b, err = Open(fsys, Path(arcRoot, 4, 0, 0))
	require.NoError(t, err)
	require.Equal(t, LayoutV2, b.Layout())

	_, err = Open(fsys, Path(arcRoot, 6, 0, 0))
	require.Equal(t, ErrNoBundle, err)
}

func TestV1Tiles(t *testing.T) {
	var fsys = afero.NewMemMapFs()
	writeV1(t, fsys)

	b, err := Open(fsys, Path(arcRoot, 5, 0, 0))
	require.NoError(t, err)

	e, err := b.Entry(1, 2)
	require.NoError(t, err)
	require.Equal(t, Entry{Path: b.DataPath(), Offset: 64, Size: 5}, e)

	data, ok, err := b.Tile(1, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)

	_, ok, err = b.Tile(3, 3)
	require.NoError(t, err)
	require.False(t, ok)

	// Transposed position is a different entry.
	_, ok, err = b.Tile(2, 1)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = b.Tile(7, 7)
	require.True(t, errors.Is(err, ErrCorrupt))
	require.True(t, errors.Is(err, tile.ErrStorage))

	e, err = b.Entry(5, 5)
	require.NoError(t, err)
	require.Equal(t, int64(0xFFFFFFF0), e.Size)
	_, _, err = b.Tile(5, 5)
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestReadEntryChecksBounds(t *testing.T) {
	var fsys = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/b.bundle", []byte("0123456789"), 0644))

	data, err := ReadEntry(fsys, Entry{Path: "/b.bundle", Offset: 6, Size: 4})
	require.NoError(t, err)
	require.Equal(t, []byte("6789"), data)

	for _, e := range []Entry{
		{Path: "/b.bundle", Offset: 6, Size: 5},
		{Path: "/b.bundle", Offset: 11, Size: 1},
		{Path: "/b.bundle", Offset: -1, Size: 2},
		{Path: "/b.bundle", Offset: 4, Size: 1 << 40},
	} {
		_, err := ReadEntry(fsys, e)
		require.True(t, errors.Is(err, ErrCorrupt), "%+v", e)
	}

	_, err = ReadEntry(fsys, Entry{Path: "/missing.bundle", Size: 1})
	require.Equal(t, ErrNoBundle, err)
}

func TestV2Tiles(t *testing.T) {
	var fsys = afero.NewMemMapFs()
	writeV2(t, fsys)

	b, err := Open(fsys, Path(arcRoot, 4, 0, 0))
	require.NoError(t, err)

	data, ok, err := b.Tile(4, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("twelve bytes"), data)

	_, ok, err = b.Tile(5, 4)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = b.Tile(9, 9)
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestV1MissingDataFile(t *testing.T) {
	var fsys = afero.NewMemMapFs()
	writeV1(t, fsys)
	require.NoError(t, fsys.Remove(Path(arcRoot, 5, 0, 0)+".bundle"))

	b, err := Open(fsys, Path(arcRoot, 5, 0, 0))
	require.NoError(t, err)
	_, _, err = b.Tile(1, 2)
	require.Equal(t, ErrNoBundle, err)
}

func TestIndexCacheEvictsLeastRecentlyUsed(t *testing.T) {
	var c = NewIndexCache(2)

	c.Add(1, 0, 0, Entry{Size: 1})
	c.Add(1, 0, 1, Entry{Size: 2})
	_, ok := c.Get(1, 0, 0)
	require.True(t, ok)

	c.Add(1, 0, 2, Entry{Size: 3})
	_, ok = c.Get(1, 0, 1)
	require.False(t, ok)
	e, ok := c.Get(1, 0, 0)
	require.True(t, ok)
	require.Equal(t, int64(1), e.Size)
	require.Equal(t, 2, c.Len())

	c.Purge()
	require.Equal(t, 0, c.Len())

	var def = NewIndexCache(0)
	for i := 0; i < DefaultIndexCacheSize+10; i++ {
		def.Add(0, 0, int64(i), Entry{})
	}
	require.Equal(t, DefaultIndexCacheSize, def.Len())
}

func TestCacheServesTileKeys(t *testing.T) {
	var fsys = afero.NewMemMapFs()
	writeV1(t, fsys)
	writeV2(t, fsys)

	var index = NewIndexCache(16)
	c, err := NewCache(fsys, arcRoot, index, zap.NewNop())
	require.NoError(t, err)

	var key = tile.Key{Layer: "arc", Gridset: "EPSG:3857", SRS: 3857, X: 2, Y: 1, Z: 5, Format: "image/png"}
	data, ok, err := c.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)
	require.Equal(t, 1, index.Len())

	size, ok, err := c.Size(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), size)

	// Known absent positions are cached too.
	key.X, key.Y = 3, 3
	_, ok, err = c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)
	e, ok := index.Get(5, 3, 3)
	require.True(t, ok)
	require.False(t, e.Exists())

	// A corrupt position reads as absent and is not cached.
	key.X, key.Y = 7, 7
	_, ok, err = c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok = index.Get(5, 7, 7)
	require.False(t, ok)

	// So is a tile whose data is truncated.
	key.Z, key.X, key.Y = 4, 9, 9
	_, ok, err = c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	key.Z, key.X, key.Y = 4, 5, 4
	data, ok, err = c.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("twelve bytes"), data)

	// Negative coordinates are never stored.
	key.X = -1
	_, ok, err = c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	key.Z, key.X, key.Y = 8, 0, 0
	_, _, err = c.Get(key)
	require.Equal(t, ErrNoBundle, err)
}

func TestCacheFlipsRows(t *testing.T) {
	var fsys = afero.NewMemMapFs()
	writeV1(t, fsys)

	c, err := NewCache(fsys, arcRoot, nil, zap.NewNop())
	require.NoError(t, err)
	c.SetGridHeights(DoublingGridHeights(1))

	// Zoom 5 has 32 rows, so Y=30 is row 1.
	data, ok, err := c.Get(tile.Key{Layer: "arc", X: 2, Y: 30, Z: 5, Format: "image/png"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)

	// Rows past the grid never reach the bundle.
	_, ok, err = c.Get(tile.Key{Layer: "arc", X: 2, Y: 40, Z: 5, Format: "image/png"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDoublingGridHeights(t *testing.T) {
	var h = DoublingGridHeights(1)
	assert.Equal(t, int64(1), h(0))
	assert.Equal(t, int64(32), h(5))
	assert.Equal(t, int64(1)<<62, h(62))
	assert.Equal(t, int64(-1), h(63))
	assert.Equal(t, int64(-1), h(-1))

	assert.Equal(t, int64(-1), DoublingGridHeights(2)(62))
	assert.Equal(t, int64(-1), DoublingGridHeights(0)(3))
}

func TestNewCacheRequiresRoot(t *testing.T) {
	_, err := NewCache(afero.NewMemMapFs(), "/nowhere", nil, zap.NewNop())
	require.True(t, errors.Is(err, tile.ErrConfiguration))
}
